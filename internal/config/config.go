package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for callsbot.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Feed      FeedConfig      `yaml:"feed"`
	Providers ProvidersConfig `yaml:"providers"`
	HTTP      HTTPConfig      `yaml:"http"`
	Gates     GatesConfig     `yaml:"gates"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Trading   TradingConfig   `yaml:"trading"`
	ML        MLConfig        `yaml:"ml"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
}

type FeedConfig struct {
	Mode            string   `yaml:"mode"` // stream|poll
	StreamURL       string   `yaml:"stream_url"`
	PollURL         string   `yaml:"poll_url"`
	APIKey          string   `yaml:"api_key"`
	Chains          []string `yaml:"chains"`
	TxTypes         []string `yaml:"tx_types"`
	MinUSDValue     float64  `yaml:"min_usd_value"`
	PollIntervalS   float64  `yaml:"poll_interval_s"`
	PingIntervalS   float64  `yaml:"ping_interval_s"`
	IdleResubS      float64  `yaml:"idle_resubscribe_s"`
	MaxBackoffS     float64  `yaml:"max_backoff_s"`
	SmartCycleLimit int      `yaml:"smart_cycle_limit"`
	Blacklist       []string `yaml:"blacklist"`
}

type ProvidersConfig struct {
	PrimaryURL    string `yaml:"primary_url"`
	SecondaryURL  string `yaml:"secondary_url"`
	PriceURL      string `yaml:"price_url"`
	APIKey        string `yaml:"api_key"`
	StatsCacheTTL int    `yaml:"stats_cache_ttl_s"`
	DailyBudget   int64  `yaml:"daily_call_budget"`
}

type HTTPConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
	TimeoutS         float64 `yaml:"timeout_s"`
	BreakerFailures  int     `yaml:"breaker_failures"`
	BreakerWindowS   float64 `yaml:"breaker_window_s"`
	BreakerCooldownS float64 `yaml:"breaker_cooldown_s"`
	MaxConcurrency   int     `yaml:"max_concurrency"`
	StartDelayS      float64 `yaml:"start_delay_s"`
}

type GatesConfig struct {
	PrelimDetailedMin           int     `yaml:"prelim_detailed_min"`
	MinLiquidityUSD             float64 `yaml:"min_liquidity_usd"`
	MaxLiquidityUSD             float64 `yaml:"max_liquidity_usd"`
	SweetSpotLiqMin             float64 `yaml:"sweet_spot_liq_min"`
	SweetSpotLiqMax             float64 `yaml:"sweet_spot_liq_max"`
	MinMarketCapUSD             float64 `yaml:"min_market_cap_usd"`
	MaxMarketCapForDefaultAlert float64 `yaml:"max_market_cap_for_default_alert"`
	Draw24hMajor                float64 `yaml:"draw_24h_major"`
	Max24hChangeForAlert        float64 `yaml:"max_24h_change_for_alert"`
	Max1hChangeForAlert         float64 `yaml:"max_1h_change_for_alert"`
	RequireLPLocked             bool    `yaml:"require_lp_locked"`
	RequireMintRevoked          bool    `yaml:"require_mint_revoked"`
	AllowUnknownSecurity        bool    `yaml:"allow_unknown_security"`
	MaxTop10Concentration       float64 `yaml:"max_top10_concentration"`
	MaxBundlersPercent          float64 `yaml:"max_bundlers_percent"`
	MaxInsidersPercent          float64 `yaml:"max_insiders_percent"`
	MinTokenAgeMinutes          float64 `yaml:"min_token_age_minutes"`
	JrStrictMinScore            int     `yaml:"jr_strict_min_score"`
	JrStrictMinVolToLiq         float64 `yaml:"jr_strict_min_vol_to_liq"`
	JrNuancedMinScore           int     `yaml:"jr_nuanced_min_score"`
	NuancedMin1hChange          float64 `yaml:"nuanced_min_1h_change"`
	NuancedMinVolToLiq          float64 `yaml:"nuanced_min_vol_to_liq"`
	NuancedMinVelocity          int     `yaml:"nuanced_min_velocity"`
	NuancedMaxTop10             float64 `yaml:"nuanced_max_top10"`
	RequireSmartMoneyForAlert   bool    `yaml:"require_smart_money_for_alert"`
	GeneralCycleMinScore        int     `yaml:"general_cycle_min_score"`
}

type AlertsConfig struct {
	CacheTTLS        int     `yaml:"cache_ttl_s"`
	CacheMax         int     `yaml:"cache_max"`
	MinIntervalS     float64 `yaml:"min_interval_s"`
	TelegramBotToken string  `yaml:"telegram_bot_token"`
	TelegramChatID   string  `yaml:"telegram_chat_id"`
	TelegramAPIURL   string  `yaml:"telegram_api_url"`
	RelayURL         string  `yaml:"relay_url"`
	RelayToken       string  `yaml:"relay_token"`
	RelayChannel     string  `yaml:"relay_channel"`
	BusKey           string  `yaml:"bus_key"`
	BusCap           int64   `yaml:"bus_cap"`
	AMQPURL          string  `yaml:"amqp_url"`
	AMQPQueue        string  `yaml:"amqp_queue"`
	SendMaxRetries   int     `yaml:"send_max_retries"`
}

type StorageConfig struct {
	Dir                    string `yaml:"dir"`
	RetentionHours         int    `yaml:"retention_hours"`
	SnapshotRetentionHours int    `yaml:"snapshot_retention_hours"`
}

// SignalsDB, TradingDB and AdminDB are the three single-writer database files.
func (s StorageConfig) SignalsDB() string { return s.Dir + "/signals.db" }
func (s StorageConfig) TradingDB() string { return s.Dir + "/trading.db" }
func (s StorageConfig) AdminDB() string   { return s.Dir + "/admin.db" }
func (s StorageConfig) TreasuryFile() string {
	return s.Dir + "/treasury.json"
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TrackerConfig struct {
	IntervalS   float64 `yaml:"interval_s"`
	WindowHours float64 `yaml:"window_hours"`
	RugLiqMin   float64 `yaml:"rug_liq_min"`
	RugPeakFrac float64 `yaml:"rug_peak_fraction"`
	Adaptive    bool    `yaml:"adaptive"`
}

type ConsensusConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Required     bool     `yaml:"required"`
	WindowS      int      `yaml:"window_s"`
	RelayURL     string   `yaml:"relay_url"`
	Groups       []string `yaml:"groups"`
	Exclude      []string `yaml:"exclude"`
	MinLiquidity float64  `yaml:"min_liquidity_usd"`
	MinVolume24h float64  `yaml:"min_volume_24h_usd"`
}

type TradingConfig struct {
	Mode                   string  `yaml:"mode"` // paper|live
	StartingCapitalUSD     float64 `yaml:"starting_capital_usd"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxCapitalDeployedPct  float64 `yaml:"max_capital_deployed_pct"`
	RecoverySizeFactor     float64 `yaml:"recovery_size_factor"`
	MaxDailyLossUSD        float64 `yaml:"max_daily_loss_usd"`
	MaxWeeklyLossUSD       float64 `yaml:"max_weekly_loss_usd"`
	MaxConsecutiveLosses   int     `yaml:"max_consecutive_losses"`
	ExitPollS              float64 `yaml:"exit_poll_s"`
	RebalanceMinAdvantage  float64 `yaml:"rebalance_min_advantage"`
	RebalanceEnabled       bool    `yaml:"rebalance_enabled"`
	JupiterURL             string  `yaml:"jupiter_url"`
	RPCURL                 string  `yaml:"rpc_url"`
	WalletPrivateKey       string  `yaml:"wallet_private_key"`
	SlippageBps            int     `yaml:"slippage_bps"`
}

type MLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ModelPath string `yaml:"model_path"`
}

type MetricsConfig struct {
	Port    int  `yaml:"port"`
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML configuration file on top of the defaults, then applies
// a flat .env file and process environment overrides. An empty path skips
// the YAML step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv() error {
	file := os.Getenv("CALLSBOT_ENV_FILE")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			InstanceID:  "callsbot-1",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
			Workers:     4,
			QueueSize:   512,
		},
		Feed: FeedConfig{
			Mode:            "stream",
			Chains:          []string{"solana"},
			TxTypes:         []string{"swap"},
			MinUSDValue:     250,
			PollIntervalS:   2,
			PingIntervalS:   20,
			IdleResubS:      15,
			MaxBackoffS:     30,
			SmartCycleLimit: 50,
		},
		Providers: ProvidersConfig{
			PriceURL:      "https://api.dexscreener.com",
			StatsCacheTTL: 900,
			DailyBudget:   10000,
		},
		HTTP: HTTPConfig{
			MaxRetries:       3,
			BackoffFactor:    0.5,
			TimeoutS:         8,
			BreakerFailures:  5,
			BreakerWindowS:   60,
			BreakerCooldownS: 30,
			MaxConcurrency:   2,
			StartDelayS:      0.2,
		},
		Gates: GatesConfig{
			PrelimDetailedMin:           5,
			MinLiquidityUSD:             30000,
			MaxLiquidityUSD:             75000,
			SweetSpotLiqMin:             30000,
			SweetSpotLiqMax:             50000,
			MinMarketCapUSD:             50000,
			MaxMarketCapForDefaultAlert: 200000,
			Draw24hMajor:                -60,
			Max24hChangeForAlert:        200,
			Max1hChangeForAlert:         100,
			AllowUnknownSecurity:        true,
			MaxTop10Concentration:       30,
			MaxBundlersPercent:          25,
			MaxInsidersPercent:          35,
			JrStrictMinScore:            7,
			JrStrictMinVolToLiq:         0.3,
			JrNuancedMinScore:           5,
			NuancedMin1hChange:          0,
			NuancedMinVolToLiq:          1.0,
			NuancedMinVelocity:          3,
			NuancedMaxTop10:             40,
			GeneralCycleMinScore:        7,
		},
		Alerts: AlertsConfig{
			CacheTTLS:      3600,
			CacheMax:       10000,
			MinIntervalS:   2,
			TelegramAPIURL: "https://api.telegram.org",
			BusKey:         "alerts:stream",
			BusCap:         1000,
			AMQPQueue:      "callsbot.alerts",
			SendMaxRetries: 3,
		},
		Storage: StorageConfig{
			Dir:                    "var",
			RetentionHours:         72,
			SnapshotRetentionHours: 168,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Tracker: TrackerConfig{
			IntervalS:   30,
			WindowHours: 24,
			RugLiqMin:   1000,
			RugPeakFrac: 0.2,
			Adaptive:    true,
		},
		Consensus: ConsensusConfig{
			WindowS:      3600,
			MinLiquidity: 5000,
			MinVolume24h: 10000,
		},
		Trading: TradingConfig{
			Mode:                   "paper",
			StartingCapitalUSD:     1000,
			MaxConcurrentPositions: 5,
			MaxCapitalDeployedPct:  50,
			RecoverySizeFactor:     0.5,
			MaxDailyLossUSD:        200,
			MaxWeeklyLossUSD:       500,
			MaxConsecutiveLosses:   3,
			ExitPollS:              15,
			RebalanceMinAdvantage:  15,
			JupiterURL:             "https://quote-api.jup.ag/v6",
			RPCURL:                 "https://api.mainnet-beta.solana.com",
			SlippageBps:            300,
		},
		Metrics: MetricsConfig{
			Port:    9090,
			Enabled: true,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "callsbot-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.General.Workers <= 0 {
		cfg.General.Workers = 4
	}
	if cfg.General.QueueSize <= 0 {
		cfg.General.QueueSize = 512
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "var"
	}
	if cfg.Alerts.BusKey == "" {
		cfg.Alerts.BusKey = "alerts:stream"
	}
	if cfg.Alerts.BusCap <= 0 {
		cfg.Alerts.BusCap = 1000
	}
	if len(cfg.Feed.Chains) == 0 {
		cfg.Feed.Chains = []string{"solana"}
	}
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = "paper"
	}
}

// Validate rejects inconsistent bands and non-positive intervals.
func (c *Config) Validate() error {
	g := c.Gates
	if g.MinLiquidityUSD > g.MaxLiquidityUSD {
		return fmt.Errorf("config: MIN_LIQUIDITY_USD %.0f > MAX_LIQUIDITY_USD %.0f", g.MinLiquidityUSD, g.MaxLiquidityUSD)
	}
	if g.MinMarketCapUSD > g.MaxMarketCapForDefaultAlert {
		return fmt.Errorf("config: MIN_MARKET_CAP_USD %.0f > MAX_MARKET_CAP_FOR_DEFAULT_ALERT %.0f",
			g.MinMarketCapUSD, g.MaxMarketCapForDefaultAlert)
	}
	if c.Tracker.IntervalS <= 0 {
		return fmt.Errorf("config: TRACK_INTERVAL_S must be positive")
	}
	if c.Trading.ExitPollS <= 0 {
		return fmt.Errorf("config: EXIT_POLL_S must be positive")
	}
	if c.HTTP.MaxConcurrency <= 0 {
		return fmt.Errorf("config: DS_MAX_CONCURRENCY must be positive")
	}
	switch c.Trading.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("config: unknown TRADING_MODE %q", c.Trading.Mode)
	}
	return nil
}
