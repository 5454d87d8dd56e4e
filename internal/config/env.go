package config

import (
	"fmt"
	"strconv"
	"strings"
)

// binding maps one flat environment key onto a typed config field.
type binding struct {
	key string
	dst any
}

func (c *Config) bindings() []binding {
	return []binding{
		{"LOG_LEVEL", &c.General.LogLevel},
		{"LOG_FORMAT", &c.General.LogFormat},
		{"DRY_RUN", &c.General.DryRun},
		{"PIPELINE_WORKERS", &c.General.Workers},
		{"PIPELINE_QUEUE_SIZE", &c.General.QueueSize},

		{"FEED_MODE", &c.Feed.Mode},
		{"FEED_STREAM_URL", &c.Feed.StreamURL},
		{"FEED_POLL_URL", &c.Feed.PollURL},
		{"FEED_API_KEY", &c.Feed.APIKey},
		{"FEED_CHAINS", &c.Feed.Chains},
		{"FEED_TX_TYPES", &c.Feed.TxTypes},
		{"FEED_MIN_USD_VALUE", &c.Feed.MinUSDValue},
		{"FEED_POLL_INTERVAL_S", &c.Feed.PollIntervalS},
		{"FEED_PING_INTERVAL_S", &c.Feed.PingIntervalS},
		{"FEED_IDLE_RESUBSCRIBE_S", &c.Feed.IdleResubS},
		{"FEED_MAX_BACKOFF_S", &c.Feed.MaxBackoffS},
		{"SMART_CYCLE_LIMIT", &c.Feed.SmartCycleLimit},
		{"TOKEN_BLACKLIST", &c.Feed.Blacklist},

		{"PRIMARY_STATS_URL", &c.Providers.PrimaryURL},
		{"SECONDARY_STATS_URL", &c.Providers.SecondaryURL},
		{"PRICE_API_URL", &c.Providers.PriceURL},
		{"STATS_API_KEY", &c.Providers.APIKey},
		{"STATS_CACHE_TTL_S", &c.Providers.StatsCacheTTL},
		{"DAILY_CALL_BUDGET", &c.Providers.DailyBudget},

		{"HTTP_MAX_RETRIES", &c.HTTP.MaxRetries},
		{"HTTP_BACKOFF_FACTOR", &c.HTTP.BackoffFactor},
		{"HTTP_TIMEOUT_S", &c.HTTP.TimeoutS},
		{"BREAKER_FAILURES", &c.HTTP.BreakerFailures},
		{"BREAKER_WINDOW_S", &c.HTTP.BreakerWindowS},
		{"BREAKER_COOLDOWN_S", &c.HTTP.BreakerCooldownS},
		{"DS_MAX_CONCURRENCY", &c.HTTP.MaxConcurrency},
		{"DS_DELAY_S", &c.HTTP.StartDelayS},

		{"PRELIM_DETAILED_MIN", &c.Gates.PrelimDetailedMin},
		{"MIN_LIQUIDITY_USD", &c.Gates.MinLiquidityUSD},
		{"MAX_LIQUIDITY_USD", &c.Gates.MaxLiquidityUSD},
		{"SWEET_SPOT_LIQ_MIN", &c.Gates.SweetSpotLiqMin},
		{"SWEET_SPOT_LIQ_MAX", &c.Gates.SweetSpotLiqMax},
		{"MIN_MARKET_CAP_USD", &c.Gates.MinMarketCapUSD},
		{"MAX_MARKET_CAP_FOR_DEFAULT_ALERT", &c.Gates.MaxMarketCapForDefaultAlert},
		{"DRAW_24H_MAJOR", &c.Gates.Draw24hMajor},
		{"MAX_24H_CHANGE_FOR_ALERT", &c.Gates.Max24hChangeForAlert},
		{"MAX_1H_CHANGE_FOR_ALERT", &c.Gates.Max1hChangeForAlert},
		{"REQUIRE_LP_LOCKED", &c.Gates.RequireLPLocked},
		{"REQUIRE_MINT_REVOKED", &c.Gates.RequireMintRevoked},
		{"ALLOW_UNKNOWN_SECURITY", &c.Gates.AllowUnknownSecurity},
		{"MAX_TOP10_CONCENTRATION", &c.Gates.MaxTop10Concentration},
		{"MAX_BUNDLERS_PERCENT", &c.Gates.MaxBundlersPercent},
		{"MAX_INSIDERS_PERCENT", &c.Gates.MaxInsidersPercent},
		{"MIN_TOKEN_AGE_MINUTES", &c.Gates.MinTokenAgeMinutes},
		{"JR_STRICT_MIN_SCORE", &c.Gates.JrStrictMinScore},
		{"JR_STRICT_MIN_VOL_TO_LIQ", &c.Gates.JrStrictMinVolToLiq},
		{"JR_NUANCED_MIN_SCORE", &c.Gates.JrNuancedMinScore},
		{"NUANCED_MIN_1H_CHANGE", &c.Gates.NuancedMin1hChange},
		{"NUANCED_MIN_VOL_TO_LIQ", &c.Gates.NuancedMinVolToLiq},
		{"NUANCED_MIN_VELOCITY", &c.Gates.NuancedMinVelocity},
		{"NUANCED_MAX_TOP10", &c.Gates.NuancedMaxTop10},
		{"REQUIRE_SMART_MONEY_FOR_ALERT", &c.Gates.RequireSmartMoneyForAlert},
		{"GENERAL_CYCLE_MIN_SCORE", &c.Gates.GeneralCycleMinScore},

		{"ALERT_CACHE_TTL_S", &c.Alerts.CacheTTLS},
		{"ALERT_CACHE_MAX", &c.Alerts.CacheMax},
		{"MIN_ALERT_INTERVAL_S", &c.Alerts.MinIntervalS},
		{"TELEGRAM_BOT_TOKEN", &c.Alerts.TelegramBotToken},
		{"TELEGRAM_CHAT_ID", &c.Alerts.TelegramChatID},
		{"TELEGRAM_API_URL", &c.Alerts.TelegramAPIURL},
		{"RELAY_URL", &c.Alerts.RelayURL},
		{"RELAY_TOKEN", &c.Alerts.RelayToken},
		{"RELAY_CHANNEL", &c.Alerts.RelayChannel},
		{"ALERT_BUS_KEY", &c.Alerts.BusKey},
		{"ALERT_BUS_CAP", &c.Alerts.BusCap},
		{"AMQP_URL", &c.Alerts.AMQPURL},
		{"AMQP_QUEUE", &c.Alerts.AMQPQueue},
		{"SEND_MAX_RETRIES", &c.Alerts.SendMaxRetries},

		{"VAR_DIR", &c.Storage.Dir},
		{"DB_RETENTION_HOURS", &c.Storage.RetentionHours},
		{"SNAPSHOT_RETENTION_HOURS", &c.Storage.SnapshotRetentionHours},

		{"REDIS_ADDR", &c.Redis.Addr},
		{"REDIS_PASSWORD", &c.Redis.Password},
		{"REDIS_DB", &c.Redis.DB},

		{"TRACK_INTERVAL_S", &c.Tracker.IntervalS},
		{"TRACK_WINDOW_H", &c.Tracker.WindowHours},
		{"RUG_LIQ_MIN", &c.Tracker.RugLiqMin},
		{"RUG_PEAK_FRACTION", &c.Tracker.RugPeakFrac},
		{"TRACK_ADAPTIVE", &c.Tracker.Adaptive},

		{"CONSENSUS_ENABLED", &c.Consensus.Enabled},
		{"CONSENSUS_REQUIRED", &c.Consensus.Required},
		{"CONSENSUS_WINDOW_S", &c.Consensus.WindowS},
		{"CONSENSUS_RELAY_URL", &c.Consensus.RelayURL},
		{"CONSENSUS_GROUPS", &c.Consensus.Groups},
		{"CONSENSUS_EXCLUDE", &c.Consensus.Exclude},
		{"CONSENSUS_MIN_LIQUIDITY_USD", &c.Consensus.MinLiquidity},
		{"CONSENSUS_MIN_VOLUME_24H_USD", &c.Consensus.MinVolume24h},

		{"TRADING_MODE", &c.Trading.Mode},
		{"STARTING_CAPITAL_USD", &c.Trading.StartingCapitalUSD},
		{"MAX_CONCURRENT_POSITIONS", &c.Trading.MaxConcurrentPositions},
		{"MAX_CAPITAL_DEPLOYED_PCT", &c.Trading.MaxCapitalDeployedPct},
		{"RECOVERY_SIZE_FACTOR", &c.Trading.RecoverySizeFactor},
		{"MAX_DAILY_LOSS_USD", &c.Trading.MaxDailyLossUSD},
		{"MAX_WEEKLY_LOSS_USD", &c.Trading.MaxWeeklyLossUSD},
		{"MAX_CONSECUTIVE_LOSSES", &c.Trading.MaxConsecutiveLosses},
		{"EXIT_POLL_S", &c.Trading.ExitPollS},
		{"REBALANCE_MIN_ADVANTAGE", &c.Trading.RebalanceMinAdvantage},
		{"REBALANCE_ENABLED", &c.Trading.RebalanceEnabled},
		{"JUPITER_API_URL", &c.Trading.JupiterURL},
		{"SOLANA_RPC_URL", &c.Trading.RPCURL},
		{"WALLET_PRIVATE_KEY", &c.Trading.WalletPrivateKey},
		{"SLIPPAGE_BPS", &c.Trading.SlippageBps},

		{"ML_ENABLED", &c.ML.Enabled},
		{"ML_MODEL_PATH", &c.ML.ModelPath},

		{"METRICS_PORT", &c.Metrics.Port},
		{"METRICS_ENABLED", &c.Metrics.Enabled},
	}
}

// applyEnv overlays every bound key found by lookup. Lists are comma separated.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range cfg.bindings() {
		raw, ok := lookup(b.key)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if err := setValue(b.dst, raw); err != nil {
			return fmt.Errorf("config: %s=%q: %w", b.key, raw, err)
		}
	}
	return nil
}

func setValue(dst any, raw string) error {
	switch p := dst.(type) {
	case *string:
		*p = raw
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = v
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = v
	case *int64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*p = v
	case *float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*p = v
	case *[]string:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
	default:
		return fmt.Errorf("unsupported field type %T", dst)
	}
	return nil
}

// Keys returns every recognised environment key, in declaration order.
func Keys() []string {
	bs := Default().bindings()
	keys := make([]string, len(bs))
	for i, b := range bs {
		keys[i] = b.key
	}
	return keys
}
