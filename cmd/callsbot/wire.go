package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/spbarathg/callsbotonchain-sub001/internal/alert"
	"github.com/spbarathg/callsbotonchain-sub001/internal/audit"
	"github.com/spbarathg/callsbotonchain-sub001/internal/bus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/cache"
	"github.com/spbarathg/callsbotonchain-sub001/internal/config"
	"github.com/spbarathg/callsbotonchain-sub001/internal/consensus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/execution"
	"github.com/spbarathg/callsbotonchain-sub001/internal/feed"
	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
	"github.com/spbarathg/callsbotonchain-sub001/internal/ml"
	"github.com/spbarathg/callsbotonchain-sub001/internal/notify"
	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
	"github.com/spbarathg/callsbotonchain-sub001/internal/opsapi"
	"github.com/spbarathg/callsbotonchain-sub001/internal/price"
	"github.com/spbarathg/callsbotonchain-sub001/internal/risk"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
	"github.com/spbarathg/callsbotonchain-sub001/internal/tracker"
	"github.com/spbarathg/callsbotonchain-sub001/internal/trading"
)

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// ---------------------------------------------------------------------------
// Shared infrastructure
// ---------------------------------------------------------------------------

func newHTTPClient(c config.HTTPConfig) *httpclient.Client {
	return httpclient.New(httpclient.Config{
		MaxRetries:      c.MaxRetries,
		BackoffFactor:   c.BackoffFactor,
		Timeout:         seconds(c.TimeoutS),
		BreakerFailures: c.BreakerFailures,
		BreakerWindow:   seconds(c.BreakerWindowS),
		BreakerCooldown: seconds(c.BreakerCooldownS),
		MaxConcurrency:  c.MaxConcurrency,
		StartDelay:      seconds(c.StartDelayS),
		UserAgent:       httpclient.DefaultConfig().UserAgent,
	})
}

// newRedis connects to Redis. An empty address returns nil; an unreachable
// server is returned anyway so callers degrade to their local fallbacks.
func newRedis(ctx context.Context, c config.RedisConfig) redis.UniversalClient {
	if c.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", c.Addr).Msg("Redis unreachable at startup (continuing, shared state degraded)")
	} else {
		log.Info().Str("addr", c.Addr).Msg("Redis: connected")
	}
	return client
}

// openAdmin opens the admin database and the audit trail persisted in it.
func openAdmin(ctx context.Context, cfg *config.Config) (*sql.DB, *audit.Trail, error) {
	db, err := store.OpenMigrated(ctx, cfg.Storage.AdminDB(), store.SetAdmin)
	if err != nil {
		return nil, nil, fmt.Errorf("open admin db: %w", err)
	}
	return db, audit.NewTrail(db, 1000), nil
}

func newPriceClient(cfg *config.Config, hc *httpclient.Client) *price.Client {
	pc := price.DefaultConfig()
	if cfg.Providers.PriceURL != "" {
		pc.BaseURL = cfg.Providers.PriceURL
	}
	return price.NewClient(pc, hc)
}

func newOpsServer(cfg *config.Config, portOffset int, health *observability.Health, metrics *observability.Registry, kill opsapi.KillSwitch) *opsapi.Server {
	oc := opsapi.DefaultConfig()
	oc.Addr = fmt.Sprintf(":%d", cfg.Metrics.Port+portOffset)
	oc.InstanceID = cfg.General.InstanceID
	return opsapi.New(oc, health, observability.NewExporter(metrics, "callsbot"), kill)
}

// ---------------------------------------------------------------------------
// Pipeline components
// ---------------------------------------------------------------------------

func gateConfig(g config.GatesConfig) scanner.GateConfig {
	return scanner.GateConfig{
		MinLiquidityUSD:       g.MinLiquidityUSD,
		MaxLiquidityUSD:       g.MaxLiquidityUSD,
		SweetSpotLiqMin:       g.SweetSpotLiqMin,
		SweetSpotLiqMax:       g.SweetSpotLiqMax,
		MinMarketCapUSD:       g.MinMarketCapUSD,
		MaxMarketCapUSD:       g.MaxMarketCapForDefaultAlert,
		Draw24hMajor:          g.Draw24hMajor,
		Max24hChange:          g.Max24hChangeForAlert,
		Max1hChange:           g.Max1hChangeForAlert,
		RequireLPLocked:       g.RequireLPLocked,
		RequireMintRevoked:    g.RequireMintRevoked,
		AllowUnknownSecurity:  g.AllowUnknownSecurity,
		MaxTop10Concentration: g.MaxTop10Concentration,
		MaxBundlersPercent:    g.MaxBundlersPercent,
		MaxInsidersPercent:    g.MaxInsidersPercent,
		MinTokenAgeMinutes:    g.MinTokenAgeMinutes,
		JrStrictMinScore:      g.JrStrictMinScore,
		JrStrictMinVolToLiq:   g.JrStrictMinVolToLiq,
		JrNuancedMinScore:     g.JrNuancedMinScore,
		NuancedMin1hChange:    g.NuancedMin1hChange,
		NuancedMinVolToLiq:    g.NuancedMinVolToLiq,
		NuancedMinVelocity:    g.NuancedMinVelocity,
		NuancedMaxTop10:       g.NuancedMaxTop10,
		RequireSmartMoney:     g.RequireSmartMoneyForAlert,
		GeneralCycleMinScore:  g.GeneralCycleMinScore,
	}
}

// newFeedReader returns the configured reader and its stats function.
func newFeedReader(c config.FeedConfig) (feed.Reader, func() any, error) {
	switch c.Mode {
	case "stream":
		sc := feed.DefaultStreamConfig()
		sc.URL = c.StreamURL
		sc.APIKey = c.APIKey
		sc.Chains = c.Chains
		sc.TxTypes = c.TxTypes
		sc.MinUSDValue = c.MinUSDValue
		if c.PingIntervalS > 0 {
			sc.PingInterval = seconds(c.PingIntervalS)
		}
		if c.IdleResubS > 0 {
			sc.IdleTimeout = seconds(c.IdleResubS)
		}
		if c.MaxBackoffS > 0 {
			sc.MaxBackoff = seconds(c.MaxBackoffS)
		}
		r := feed.NewStreamReader(sc)
		return r, func() any { return r.Stats() }, nil
	case "poll":
		chain := "solana"
		if len(c.Chains) > 0 {
			chain = c.Chains[0]
		}
		b := feed.NewHTTPBatcher(feed.PollConfig{
			URL:         c.PollURL,
			APIKey:      c.APIKey,
			Chain:       chain,
			Limit:       c.SmartCycleLimit,
			MinUSDValue: c.MinUSDValue,
		})
		r := feed.NewCycleReader(b, seconds(c.PollIntervalS))
		return r, func() any { return r.Stats() }, nil
	}
	return nil, nil, fmt.Errorf("unknown FEED_MODE %q", c.Mode)
}

func newFetcher(cfg *config.Config, hc *httpclient.Client, rdb redis.UniversalClient) (*stats.Fetcher, error) {
	p := cfg.Providers
	if p.PrimaryURL == "" {
		return nil, fmt.Errorf("PRIMARY_STATS_URL is required")
	}
	primary := stats.NewHTTPProvider("primary", p.PrimaryURL, p.APIKey, hc)
	var secondary stats.Provider
	if p.SecondaryURL != "" {
		secondary = stats.NewHTTPProvider("secondary", p.SecondaryURL, p.APIKey, hc)
	}
	var budget stats.Budget = stats.NewMemoryBudget(p.DailyBudget)
	if rdb != nil {
		budget = stats.NewRedisBudget(rdb, "callsbot:budget", p.DailyBudget)
	}
	return stats.NewFetcher(primary, secondary, budget, time.Duration(p.StatsCacheTTL)*time.Second), nil
}

func newScorer(cfg *config.Config, rdb redis.UniversalClient) (*scanner.Scorer, error) {
	var hook *ml.Hook
	if cfg.ML.Enabled {
		model, err := ml.LoadLinearModel(cfg.ML.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("load ML model: %w", err)
		}
		hook = ml.NewHook(model)
		log.Info().Str("path", cfg.ML.ModelPath).Msg("ML hook: enabled")
	}
	var counter scanner.SignalCounter
	if cfg.Consensus.Enabled && rdb != nil {
		counter = consensus.NewRedisStore(rdb, "", time.Duration(cfg.Consensus.WindowS)*time.Second)
	}
	return scanner.NewScorer(hook, counter, cfg.Consensus.Required), nil
}

func newChat(cfg *config.Config, hc *httpclient.Client) *notify.Fanout {
	a := cfg.Alerts
	var channels []notify.Notifier
	if a.TelegramBotToken != "" && a.TelegramChatID != "" {
		channels = append(channels, notify.NewTelegram(notify.TelegramConfig{
			APIURL:   a.TelegramAPIURL,
			BotToken: a.TelegramBotToken,
			ChatID:   a.TelegramChatID,
		}, hc))
	}
	if a.RelayURL != "" {
		channels = append(channels, notify.NewRelay(notify.RelayConfig{
			URL:     a.RelayURL,
			Token:   a.RelayToken,
			Channel: a.RelayChannel,
		}, hc))
	}
	if len(channels) == 0 {
		log.Warn().Msg("No chat channel configured; alerts are persisted and published only")
	}
	return notify.NewFanout(channels...)
}

// newPublisher returns the Redis list and, when configured, the AMQP queue.
func newPublisher(cfg *config.Config, rdb redis.UniversalClient) (bus.Publisher, error) {
	var pubs bus.Multi
	if rdb != nil {
		pubs = append(pubs, bus.NewRedisPublisher(rdb, cfg.Alerts.BusKey, cfg.Alerts.BusCap))
	}
	if cfg.Alerts.AMQPURL != "" {
		p, err := bus.DialAMQP(cfg.Alerts.AMQPURL, cfg.Alerts.AMQPQueue, 5, 2*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		pubs = append(pubs, p)
	}
	if len(pubs) == 0 {
		return nil, nil
	}
	return pubs, nil
}

func newAlertCache(a config.AlertsConfig) *cache.TTLCache {
	return cache.New(cache.Config{TTL: time.Duration(a.CacheTTLS) * time.Second, MaxSize: a.CacheMax})
}

func newEmitter(cfg *config.Config, signals *store.Store, chat *notify.Fanout, pub bus.Publisher, c *cache.TTLCache, trail *audit.Trail) *alert.Emitter {
	var sender alert.Sender
	if chat.Len() > 0 {
		sender = chat
	}
	return alert.NewEmitter(alert.Config{MinInterval: seconds(cfg.Alerts.MinIntervalS)}, signals, sender, pub, c, trail)
}

// ---------------------------------------------------------------------------
// Tracker and trading components
// ---------------------------------------------------------------------------

func trackerConfig(c config.TrackerConfig) tracker.Config {
	tc := tracker.DefaultConfig()
	tc.Interval = seconds(c.IntervalS)
	tc.Window = time.Duration(c.WindowHours * float64(time.Hour))
	tc.RugLiqMin = c.RugLiqMin
	tc.RugPeakFrac = c.RugPeakFrac
	tc.Adaptive = c.Adaptive
	return tc
}

func newBreaker(t config.TradingConfig) *risk.Breaker {
	return risk.NewBreaker(risk.Config{
		MaxDailyLossUSD:      decimal.NewFromFloat(t.MaxDailyLossUSD),
		MaxWeeklyLossUSD:     decimal.NewFromFloat(t.MaxWeeklyLossUSD),
		MaxConsecutiveLosses: t.MaxConsecutiveLosses,
	})
}

func newCapital(t config.TradingConfig, gate trading.EntryGate) *trading.CapitalManager {
	cc := trading.DefaultCapitalConfig()
	cc.StartingCapitalUSD = decimal.NewFromFloat(t.StartingCapitalUSD)
	cc.MaxConcurrentPositions = t.MaxConcurrentPositions
	cc.MaxCapitalDeployedPct = t.MaxCapitalDeployedPct
	cc.RecoverySizeFactor = t.RecoverySizeFactor
	return trading.NewCapitalManager(cc, gate)
}

func tradingConfig(t config.TradingConfig) trading.Config {
	tc := trading.DefaultConfig()
	tc.Mode = t.Mode
	tc.RebalanceEnabled = t.RebalanceEnabled
	tc.Ranker.MinAdvantage = t.RebalanceMinAdvantage
	tc.ExitTick = seconds(t.ExitPollS)
	tc.TreasuryEvery = 0 // flushed by the maintenance scheduler
	return tc
}

// newBroker picks the paper simulator or the Jupiter/RPC live broker.
func newBroker(cfg *config.Config, hc *httpclient.Client) (execution.Broker, error) {
	t := cfg.Trading
	if t.Mode != "live" || cfg.General.DryRun {
		log.Info().Msg("Broker: PAPER")
		return execution.NewPaperBroker(execution.DefaultPaperConfig()), nil
	}
	lc := execution.DefaultLiveConfig()
	if t.JupiterURL != "" {
		lc.JupiterURL = t.JupiterURL
	}
	if t.RPCURL != "" {
		lc.RPCURL = t.RPCURL
	}
	if t.SlippageBps > 0 {
		lc.SlippageBps = t.SlippageBps
	}
	lc.WalletPrivateKey = t.WalletPrivateKey
	b, err := execution.NewLiveBroker(lc, hc, execution.NewRPCChain(lc.RPCURL))
	if err != nil {
		return nil, fmt.Errorf("live broker: %w", err)
	}
	log.Warn().Str("rpc", lc.RPCURL).Msg("Broker: LIVE - real swaps enabled")
	return b, nil
}
