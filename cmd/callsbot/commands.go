package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/audit"
	"github.com/spbarathg/callsbotonchain-sub001/internal/bus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/config"
	"github.com/spbarathg/callsbotonchain-sub001/internal/consensus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/maintenance"
	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
	"github.com/spbarathg/callsbotonchain-sub001/internal/opsapi"
	"github.com/spbarathg/callsbotonchain-sub001/internal/pipeline"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
	"github.com/spbarathg/callsbotonchain-sub001/internal/tracker"
	"github.com/spbarathg/callsbotonchain-sub001/internal/trading"
)

// Ops server ports: pipeline on the metrics port, tracker +1, trading +2.
const (
	portPipeline = 0
	portTracker  = 1
	portTrading  = 2
)

// runAll runs every fn until ctx ends and returns the first error. The ops
// server only starts when metrics are enabled.
func runAll(ctx context.Context, cfg *config.Config, ops *opsapi.Server, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Enabled && ops != nil {
		fns = append(fns, ops.Run)
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, fn := range fns {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}(fn)
	}
	wg.Wait()
	return firstErr
}

// statsLoop logs a one-line summary every interval.
func statsLoop(interval time.Duration, emit func()) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				emit()
			}
		}
	}
}

func redisProbe(rdb redis.UniversalClient) observability.Probe {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return observability.DegradedError{Reason: "redis: " + err.Error()}
		}
		return nil
	}
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runPipeline(ctx context.Context, cfg *config.Config) error {
	signals, err := store.OpenSignals(ctx, cfg.Storage.SignalsDB())
	if err != nil {
		return fmt.Errorf("open signals db: %w", err)
	}
	defer signals.Close()

	adminDB, trail, err := openAdmin(ctx, cfg)
	if err != nil {
		return err
	}
	defer adminDB.Close()

	hc := newHTTPClient(cfg.HTTP)
	rdb := newRedis(ctx, cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}

	reader, readerStats, err := newFeedReader(cfg.Feed)
	if err != nil {
		return err
	}
	fetcher, err := newFetcher(cfg, hc, rdb)
	if err != nil {
		return err
	}
	scorer, err := newScorer(cfg, rdb)
	if err != nil {
		return err
	}
	publisher, err := newPublisher(cfg, rdb)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}

	chat := newChat(cfg, hc)
	alertCache := newAlertCache(cfg.Alerts)
	emitter := newEmitter(cfg, signals, chat, publisher, alertCache, trail)
	extractor := scanner.NewExtractor(cfg.Feed.Blacklist)
	metrics := observability.NewPipelineRegistry()

	p := pipeline.New(pipeline.Config{
		Workers:           cfg.General.Workers,
		QueueSize:         cfg.General.QueueSize,
		PrelimDetailedMin: cfg.Gates.PrelimDetailedMin,
	}, pipeline.Deps{
		Reader:    reader,
		Extractor: extractor,
		Activity:  signals,
		Stats:     fetcher,
		Scorer:    scorer,
		Gates:     scanner.NewGates(gateConfig(cfg.Gates)),
		Emitter:   emitter,
		Metrics:   metrics,
	})

	health := observability.NewHealth(2 * time.Second)
	health.Register("signals_db", signals.Ping)
	if rdb != nil {
		health.Register("redis", redisProbe(rdb))
	}

	sched := maintenance.NewScheduler()
	if err := sched.Standard(maintenance.Plan{
		Signals: signals,
		Retention: store.Retention{
			Activity:  time.Duration(cfg.Storage.RetentionHours) * time.Hour,
			Snapshots: time.Duration(cfg.Storage.SnapshotRetentionHours) * time.Hour,
		},
		AlertCache: alertCache,
	}); err != nil {
		return err
	}
	if err := sched.Add("stats_cache", "@every 5m", 0, func(context.Context) error {
		fetcher.CleanupCache()
		return nil
	}); err != nil {
		return err
	}

	ops := newOpsServer(cfg, portPipeline, health, metrics, nil)
	ops.AddStats("pipeline", func() any { return p.Stats() })
	ops.AddStats("feed", readerStats)
	ops.AddStats("extractor", func() any { return extractor.Stats() })
	ops.AddStats("fetcher", func() any { return fetcher.Stats(context.Background()) })
	ops.AddStats("http", func() any { return hc.Stats() })
	ops.AddStats("emitter", func() any { return emitter.Stats() })
	ops.AddStats("chat", func() any { return chat.Stats() })
	ops.AddStats("alert_cache", func() any { return alertCache.Stats() })
	ops.AddStats("maintenance", func() any { return sched.Stats() })

	sched.Start(ctx)
	log.Info().Msg("Pipeline: FEED -> EXTRACT -> PRELIM -> ACTIVITY -> DEDUP -> DETAIL -> SCORE -> GATES -> EMIT")

	err = runAll(ctx, cfg, ops, p.Run, statsLoop(30*time.Second, func() {
		st := p.Stats()
		es := emitter.Stats()
		log.Info().
			Int64("received", st.Received).
			Int64("processed", st.Processed).
			Int64("emitted", st.Emitted).
			Int("queued", st.Queued).
			Int64("duplicates", es.Duplicates).
			Int64("transport_errors", es.TransportErrors).
			Msg("[STATS]")
	}))

	st := p.Stats()
	log.Info().
		Int64("received", st.Received).
		Int64("processed", st.Processed).
		Int64("emitted", st.Emitted).
		Msg("Pipeline - Final Statistics")
	return err
}

// ---------------------------------------------------------------------------
// track
// ---------------------------------------------------------------------------

func runTracker(ctx context.Context, cfg *config.Config) error {
	signals, err := store.OpenSignals(ctx, cfg.Storage.SignalsDB())
	if err != nil {
		return fmt.Errorf("open signals db: %w", err)
	}
	defer signals.Close()

	hc := newHTTPClient(cfg.HTTP)
	prices := newPriceClient(cfg, hc)
	metrics := observability.NewPipelineRegistry()
	t := tracker.New(trackerConfig(cfg.Tracker), signals, prices, metrics)

	sched := maintenance.NewScheduler()
	if err := sched.Standard(maintenance.Plan{Prices: prices}); err != nil {
		return err
	}

	health := observability.NewHealth(2 * time.Second)
	health.Register("signals_db", signals.Ping)

	ops := newOpsServer(cfg, portTracker, health, metrics, nil)
	ops.AddStats("tracker", func() any { return t.Stats() })
	ops.AddStats("prices", func() any { return prices.Stats() })
	ops.AddStats("http", func() any { return hc.Stats() })

	sched.Start(ctx)
	log.Info().Dur("interval", trackerConfig(cfg.Tracker).Interval).Msg("Tracker: running")
	return runAll(ctx, cfg, ops, t.Run)
}

// ---------------------------------------------------------------------------
// trade
// ---------------------------------------------------------------------------

func runTrading(ctx context.Context, cfg *config.Config) error {
	rdb := newRedis(ctx, cfg.Redis)
	if rdb == nil {
		return errors.New("trade needs REDIS_ADDR for the alert stream")
	}
	defer rdb.Close()

	st, err := trading.OpenStore(ctx, cfg.Storage.TradingDB())
	if err != nil {
		return fmt.Errorf("open trading db: %w", err)
	}
	defer st.Close()
	adminDB, trail, err := openAdmin(ctx, cfg)
	if err != nil {
		return err
	}
	defer adminDB.Close()

	hc := newHTTPClient(cfg.HTTP)
	broker, err := newBroker(cfg, hc)
	if err != nil {
		return err
	}
	prices := newPriceClient(cfg, hc)
	breaker := newBreaker(cfg.Trading)
	capital := newCapital(cfg.Trading, breaker)
	metrics := observability.NewPipelineRegistry()

	engine := trading.New(tradingConfig(cfg.Trading), trading.Deps{
		Store:    st,
		Broker:   broker,
		Prices:   prices,
		Capital:  capital,
		Breaker:  breaker,
		Treasury: trading.NewTreasury(cfg.Storage.TreasuryFile()),
		Trail:    trail,
		Metrics:  metrics,
	})
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	consumer := bus.NewListConsumer(rdb, bus.ConsumerConfig{Key: cfg.Alerts.BusKey, SkipBacklog: true})

	sched := maintenance.NewScheduler()
	if err := sched.Standard(maintenance.Plan{Prices: prices, Treasury: engine}); err != nil {
		return err
	}

	health := observability.NewHealth(2 * time.Second)
	health.Register("redis", redisProbe(rdb))

	ops := newOpsServer(cfg, portTrading, health, metrics, breaker)
	ops.AddStats("trading", func() any { return engine.Stats() })
	ops.AddStats("consumer", func() any { return consumer.Stats() })
	ops.AddStats("maintenance", func() any { return sched.Stats() })

	sched.Start(ctx)
	log.Info().
		Str("mode", cfg.Trading.Mode).
		Str("broker", broker.Name()).
		Float64("starting_capital", cfg.Trading.StartingCapitalUSD).
		Msg("Trading engine: running")

	return runAll(ctx, cfg, ops, func(ctx context.Context) error { return engine.Run(ctx, consumer) })
}

// ---------------------------------------------------------------------------
// consensus
// ---------------------------------------------------------------------------

func runConsensus(ctx context.Context, cfg *config.Config) error {
	c := cfg.Consensus
	if c.RelayURL == "" {
		return errors.New("consensus needs CONSENSUS_RELAY_URL")
	}
	rdb := newRedis(ctx, cfg.Redis)
	if rdb == nil {
		return errors.New("consensus needs REDIS_ADDR")
	}
	defer rdb.Close()

	hc := newHTTPClient(cfg.HTTP)
	window := time.Duration(c.WindowS) * time.Second
	source := consensus.NewRelaySource(consensus.RelayConfig{URL: c.RelayURL, Groups: c.Groups})
	processor := consensus.NewProcessor(consensus.ProcessorConfig{
		MinLiquidity: c.MinLiquidity,
		MinVolume24h: c.MinVolume24h,
		DedupTTL:     window,
		Groups:       c.Groups,
	}, consensus.NewExtractor(c.Exclude...), newPriceClient(cfg, hc), consensus.NewRedisStore(rdb, "", window))

	log.Info().Strs("groups", c.Groups).Msg("Consensus sidecar: running")
	return runAll(ctx, cfg, nil,
		func(ctx context.Context) error { return consensus.Run(ctx, source.Start(ctx), processor) },
		statsLoop(time.Minute, func() {
			ps := processor.Stats()
			rs := source.Stats()
			log.Info().Interface("processor", ps).Interface("relay", rs).Msg("[STATS]")
		}))
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func runMigrate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	statusOnly := fs.Bool("status", false, "Only print applied and pending versions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var trail *audit.Trail
	if !*statusOnly {
		adminDB, t, err := openAdmin(ctx, cfg)
		if err != nil {
			return err
		}
		defer adminDB.Close()
		trail = t
	}

	sets := []struct{ set, path string }{
		{store.SetSignals, cfg.Storage.SignalsDB()},
		{store.SetTrading, cfg.Storage.TradingDB()},
		{store.SetAdmin, cfg.Storage.AdminDB()},
	}
	applied := color.New(color.FgGreen).SprintFunc()
	pending := color.New(color.FgYellow).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	for _, s := range sets {
		migrations, err := store.Migrations(s.set)
		if err != nil {
			return err
		}
		db, err := store.Open(s.path)
		if err != nil {
			return err
		}
		if !*statusOnly {
			done, err := store.Migrate(ctx, db, migrations)
			if err != nil {
				db.Close()
				return fmt.Errorf("migrate %s: %w", s.set, err)
			}
			for _, m := range done {
				trail.RecordMigration(s.set, m.Version, m.Name)
			}
		}
		status, err := store.Status(ctx, db, migrations)
		db.Close()
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "%s (%s)\n", bold(s.set), s.path)
		for _, a := range status.Applied {
			fmt.Fprintf(os.Stdout, "  %s %04d_%s  %s\n", applied("applied"), a.Version, a.Name, a.AppliedAt.Format(time.RFC3339))
		}
		for _, m := range status.Pending {
			fmt.Fprintf(os.Stdout, "  %s %04d_%s\n", pending("pending"), m.Version, m.Name)
		}
	}
	return nil
}
