package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/config"
)

const usage = `usage: callsbot [-config path] <command>

commands:
  run        start the signal pipeline
  track      start the performance tracker
  trade      start the trading engine
  consensus  start the signal consensus sidecar
  migrate    apply migrations and print applied/pending versions (-status to only print)
`

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "", "Path to YAML configuration file (optional; .env and environment always apply)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General, "callsbot-"+command)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().
		Str("command", command).
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("dry_run", cfg.General.DryRun).
		Str("storage", cfg.Storage.Dir).
		Msg("Configuration loaded")

	// 4. Context with shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 5. Dispatch.
	switch command {
	case "run":
		err = runPipeline(ctx, cfg)
	case "track":
		err = runTracker(ctx, cfg)
	case "trade":
		err = runTrading(ctx, cfg)
	case "consensus":
		err = runConsensus(ctx, cfg)
	case "migrate":
		err = runMigrate(ctx, cfg, flag.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("command", command).Msg("callsbot: exiting on error")
		os.Exit(1)
	}
	log.Info().Str("command", command).Msg("callsbot: shutdown complete")
}

func setupLogging(general config.GeneralConfig, service string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	}
}
