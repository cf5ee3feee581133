package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/api"
	"exploit-executor/internal/config"
	"exploit-executor/internal/executor"
	"exploit-executor/internal/monitor"
	"exploit-executor/internal/sandbox"
	"exploit-executor/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer(cfg.Tracing.Enabled)

	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	backend, err := sandbox.NewBackend(ctx, cfg.Sandbox)
	if err != nil {
		log.Fatal().Err(err).Msg("no container backend available")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
	}()

	// Containers left behind by a previous process hold stale persist mounts.
	if cfg.Executor.CleanupOrphans {
		n, err := backend.CleanupOrphaned(ctx, cfg.Executor.ContainerPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("orphan cleanup failed")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("removed orphaned exploit containers")
		}
	}

	output := storage.NewOutputQueue(db, 10000)
	output.Start()

	broker := api.NewBroker(256)
	sink := executor.MultiSink{output, broker}

	engine := executor.NewEngine(
		storage.NewResultWriter(db, cfg.Executor.SaveRetries),
		storage.NewExploits(db),
		sandbox.NewLeases(backend),
		sink,
		executor.OptionsFromConfig(cfg),
		metrics,
		tracer,
	)
	jobs := executor.NewJobs(engine.NewJob, metrics)
	commands := storage.NewCommandQueue(db, cfg.Executor.PollInterval, cfg.Executor.MaxPollBackoff)

	pollCtx, stopPolling := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := jobs.Poll(pollCtx, commands); err != nil {
			log.Error().Err(err).Msg("command polling stopped")
		}
	}()

	handlers := api.NewHandlers(commands, db, jobs.Registry(), broker, cfg.Server.StreamPoll)
	server := api.NewServer(cfg, handlers, db, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Stop taking commands before running jobs are cancelled.
		stopPolling()
		<-pollDone

		if err := jobs.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Int("in_flight", jobs.Registry().Len()).Msg("jobs did not stop in time")
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", cfg.Sandbox.Backend).
		Msg("executor starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	output.Flush(10 * time.Second)
	log.Info().Msg("executor stopped")
}
