package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"opticgov/config"
	"opticgov/core/events"
	"opticgov/native/escrow"
	"opticgov/observability/logging"
	"opticgov/observability/metrics"
	telemetry "opticgov/observability/otel"
	"opticgov/storage"
	"opticgov/storage/sqlstore"
)

// Main initialises and runs the escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := logging.SetupWithFile(cfg.Service, cfg.Environment, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer func() { _ = closeLog() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromService(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	journalDB, err := storage.Open(cfg.Journal.Backend, cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = journalDB.Close() }()
	journal, err := storage.OpenJournal(journalDB)
	if err != nil {
		return err
	}
	journal.SetLogger(logger)

	state, idem, health, closeState, err := openState(cfg.State, journalDB)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() { _ = closeState() }()

	engine, err := escrow.NewEngine(cfg.Oracle(), state, escrow.WithEmitter(events.Multi{
		journal,
		metricsEmitter{m: metrics.Escrow()},
		logEmitter{logger: logger},
	}))
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	server, err := NewServer(Options{
		Engine:      engine,
		Journal:     journal,
		Idempotency: idem,
		Auth: AuthConfig{
			Secret:    cfg.Auth.Secret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: RateLimit{PerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst},
		Health:    health,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("listen", cfg.ListenAddress),
			slog.String("oracle", cfg.Oracle().Hex()),
			slog.String("state_driver", strings.ToLower(cfg.State.Driver)),
			slog.String("journal_backend", cfg.Journal.Backend))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down escrowd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// openState builds the escrow state for the configured driver. The in-memory
// state keeps idempotency records next to the journal.
func openState(cfg config.StateConfig, journalDB storage.Database) (escrow.State, IdempotencyStore, Pinger, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return escrow.NewMemState(), storage.NewKVIdempotency(journalDB), nil, func() error { return nil }, nil
	default:
		store, err := sqlstore.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store, store, store, store.Close, nil
	}
}
