// Package main provides the entry point for the IGEO bridge service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/config"
	"github.com/veolab/igeo-bridge/internal/database"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/repository"
	httpserver "github.com/veolab/igeo-bridge/internal/server/http"
	"github.com/veolab/igeo-bridge/internal/supervisor"
)

// exitConfigurationDrift tells the process manager to restart the bridge
// with the new broker settings.
const exitConfigurationDrift = 3

const controlPoolConns = 2

func main() {
	err := run()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if errors.Is(err, supervisor.ErrConfigurationDrift) {
		os.Exit(exitConfigurationDrift)
	}
	os.Exit(1)
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "bridge").Logger()
	logger.Info().Msg("igeo-bridge starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		metricsHandler = promhttp.Handler()
	}

	// The control pool serves settings reads, drift checks and health probes.
	// Workers open their own pools.
	db, err := database.New(ctx, &cfg.Database, logger,
		database.WithApplicationName(cfg.Broker.ConnectionName+"-control"),
		database.WithMaxConns(controlPoolConns))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		if err := migrate(db, cfg.Database.MigrationPath, logger); err != nil {
			return err
		}
	}

	sup := supervisor.New(
		repository.NewPgSettingsRepository(db.Pool()),
		newLauncher(cfg, logger, metrics),
		supervisor.Config{
			RestartDelay:       cfg.Supervisor.RestartDelay,
			DriftCheckInterval: cfg.Supervisor.DriftCheckInterval,
		},
		logger,
		metrics,
	)

	var ops *httpserver.Server
	if cfg.Server.Enabled {
		ops = httpserver.NewServer(httpserver.Config{
			Address:         cfg.Server.HTTPAddress(),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MetricsPath:     cfg.Metrics.Path,
		}, db, sup, metricsHandler, logger)

		go func() {
			if err := ops.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	runErr := sup.Run(ctx)

	if ops != nil {
		if err := ops.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}

	switch {
	case runErr == nil:
		logger.Info().Msg("igeo-bridge stopped")
		return nil
	case errors.Is(runErr, supervisor.ErrConfigurationDrift):
		logger.Warn().Msg("broker settings changed, exiting for restart")
		return runErr
	case errors.Is(runErr, supervisor.ErrInvalidBrokerConfig):
		logger.Error().Err(runErr).
			Dur("exit_delay", cfg.Supervisor.FatalExitDelay).
			Msg("broker settings are incomplete, fix them in the settings table")
		waitBeforeExit(ctx, cfg.Supervisor.FatalExitDelay)
		return runErr
	default:
		return fmt.Errorf("run supervisor: %w", runErr)
	}
}

func migrate(db *database.DB, path string, logger zerolog.Logger) error {
	migrator, err := database.NewMigrator(db, path, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// waitBeforeExit keeps a misconfigured bridge from restart-looping at full
// speed under its process manager.
func waitBeforeExit(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
