// Package supervisor runs the bridge workers, restarts them after a failure
// and stops the process when the broker settings change.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
)

var (
	// ErrConfigurationDrift is the cancellation cause when the stored broker
	// settings no longer match the ones the workers were started with.
	ErrConfigurationDrift = errors.New("broker configuration changed")

	// ErrInvalidBrokerConfig indicates missing or incomplete broker settings.
	ErrInvalidBrokerConfig = errors.New("invalid broker configuration")

	errWorkerExited = errors.New("worker exited")
)

// SettingsSource reads the operator-managed settings.
// repository.SettingsRepository implements it.
type SettingsSource interface {
	FetchBrokerSettings(ctx context.Context) (domain.BrokerSettings, error)
	LoadSiteSettings(ctx context.Context) (domain.SiteSettings, error)
}

// Settings is everything a worker set is started with.
type Settings struct {
	Broker domain.BrokerSettings
	Site   domain.SiteSettings
}

// Worker is one long-running responsibility.
type Worker interface {
	Name() string
	// Run blocks until ctx ends or the worker fails.
	Run(ctx context.Context) error
	// Close releases the worker's broker resources.
	Close() error
}

// WorkerSet is one generation of workers. Workers are closed in slice
// order once all of them stopped, then Closers run in order.
type WorkerSet struct {
	Workers []Worker
	Closers []func()
}

// Launcher opens the resources of a fresh worker set. On error it releases
// whatever it already opened.
type Launcher interface {
	Launch(ctx context.Context, settings Settings, generation int) (*WorkerSet, error)
}

// Config holds supervisor settings.
type Config struct {
	RestartDelay       time.Duration
	DriftCheckInterval time.Duration
}

// Supervisor owns the worker lifecycle.
type Supervisor struct {
	source   SettingsSource
	launcher Launcher
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.Metrics

	ready      atomic.Bool
	generation atomic.Int64
}

// New creates a supervisor.
func New(source SettingsSource, launcher Launcher, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Supervisor {
	if cfg.DriftCheckInterval <= 0 {
		cfg.DriftCheckInterval = 30 * time.Second
	}
	return &Supervisor{
		source:   source,
		launcher: launcher,
		cfg:      cfg,
		logger:   observability.WithComponent(logger, "supervisor"),
		metrics:  metrics,
	}
}

// Ready reports whether a worker set is currently running.
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// Generation returns the number of the current or last worker set.
func (s *Supervisor) Generation() int {
	return int(s.generation.Load())
}

// LoadSettings reads and validates broker and site settings.
func (s *Supervisor) LoadSettings(ctx context.Context) (Settings, error) {
	b, err := s.source.FetchBrokerSettings(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Settings{}, fmt.Errorf("%w: %v", ErrInvalidBrokerConfig, err)
		}
		return Settings{}, fmt.Errorf("load broker settings: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidBrokerConfig, err)
	}

	site, err := s.source.LoadSiteSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("load site settings: %w", err)
	}
	return Settings{Broker: b, Site: site}, nil
}

// Run loads the settings once and keeps a worker set running until ctx is
// cancelled, which returns nil, or the broker settings drift, which returns
// ErrConfigurationDrift. Settings errors are returned before any worker starts.
func (s *Supervisor) Run(ctx context.Context) error {
	settings, err := s.LoadSettings(ctx)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("broker_host", settings.Broker.Host).
		Int("broker_port", settings.Broker.Port).
		Str("broker_vhost", settings.Broker.VHost).
		Str("tenant", settings.Site.Tenant).
		Str("series", settings.Site.Series).
		Msg("settings loaded")

	root, cancel := context.WithCancelCause(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		s.monitorDrift(root, cancel, settings.Broker.Fingerprint())
	}()
	defer func() {
		cancel(nil)
		<-monitorDone
	}()

	for generation := 1; ; generation++ {
		err := s.runGeneration(root, settings, generation)
		if stop, reason := stopReason(root); stop {
			return reason
		}

		s.metrics.RecordWorkerRestart()
		s.logger.Error().Err(err).
			Int("generation", generation).
			Dur("restart_delay", s.cfg.RestartDelay).
			Msg("worker set stopped, restarting")

		if err := sleep(root, s.cfg.RestartDelay); err != nil {
			_, reason := stopReason(root)
			return reason
		}
	}
}

// stopReason reports whether root ended and with which Run result.
func stopReason(root context.Context) (bool, error) {
	if root.Err() == nil {
		return false, nil
	}
	if errors.Is(context.Cause(root), ErrConfigurationDrift) {
		return true, ErrConfigurationDrift
	}
	return true, nil
}

func (s *Supervisor) runGeneration(ctx context.Context, settings Settings, generation int) error {
	s.generation.Store(int64(generation))
	logger := s.logger.With().Int("generation", generation).Logger()

	set, err := s.launcher.Launch(ctx, settings, generation)
	if err != nil {
		return fmt.Errorf("launch workers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range set.Workers {
		g.Go(func() error {
			s.metrics.SetWorkerUp(w.Name(), true)
			defer s.metrics.SetWorkerUp(w.Name(), false)

			err := w.Run(gctx)
			switch {
			case gctx.Err() != nil:
				return nil
			case err == nil:
				return fmt.Errorf("%s: %w", w.Name(), errWorkerExited)
			default:
				return fmt.Errorf("%s: %w", w.Name(), err)
			}
		})
	}

	s.ready.Store(true)
	logger.Info().Int("workers", len(set.Workers)).Msg("worker set started")

	err = g.Wait()
	s.ready.Store(false)
	s.teardown(logger, set)
	return err
}

// teardown closes workers in order, then runs the closers.
func (s *Supervisor) teardown(logger zerolog.Logger, set *WorkerSet) {
	for _, w := range set.Workers {
		if err := w.Close(); err != nil {
			logger.Warn().Err(err).Str("worker", w.Name()).Msg("failed to close worker")
		}
	}
	for _, closeFn := range set.Closers {
		closeFn()
	}
	logger.Info().Msg("worker set stopped")
}

func (s *Supervisor) monitorDrift(ctx context.Context, cancel context.CancelCauseFunc, fingerprint string) {
	ticker := time.NewTicker(s.cfg.DriftCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := s.source.FetchBrokerSettings(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("drift check failed to read broker settings")
			continue
		}

		if current.Fingerprint() != fingerprint {
			s.metrics.RecordConfigurationDrift()
			s.logger.Warn().Msg("broker settings changed, stopping workers")
			cancel(ErrConfigurationDrift)
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
