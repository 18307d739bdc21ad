// Package publisher harvests finalized lab reports and publishes them to the
// external system.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/veolab/igeo-bridge/internal/broker"
	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/repository"
)

// Broker publishes one message and returns once the broker confirmed it.
// *broker.ConfirmPublisher implements it.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Config holds publisher settings.
type Config struct {
	// Exchange receives every report.
	Exchange string
	// DefaultRoutingKey is used for clients without a configured queue.
	DefaultRoutingKey string
	// MaxAttempts bounds publish attempts per report in one cycle.
	MaxAttempts int
	// RetryBackoff is the fixed wait between attempts.
	RetryBackoff time.Duration
	// PublishTimeout bounds one attempt including its confirmation. Zero disables it.
	PublishTimeout time.Duration
	// RatePerSecond paces publishes within a cycle. Zero disables pacing.
	RatePerSecond float64
	// AppID is stamped on each message.
	AppID string
}

// Publisher runs the report publication cycle on a fixed interval.
type Publisher struct {
	store    repository.Store
	broker   Broker
	cfg      Config
	interval time.Duration
	limiter  *rate.Limiter
	logger   zerolog.Logger
	metrics  *observability.Metrics

	now   func() time.Time
	newID func() string
}

// New creates a publisher that runs a cycle every interval.
func New(store repository.Store, b Broker, cfg Config, interval time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Publisher{
		store:    store,
		broker:   b,
		cfg:      cfg,
		interval: interval,
		limiter:  limiter,
		logger:   observability.WithComponent(logger, "publisher"),
		metrics:  metrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled. A lost broker connection ends Run with an error wrapping
// broker.ErrConnectionLost; other cycle failures are logged and retried on
// the next tick.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Msg("report publisher started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrConnectionLost) {
				return err
			}
			p.logger.Error().Err(err).Msg("publish cycle failed")
		}

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("report publisher stopped via context cancellation")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle publishes every finalized report once and returns how many were
// confirmed and marked sent.
func (p *Publisher) RunCycle(ctx context.Context) (int, error) {
	records, err := p.store.Repositories().Reports.FetchFinalizedReports(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch finalized reports: %w", err)
	}
	p.metrics.RecordPublishCycle(len(records))

	if len(records) > 0 {
		p.logger.Debug().Int("reports", len(records)).Msg("processing finalized reports")
	}

	sent := 0
	for _, rec := range records {
		if err := p.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := p.publishReport(ctx, rec); err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrConnectionLost) {
				return sent, err
			}
			continue
		}
		sent++
	}
	return sent, nil
}

func (p *Publisher) publishReport(ctx context.Context, rec domain.ReportRecord) error {
	ref := rec.Sample.Reference
	logger := observability.WithSampleContext(p.logger, ref, rec.Sample.ExternalID)
	ctx = observability.WithSampleReference(ctx, ref)

	now := p.now()
	body, err := encodeEnvelope(domain.NewReportEnvelope(rec, now))
	if err != nil {
		p.writeEntry(ctx, domain.LogKindError, "Report not sent", fmt.Sprintf("%s: %v", ref, err))
		p.metrics.RecordReportFailed()
		return err
	}

	routingKey := rec.ResolvedRoutingKey(p.cfg.DefaultRoutingKey)
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     p.newID(),
		CorrelationId: ref,
		Timestamp:     now,
		Type:          domain.ReportEntityType,
		AppId:         p.cfg.AppID,
		Body:          body,
	}

	if err := p.publishWithRetry(ctx, routingKey, msg, ref); err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.writeEntry(ctx, domain.LogKindError, "Report not sent", fmt.Sprintf("%s: %v", ref, err))
		p.metrics.RecordReportFailed()
		logger.Error().Err(err).Str("routing_key", routingKey).Msg("report publication failed")
		return err
	}

	var marked bool
	err = p.store.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		if marked, err = repos.Samples.MarkSent(ctx, ref); err != nil {
			return err
		}
		return repository.RecordEvent(ctx, repos.EventLog, domain.LogKindOK, "Report sent", ref)
	})
	if err != nil {
		// The report went out; it stays pending and is published again next cycle.
		logger.Error().Err(err).Msg("report published but not marked sent")
		return fmt.Errorf("mark sample %s sent: %w", ref, err)
	}
	p.metrics.RecordEventLogWrite(string(domain.LogKindOK))
	p.metrics.RecordReportPublished()

	if !marked {
		logger.Warn().Msg("published report for a sample no longer pending")
	}
	logger.Info().
		Str("routing_key", routingKey).
		Str("message_id", msg.MessageId).
		Msg("report sent")
	return nil
}

// publishWithRetry makes up to MaxAttempts attempts with a fixed backoff and
// writes a WARNING entry for each failed one.
func (p *Publisher) publishWithRetry(ctx context.Context, routingKey string, msg amqp.Publishing, ref string) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		err := p.publishOnce(ctx, routingKey, msg)
		p.metrics.RecordPublishAttempt(err == nil, time.Since(start))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		p.writeEntry(ctx, domain.LogKindWarning,
			fmt.Sprintf("Publish attempt %d/%d failed", attempt, p.cfg.MaxAttempts),
			fmt.Sprintf("%s: %v", ref, err))
		p.logger.Warn().Err(err).
			Str("sample_reference", ref).
			Int("attempt", attempt).
			Int("max_attempts", p.cfg.MaxAttempts).
			Msg("publish attempt failed")

		if attempt < p.cfg.MaxAttempts {
			if err := sleep(ctx, p.cfg.RetryBackoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}
	return p.broker.Publish(ctx, p.cfg.Exchange, routingKey, msg)
}

func (p *Publisher) writeEntry(ctx context.Context, kind domain.LogKind, message, detail string) {
	err := p.store.WithinTx(ctx, func(repos repository.Repositories) error {
		return repository.RecordEvent(ctx, repos.EventLog, kind, message, detail)
	})
	if err != nil {
		logger := observability.FromContext(ctx, p.logger)
		logger.Error().Err(err).
			Str("log_kind", string(kind)).
			Msg("failed to write event log entry")
		return
	}
	p.metrics.RecordEventLogWrite(string(kind))
}

// encodeEnvelope renders env as JSON without HTML escaping.
func encodeEnvelope(env domain.ReportEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode report envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
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
