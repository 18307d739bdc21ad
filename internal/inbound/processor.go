// Package inbound applies sample commands received from the external system.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/broker"
	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/repository"
)

// SampleLifecycle runs the sample scripts. *lifecycle.Service implements it.
type SampleLifecycle interface {
	CreateSample(ctx context.Context, payload *domain.SamplePayload, clientExternalID, externalID string) (domain.SampleKey, error)
	UpdateSample(ctx context.Context, payload *domain.SamplePayload, clientExternalID, externalID string) (domain.SampleKey, error)
	DeleteSample(ctx context.Context, reference string) (bool, error)
}

// Compile-time interface verification.
var _ broker.Handler = (*Processor)(nil)

// Processor decodes inbound commands and dispatches them to the lifecycle.
type Processor struct {
	lifecycle SampleLifecycle
	store     repository.Store
	validate  *validator.Validate
	queue     string
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewProcessor creates a processor for commands consumed from queue. Failures
// are written to the event log through store.
func NewProcessor(lifecycle SampleLifecycle, store repository.Store, queue string, logger zerolog.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{
		lifecycle: lifecycle,
		store:     store,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		queue:     queue,
		logger:    observability.WithComponent(logger, "inbound"),
		metrics:   metrics,
	}
}

// Handle implements broker.Handler.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) error {
	start := time.Now()

	cmd, action, err := p.Decode(d.Body)
	if err != nil {
		p.metrics.RecordCommandReceived("invalid")
		p.metrics.RecordCommandFailed("invalid", "malformed")
		p.recordFailure(ctx, domain.LogKindError, "Failed to decode message body", err.Error())
		return err
	}

	command := strings.ToLower(string(action))
	p.metrics.RecordCommandReceived(command)

	ref := cmd.Payload.Reference.String()
	ctx = observability.WithSampleReference(ctx, ref)
	logger := observability.WithSampleContext(p.logger, ref, cmd.ExternalID.String())

	if err := p.apply(ctx, cmd, action); err != nil {
		reason, kind := "processing", domain.LogKindException
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrAlreadyExists) {
			// Redelivery cannot fix these.
			reason, kind = "rejected", domain.LogKindError
			err = domain.NewMalformedMessageError(p.queue, "command rejected", err)
		}
		p.metrics.RecordCommandFailed(command, reason)
		p.recordFailure(ctx, kind, "Failed to process message", fmt.Sprintf("%s %s: %v", action, ref, err))
		logger.Error().Err(err).Str("command", string(action)).Msg("command failed")
		return err
	}

	p.metrics.RecordCommandApplied(command, time.Since(start))
	logger.Debug().
		Str("command", string(action)).
		Dur("duration", time.Since(start)).
		Msg("command applied")
	return nil
}

// Decode parses and validates an inbound command body. Every error it
// returns wraps domain.ErrMalformedMessage.
func (p *Processor) Decode(body []byte) (domain.InboundCommand, domain.Command, error) {
	var cmd domain.InboundCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return cmd, "", domain.NewMalformedMessageError(p.queue, "invalid JSON", err)
	}

	action, err := cmd.Action()
	if err != nil {
		return cmd, "", domain.NewMalformedMessageError(p.queue, "unknown command", err)
	}

	if err := p.validate.Struct(cmd); err != nil {
		return cmd, "", domain.NewMalformedMessageError(p.queue, "validation failed", err)
	}
	return cmd, action, nil
}

func (p *Processor) apply(ctx context.Context, cmd domain.InboundCommand, action domain.Command) error {
	switch action {
	case domain.CommandCreate:
		_, err := p.lifecycle.CreateSample(ctx, cmd.Payload, cmd.ClientID.String(), cmd.ExternalID.String())
		return err
	case domain.CommandUpdate:
		_, err := p.lifecycle.UpdateSample(ctx, cmd.Payload, cmd.ClientID.String(), cmd.ExternalID.String())
		return err
	case domain.CommandDelete:
		_, err := p.lifecycle.DeleteSample(ctx, cmd.Payload.Reference.String())
		return err
	default:
		return domain.NewValidationError("comando", fmt.Sprintf("unknown command %q", action))
	}
}

// recordFailure appends an entry in its own transaction: ERROR for input
// that will never apply, EXCEPTION for unexpected failures. A failed write
// is only logged.
func (p *Processor) recordFailure(ctx context.Context, kind domain.LogKind, message, detail string) {
	err := p.store.WithinTx(ctx, func(repos repository.Repositories) error {
		return repository.RecordEvent(ctx, repos.EventLog, kind, message, detail)
	})
	if err != nil {
		logger := observability.FromContext(ctx, p.logger)
		logger.Error().Err(err).
			Str("log_message", message).
			Msg("failed to write event log entry")
		return
	}
	p.metrics.RecordEventLogWrite(string(kind))
}
