// Package delivery consumes the external system's feedback on published
// reports and completes the sample lifecycle.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/broker"
	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/repository"
)

// Delivery result outcomes, used as metric labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeStale     = "stale"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

const defaultAcceptedMessage = "Report acknowledged"

// Compile-time interface verification.
var _ broker.Handler = (*Processor)(nil)

// Processor handles delivery-result messages.
type Processor struct {
	store    repository.Store
	validate *validator.Validate
	queue    string
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// NewProcessor creates a processor for results consumed from queue.
func NewProcessor(store repository.Store, queue string, logger zerolog.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		queue:    queue,
		logger:   observability.WithComponent(logger, "delivery"),
		metrics:  metrics,
	}
}

// Handle implements broker.Handler. An accepted result moves the sample from
// sent to reported and writes an OK entry in the same transaction. An accepted
// result for a sample not in sent changes nothing. Any other code writes an
// ERROR entry and leaves the sample as it is.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) error {
	res, err := p.decode(d.Body)
	if err != nil {
		p.metrics.RecordDeliveryResult(OutcomeMalformed)
		p.recordFailure(ctx, domain.LogKindError, "Failed to decode message body", err.Error())
		return err
	}

	ref := res.Reference()
	ctx = observability.WithSampleReference(ctx, ref)
	logger := observability.WithSampleContext(p.logger, ref, "")

	if !res.Accepted() {
		if err := p.writeEntry(ctx, domain.LogKindError, res.Message.String(), res.ErrorDetail()); err != nil {
			p.metrics.RecordDeliveryResult(OutcomeFailed)
			return err
		}
		p.metrics.RecordDeliveryResult(OutcomeRejected)
		logger.Warn().
			Str("code", res.Code.String()).
			Str("message", res.Message.String()).
			Msg("report rejected by external system")
		return nil
	}

	message := res.Message.String()
	if message == "" {
		message = defaultAcceptedMessage
	}

	var marked bool
	err = p.store.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		if marked, err = repos.Samples.MarkReported(ctx, ref); err != nil {
			return err
		}
		if !marked {
			return nil
		}
		return repository.RecordEvent(ctx, repos.EventLog, domain.LogKindOK, message, ref)
	})
	if err != nil {
		p.metrics.RecordDeliveryResult(OutcomeFailed)
		p.recordFailure(ctx, domain.LogKindException, "Failed to process message", fmt.Sprintf("%s: %v", ref, err))
		return fmt.Errorf("mark sample %s reported: %w", ref, err)
	}

	if !marked {
		// Duplicate feedback, or a sample that was recreated meanwhile.
		p.metrics.RecordDeliveryResult(OutcomeStale)
		logger.Warn().Msg("delivery result for a sample not in sent state")
		return nil
	}

	p.metrics.RecordEventLogWrite(string(domain.LogKindOK))
	p.metrics.RecordDeliveryResult(OutcomeAccepted)
	logger.Info().Msg("sample reported")
	return nil
}

func (p *Processor) decode(body []byte) (domain.DeliveryResult, error) {
	var res domain.DeliveryResult
	if err := json.Unmarshal(body, &res); err != nil {
		return res, domain.NewMalformedMessageError(p.queue, "invalid JSON", err)
	}
	if err := p.validate.Struct(res); err != nil {
		return res, domain.NewMalformedMessageError(p.queue, "validation failed", err)
	}
	if res.Accepted() && res.Reference() == "" {
		return res, domain.NewMalformedMessageError(p.queue, "accepted result without mensajeEnviado.datos.codigoMuestra", nil)
	}
	return res, nil
}

func (p *Processor) writeEntry(ctx context.Context, kind domain.LogKind, message, detail string) error {
	err := p.store.WithinTx(ctx, func(repos repository.Repositories) error {
		return repository.RecordEvent(ctx, repos.EventLog, kind, message, detail)
	})
	if err != nil {
		return fmt.Errorf("write %s entry: %w", kind, err)
	}
	p.metrics.RecordEventLogWrite(string(kind))
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, kind domain.LogKind, message, detail string) {
	if err := p.writeEntry(ctx, kind, message, detail); err != nil {
		logger := observability.FromContext(ctx, p.logger)
		logger.Error().Err(err).
			Str("log_message", message).
			Msg("failed to write event log entry")
	}
}
