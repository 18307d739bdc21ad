package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
)

// Handler processes one delivery. An error wrapping domain.ErrMalformedMessage
// drops the message (or dead-letters it, if the queue has a DLX); any other
// error requeues it after the redelivery delay.
type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d amqp.Delivery) error {
	return f(ctx, d)
}

// DeliverySource starts a consumer on a queue. *Session implements it.
type DeliverySource interface {
	Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue           string
	ConsumerTag     string
	RedeliveryDelay time.Duration
}

// Consumer feeds deliveries from one queue to a Handler and settles each
// delivery according to the handler result.
type Consumer struct {
	source  DeliverySource
	handler Handler
	cfg     ConsumerConfig
	logger  zerolog.Logger
}

// NewConsumer creates a consumer for cfg.Queue.
func NewConsumer(source DeliverySource, handler Handler, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	return &Consumer{
		source:  source,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run consumes until ctx is cancelled or the delivery stream ends. A stream
// that ends under a live context returns ErrConnectionLost.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(ctx, c.cfg.Queue, c.cfg.ConsumerTag)
	if err != nil {
		return fmt.Errorf("start consumer on %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info().Str("queue", c.cfg.Queue).Msg("waiting for messages")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("queue", c.cfg.Queue).Msg("consumer stopped via context cancellation")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: delivery stream for %s closed", ErrConnectionLost, c.cfg.Queue)
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	logger := observability.WithDeliveryContext(c.logger, c.cfg.Queue, d.DeliveryTag, d.MessageId, d.Redelivered)

	correlationID := d.CorrelationId
	if correlationID == "" {
		correlationID = d.MessageId
	}
	if correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}

	err := c.handler.Handle(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error().Err(ackErr).Msg("failed to ack delivery")
		}

	case errors.Is(err, domain.ErrMalformedMessage):
		logger.Warn().Err(err).Msg("rejecting malformed message")
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Error().Err(nackErr).Msg("failed to reject delivery")
		}

	default:
		logger.Error().Err(err).
			Dur("redelivery_delay", c.cfg.RedeliveryDelay).
			Msg("message processing failed, requeueing")
		c.wait(ctx)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error().Err(nackErr).Msg("failed to requeue delivery")
		}
	}
}

// wait sleeps for the redelivery delay or until ctx ends.
func (c *Consumer) wait(ctx context.Context) {
	if c.cfg.RedeliveryDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.cfg.RedeliveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
