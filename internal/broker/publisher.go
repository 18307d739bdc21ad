package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Confirmation is a pending broker acknowledgement of one publish.
type Confirmation interface {
	// WaitContext blocks until the broker acks or nacks, or ctx ends.
	WaitContext(ctx context.Context) (bool, error)
}

type confirmChannel interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	IsClosed() bool
	Close() error
}

type amqpConfirmChannel struct {
	ch *amqp.Channel
}

func (c amqpConfirmChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

func (c amqpConfirmChannel) IsClosed() bool { return c.ch.IsClosed() }
func (c amqpConfirmChannel) Close() error   { return c.ch.Close() }

// ConfirmPublisher publishes on a confirm-mode channel and waits for the
// broker acknowledgement. A channel found closed is reopened, with confirms
// re-armed, on the next Publish.
type ConfirmPublisher struct {
	open   func() (confirmChannel, error)
	logger zerolog.Logger

	mu sync.Mutex
	ch confirmChannel
}

func newConfirmPublisher(open func() (confirmChannel, error), logger zerolog.Logger) *ConfirmPublisher {
	return &ConfirmPublisher{open: open, logger: logger}
}

// Publish sends msg and returns nil only once the broker confirmed it.
func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	conf, err := ch.publish(ctx, exchange, routingKey, msg)
	if err != nil {
		if isClosedError(err) || ch.IsClosed() {
			p.ch = nil
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirmation: %w", err)
	}
	if !acked {
		// Pending confirmations are nacked when the channel closes.
		if ch.IsClosed() {
			p.ch = nil
			return ErrChannelClosed
		}
		return ErrPublishNacked
	}
	return nil
}

// Close closes the current channel, if any.
func (p *ConfirmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		p.ch = nil
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

func (p *ConfirmPublisher) channel() (confirmChannel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.ch != nil {
		p.logger.Warn().Msg("publish channel closed, reopening")
	}
	ch, err := p.open()
	if err != nil {
		p.ch = nil
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	p.ch = ch
	return ch, nil
}
