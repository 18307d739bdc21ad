package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/config"
	"github.com/veolab/igeo-bridge/internal/domain"
)

// Session is one AMQP connection and the channels opened on it. Each bridge
// worker owns its own session.
type Session struct {
	conn   *amqp.Connection
	cfg    *config.BrokerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	channels []*amqp.Channel
	closed   bool
}

// Dial connects to the broker described by settings. name is reported to
// the broker as the connection name, suffixed to cfg.ConnectionName.
func Dial(ctx context.Context, settings domain.BrokerSettings, cfg *config.BrokerConfig, name string, logger zerolog.Logger) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("broker config is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broker settings: %w", err)
	}

	connName := cfg.ConnectionName
	if name != "" {
		connName = connName + "-" + name
	}
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(connName)

	amqpCfg := amqp.Config{
		Heartbeat:  cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(cfg.DialTimeout),
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(URI(settings), amqpCfg)
		done <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after the caller gave up.
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", RedactedURI(settings), r.err)
		}
		logger.Info().
			Str("broker", RedactedURI(settings)).
			Str("connection_name", connName).
			Msg("connected to broker")
		return &Session{
			conn:   r.conn,
			cfg:    cfg,
			logger: logger.With().Str("connection_name", connName).Logger(),
		}, nil
	}
}

// EnsureTopology declares the report exchange and both queues when
// DeclareTopology is set, and checks them passively otherwise.
func (s *Session) EnsureTopology() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return s.channelError(err)
	}
	defer func() { _ = ch.Close() }()

	queues := []string{s.cfg.InboundQueue, s.cfg.DeliveryQueue}

	if s.cfg.DeclareTopology {
		if err := ch.ExchangeDeclare(s.cfg.Exchange, s.cfg.ExchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", s.cfg.Exchange, err)
		}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare queue %s: %w", q, err)
			}
		}
		return nil
	}

	// A failed passive declare closes the channel, so each check gets its own.
	if err := ch.ExchangeDeclarePassive(s.cfg.Exchange, s.cfg.ExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange %s not found: %w", s.cfg.Exchange, err)
	}
	for _, q := range queues {
		qch, err := s.conn.Channel()
		if err != nil {
			return s.channelError(err)
		}
		_, err = qch.QueueDeclarePassive(q, true, false, false, false, nil)
		_ = qch.Close()
		if err != nil {
			return fmt.Errorf("queue %s not found: %w", q, err)
		}
	}
	return nil
}

// Consume starts a manual-ack consumer on queue with the configured
// prefetch. The delivery channel closes when ctx ends or the broker closes
// the channel.
func (s *Session) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := s.openChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch on %s: %w", queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// NewPublisher returns a confirm-mode publisher on this session.
func (s *Session) NewPublisher() *ConfirmPublisher {
	return newConfirmPublisher(s.openConfirmChannel, s.logger)
}

// NotifyClose returns a channel that receives the connection close error.
func (s *Session) NotifyClose() <-chan *amqp.Error {
	return s.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes every channel and then the connection. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	for _, ch := range channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close broker connection: %w", err)
	}
	s.logger.Debug().Msg("broker session closed")
	return nil
}

func (s *Session) openChannel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrConnectionLost)
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, s.channelError(err)
	}
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *Session) openConfirmChannel() (confirmChannel, error) {
	ch, err := s.openChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return amqpConfirmChannel{ch: ch}, nil
}

func (s *Session) channelError(err error) error {
	if isClosedError(err) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return fmt.Errorf("open channel: %w", err)
}
