package main

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/broker"
	"github.com/veolab/igeo-bridge/internal/config"
	"github.com/veolab/igeo-bridge/internal/database"
	"github.com/veolab/igeo-bridge/internal/delivery"
	"github.com/veolab/igeo-bridge/internal/inbound"
	"github.com/veolab/igeo-bridge/internal/lifecycle"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/publisher"
	"github.com/veolab/igeo-bridge/internal/repository"
	"github.com/veolab/igeo-bridge/internal/supervisor"
)

const (
	workerInbound   = "inbound"
	workerDelivery  = "delivery"
	workerPublisher = "publisher"
)

// Compile-time check that launcher implements supervisor.Launcher.
var _ supervisor.Launcher = (*launcher)(nil)

// launcher opens one database pool and one broker connection per worker.
type launcher struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func newLauncher(cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) *launcher {
	return &launcher{cfg: cfg, logger: logger, metrics: metrics}
}

// workerResources is what one worker owns.
type workerResources struct {
	db      *database.DB
	session *broker.Session
	store   *repository.PgStore
	logger  zerolog.Logger
}

// Launch builds the consumers and the publisher. Workers are returned in
// teardown order and the pools close last.
func (l *launcher) Launch(ctx context.Context, settings supervisor.Settings, generation int) (_ *supervisor.WorkerSet, err error) {
	var opened []workerResources
	defer func() {
		if err != nil {
			for _, res := range opened {
				_ = res.session.Close()
				res.db.Close()
			}
		}
	}()

	open := func(name string) (workerResources, error) {
		res, err := l.open(ctx, settings, name, generation)
		if err != nil {
			return workerResources{}, fmt.Errorf("%s: %w", name, err)
		}
		opened = append(opened, res)
		return res, nil
	}

	in, err := open(workerInbound)
	if err != nil {
		return nil, err
	}
	if err := in.session.EnsureTopology(); err != nil {
		return nil, err
	}
	dr, err := open(workerDelivery)
	if err != nil {
		return nil, err
	}
	pub, err := open(workerPublisher)
	if err != nil {
		return nil, err
	}

	lifecycleSvc := lifecycle.NewService(in.store, settings.Site, in.logger, l.metrics)
	inboundProc := inbound.NewProcessor(lifecycleSvc, in.store, l.cfg.Broker.InboundQueue, in.logger, l.metrics)
	deliveryProc := delivery.NewProcessor(dr.store, l.cfg.Broker.DeliveryQueue, dr.logger, l.metrics)

	confirmPublisher := pub.session.NewPublisher()
	reportPublisher := publisher.New(pub.store, confirmPublisher, publisher.Config{
		Exchange:          l.cfg.Broker.Exchange,
		DefaultRoutingKey: l.cfg.Broker.DefaultRoutingKey,
		MaxAttempts:       l.cfg.Publisher.MaxAttempts,
		RetryBackoff:      l.cfg.Publisher.RetryBackoff,
		PublishTimeout:    l.cfg.Publisher.PublishTimeout,
		RatePerSecond:     l.cfg.Publisher.RatePerSecond,
		AppID:             l.cfg.Broker.ConnectionName,
	}, settings.Broker.PollInterval(l.cfg.Publisher.MinInterval), pub.logger, l.metrics)

	set := &supervisor.WorkerSet{
		Workers: []supervisor.Worker{
			l.consumerWorker(workerInbound, in, l.cfg.Broker.InboundQueue, inboundProc),
			l.consumerWorker(workerDelivery, dr, l.cfg.Broker.DeliveryQueue, deliveryProc),
			&publisherWorker{
				publisher: reportPublisher,
				confirms:  confirmPublisher,
				session:   pub.session,
				closed:    pub.session.NotifyClose(),
			},
		},
	}
	for _, res := range opened {
		set.Closers = append(set.Closers, res.db.Close)
	}
	return set, nil
}

func (l *launcher) open(ctx context.Context, settings supervisor.Settings, name string, generation int) (workerResources, error) {
	logger := observability.WithWorkerContext(l.logger, name, generation)

	db, err := database.New(ctx, &l.cfg.Database, logger,
		database.WithApplicationName(l.cfg.Broker.ConnectionName+"-"+name))
	if err != nil {
		return workerResources{}, fmt.Errorf("connect to database: %w", err)
	}
	session, err := broker.Dial(ctx, settings.Broker, &l.cfg.Broker, name, logger)
	if err != nil {
		db.Close()
		return workerResources{}, err
	}
	return workerResources{
		db:      db,
		session: session,
		store:   repository.NewPgStore(db.Pool(), settings.Site),
		logger:  logger,
	}, nil
}

func (l *launcher) consumerWorker(name string, res workerResources, queue string, handler broker.Handler) *consumerWorker {
	return &consumerWorker{
		name:    name,
		session: res.session,
		consumer: broker.NewConsumer(res.session, handler, broker.ConsumerConfig{
			Queue:           queue,
			ConsumerTag:     fmt.Sprintf("%s-%s", l.cfg.Broker.ConnectionName, name),
			RedeliveryDelay: l.cfg.Inbound.RedeliveryDelay,
		}, res.logger),
	}
}

// consumerWorker runs one queue consumer on its own connection.
type consumerWorker struct {
	name     string
	consumer *broker.Consumer
	session  *broker.Session
}

func (w *consumerWorker) Name() string { return w.name }

func (w *consumerWorker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx)
}

func (w *consumerWorker) Close() error {
	return w.session.Close()
}

// publisherWorker runs the report publisher. It stops as soon as its
// connection closes instead of waiting for the next cycle to notice.
type publisherWorker struct {
	publisher *publisher.Publisher
	confirms  *broker.ConfirmPublisher
	session   *broker.Session
	closed    <-chan *amqp.Error
}

func (w *publisherWorker) Name() string { return workerPublisher }

func (w *publisherWorker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case amqpErr := <-w.closed:
			cancel(fmt.Errorf("%w: %v", broker.ErrConnectionLost, amqpErr))
		case <-ctx.Done():
		}
	}()

	err := w.publisher.Run(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, broker.ErrConnectionLost) {
		return cause
	}
	return err
}

func (w *publisherWorker) Close() error {
	return errors.Join(w.confirms.Close(), w.session.Close())
}
