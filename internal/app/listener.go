// Package app wires configuration, transports, the dispatch pipeline and the
// consumption loop into a runnable listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go-listener/internal/adapter"
	"go-listener/internal/broker"
	"go-listener/internal/config"
	"go-listener/internal/consumer"
	"go-listener/internal/dispatch"
	"go-listener/internal/inmemory"
	"go-listener/internal/kafka"
	"go-listener/internal/middleware"
	"go-listener/internal/observability"
	"go-listener/internal/rabbitmq"
	"go-listener/internal/router"
	"go-listener/internal/service"
	"go-listener/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// ErrInvalidConfig marks failures detected before the listener starts.
var ErrInvalidConfig = errors.New("invalid configuration")

type Options struct {
	Listen config.ListenOptions
	// Memory serves "memory" connections; a fresh broker is used when nil.
	Memory *inmemory.Broker
	// Handler receives every routed event; the default logs it.
	Handler router.HandlerFunc
	Metrics *observability.InMemoryMetrics
}

// Dialers returns the transport for every supported connection kind.
func Dialers(logger *logrus.Entry, zapLogger *zap.Logger, memory *inmemory.Broker) map[string]broker.Dialer {
	return map[string]broker.Dialer{
		broker.KindRabbitMQ: rabbitmq.NewDialer(rabbitmq.Options{Logger: logger}),
		broker.KindKafka:    kafka.NewDialer(kafka.Options{Logger: zapLogger}),
		broker.KindMemory:   memory.Dialer(),
	}
}

// Listen runs the listener until ctx is cancelled or the consumer gives up.
func Listen(ctx context.Context, cfg *config.Config, o Options) error {
	opts := o.Listen
	if err := opts.Validate(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	logger := observability.WithFields(logrus.Fields{
		"queue":      opts.Queue,
		"connection": opts.Connection,
	})

	zapLogger, err := observability.NewZapLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: build logger: %w", ErrInvalidConfig, err)
	}
	defer zapLogger.Sync()

	memory := o.Memory
	if memory == nil {
		memory = inmemory.NewBroker()
		memory.DeclareQueue(opts.Queue)
	}

	connector, err := broker.NewConnector(cfg.Connections, Dialers(logger, zapLogger, memory))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	metrics := o.Metrics
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}

	deps := middleware.Deps{
		Logger:        logger,
		Metrics:       metrics,
		DedupeTTL:     cfg.Redis.DedupeTTL,
		ThrottleRate:  cfg.Throttle.Rate,
		ThrottleBurst: cfg.Throttle.Burst,
	}
	if cfg.Redis.Addr != "" && slices.Contains(opts.Middlewares, "dedupe") {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		deps.Redis = client
	}

	hooks, err := middleware.NewRegistry().Resolve(opts.Middlewares, deps)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	defer middleware.Close(hooks)

	producer := broker.NewSwappablePublisher()
	jsonAdapter := adapter.NewJSONAdapter(producer, adapter.Config{Logger: logger, Metrics: metrics})
	adapter.Configure(jsonAdapter, opts.Policy())

	handler := o.Handler
	if handler == nil {
		handler = service.NewEventProcessor().Handle
	}
	r := router.New(logger)
	r.Fallback(handler)

	pipeline := dispatch.NewPipeline(jsonAdapter, r, dispatch.WithLogger(logger))
	if err := pipeline.Use(hooks...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	loop, err := consumer.New(consumer.Config{
		Queue:             opts.Queue,
		Connection:        opts.Connection,
		ProduceConnection: opts.Connection,
		Policy:            opts.Policy(),
		MaxReconnects:     cfg.Reconnect.MaxAttempts,
		BaseBackoff:       cfg.Reconnect.BaseBackoff,
		MaxBackoff:        cfg.Reconnect.MaxBackoff,
	}, connector, pipeline,
		consumer.WithLogger(logger),
		consumer.WithMetrics(metrics),
		consumer.WithProducer(producer),
		consumer.WithErrorHandler(func(msg *models.Message, err error) {
			logger.WithError(err).WithField("routing_key", msg.RoutingKey).Warn("Message left to its adapter settlement")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	logger.WithFields(logrus.Fields{
		"timeout":               opts.Timeout,
		"max_retry":             opts.MaxRetry,
		"max_retry_routing_key": opts.MaxRetryRoutingKey,
		"middlewares":           opts.Middlewares,
	}).Info("Starting listener")

	runErr := loop.Run(ctx)
	logger.WithFields(logrus.Fields(metrics.Snapshot())).Info("Listener stopped")
	return runErr
}
