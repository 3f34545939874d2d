// Package consumer drives one-message-at-a-time consumption from a queue,
// choosing between normal dispatch and dead-lettering for every delivery.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go-listener/internal/broker"
	"go-listener/internal/deadletter"
	"go-listener/internal/dispatch"
	"go-listener/internal/observability"
	"go-listener/internal/retry"
	"go-listener/pkg/models"

	"github.com/sirupsen/logrus"
)

// Prefetch is fixed: the broker never hands this consumer a second message
// before the first one is settled.
const Prefetch = 1

// Connector opens named connections.
type Connector interface {
	Connect(ctx context.Context, name string) (broker.Client, error)
}

// Dispatcher runs an accepted message through the Adapter and Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *models.Message) (dispatch.Outcome, error)
}

// ErrorHandler receives per-message failures. They never stop the loop.
type ErrorHandler func(msg *models.Message, err error)

type Config struct {
	Queue      string
	Connection string
	// ProduceConnection is used for dead-letter and retry publishes. It is
	// always a second connection, even when it names the same endpoint.
	ProduceConnection string
	Policy            retry.Policy

	// MaxReconnects bounds consecutive reconnect attempts; -1 retries forever.
	MaxReconnects int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultConfig returns the reconnect settings used by the listen command.
func DefaultConfig(queue, connection string) Config {
	return Config{
		Queue:             queue,
		Connection:        connection,
		ProduceConnection: connection,
		Policy:            retry.DefaultPolicy(),
		MaxReconnects:     5,
		BaseBackoff:       1 * time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Queue == "" {
		return errors.New("queue cannot be empty")
	}
	if c.Connection == "" {
		return errors.New("connection cannot be empty")
	}
	if c.MaxReconnects < -1 {
		return errors.New("maxReconnects must be -1 or greater")
	}
	return c.Policy.Validate()
}

// Loop owns one consumer. Run it from a single goroutine.
type Loop struct {
	cfg        Config
	connector  Connector
	dispatcher Dispatcher
	producer   *broker.SwappablePublisher
	logger     *logrus.Entry
	metrics    observability.MetricsCollector
	onError    ErrorHandler
}

type Option func(*Loop)

func WithLogger(logger *logrus.Entry) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithMetrics(metrics observability.MetricsCollector) Option {
	return func(l *Loop) { l.metrics = metrics }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(l *Loop) { l.onError = h }
}

// WithProducer shares the session producer with collaborators built before
// the loop, such as an adapter that republishes on reject-to-bottom.
func WithProducer(p *broker.SwappablePublisher) Option {
	return func(l *Loop) { l.producer = p }
}

func New(cfg Config, connector Connector, dispatcher Dispatcher, opts ...Option) (*Loop, error) {
	if cfg.ProduceConnection == "" {
		cfg.ProduceConnection = cfg.Connection
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}

	l := &Loop{
		cfg:        cfg,
		connector:  connector,
		dispatcher: dispatcher,
		producer:   broker.NewSwappablePublisher(),
		metrics:    observability.NewInMemoryMetrics(),
		onError:    func(*models.Message, error) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logrus.NewEntry(observability.GetLogger())
	}
	l.logger = l.logger.WithFields(logrus.Fields{
		"queue":      cfg.Queue,
		"connection": cfg.Connection,
	})
	return l, nil
}

// Producer is the publisher of the current session.
func (l *Loop) Producer() broker.Publisher {
	return l.producer
}

// Run consumes until ctx is cancelled, reconnecting with backoff on
// transport failures. It returns nil on cancellation and an error when the
// reconnect budget is spent or a non-transport failure occurs.
func (l *Loop) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		subscribed, err := l.session(ctx)
		if ctx.Err() != nil {
			l.logger.Info("Consumer stopped")
			return nil
		}
		if err == nil {
			err = &broker.TransportError{Op: "consume", Err: broker.ErrSubscriptionClosed}
		}
		if !broker.IsTransport(err) {
			return err
		}
		if subscribed {
			attempt = 0
		}

		attempt++
		if l.cfg.MaxReconnects != -1 && attempt > l.cfg.MaxReconnects {
			return fmt.Errorf("failed to reconnect after %d attempts: %w", l.cfg.MaxReconnects, err)
		}

		backoff := l.backoff(attempt - 1)
		l.metrics.IncReconnects()
		l.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": backoff,
		}).Warn("Consumer lost its connection, attempting reconnection")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// backoff is exponential with up to 20% jitter, capped at MaxBackoff.
func (l *Loop) backoff(attempt int) time.Duration {
	d := time.Duration(math.Min(
		float64(l.cfg.BaseBackoff)*math.Pow(2, float64(attempt)),
		float64(l.cfg.MaxBackoff),
	))
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

// session runs one subscription until it fails or ctx is cancelled.
// subscribed reports whether the consume call succeeded.
func (l *Loop) session(ctx context.Context) (subscribed bool, err error) {
	consumeClient, err := l.connector.Connect(ctx, l.cfg.Connection)
	if err != nil {
		return false, err
	}
	defer consumeClient.Close()

	produceClient, err := l.connector.Connect(ctx, l.cfg.ProduceConnection)
	if err != nil {
		return false, err
	}
	defer produceClient.Close()

	l.producer.Swap(produceClient)
	defer l.producer.Swap(nil)

	sub, err := consumeClient.Consume(ctx, l.cfg.Queue, Prefetch)
	if err != nil {
		return false, asTransport("consume", err)
	}
	defer sub.Close()

	forwarder := deadletter.NewForwarder(l.producer, deadletter.Config{
		Exchange: l.cfg.Policy.MaxRetryExchange,
		Logger:   l.logger,
		Metrics:  l.metrics,
	})

	l.logger.WithFields(logrus.Fields{
		"max_retry":  l.cfg.Policy.MaxRetry,
		"timeout_ms": l.cfg.Policy.TimeoutMs,
	}).Info("Listening")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return true, subscriptionErr(sub)
			}
			if err := l.handle(ctx, sub, forwarder, msg); err != nil {
				return true, err
			}
		}
	}
}

// handle returns only transport errors. Per-message failures are reported to
// the error handler; a failed message nobody settled is requeued so the
// next one can be pulled.
func (l *Loop) handle(ctx context.Context, sub broker.Subscription, forwarder *deadletter.Forwarder, msg *models.Message) error {
	l.metrics.IncReceived()

	tried := retry.GetRetryCount(msg)
	decision := retry.Decide(msg, l.cfg.Policy)
	logger := l.logger.WithFields(logrus.Fields{
		"routing_key": msg.RoutingKey,
		"message_id":  msg.ID,
		"retry_count": tried,
		"decision":    decision.String(),
	})
	logger.Debug("Received message")

	if decision == retry.DeadLetter {
		if err := forwarder.Forward(ctx, msg, l.cfg.Policy.MaxRetryRoutingKey); err != nil {
			return asTransport("dead-letter", err)
		}
		return nil
	}

	outcome, err := l.dispatcher.Dispatch(ctx, msg)
	switch {
	case err != nil:
		l.metrics.IncDispatchFailed()
		logger.WithError(err).Error("Failed to dispatch message")
		l.onError(msg, err)
		if !msg.IsSettled() {
			logger.Warn("Failed message left unsettled, requeueing")
			if nackErr := msg.Nack(ctx, true); nackErr != nil && !errors.Is(nackErr, models.ErrAlreadySettled) {
				return asTransport("nack", nackErr)
			}
		}
	case outcome == dispatch.Skipped:
		logger.Debug("Message skipped")
	default:
		l.metrics.IncDispatched()
	}

	return l.awaitSettlement(ctx, sub, msg)
}

// awaitSettlement blocks until msg is acked or nacked, whoever does it.
func (l *Loop) awaitSettlement(ctx context.Context, sub broker.Subscription, msg *models.Message) error {
	select {
	case <-msg.Settled():
		return nil
	case <-ctx.Done():
		return nil
	case <-sub.Done():
		return subscriptionErr(sub)
	}
}

func subscriptionErr(sub broker.Subscription) error {
	if err := sub.Err(); err != nil {
		return asTransport("consume", err)
	}
	return &broker.TransportError{Op: "consume", Err: broker.ErrSubscriptionClosed}
}

func asTransport(op string, err error) error {
	if broker.IsTransport(err) {
		return err
	}
	return &broker.TransportError{Op: op, Err: err}
}
