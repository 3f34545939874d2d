package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-listener/internal/broker"
	"go-listener/internal/dispatch"
	"go-listener/internal/observability"
	"go-listener/internal/retry"
	"go-listener/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrTimeout          = errors.New("message processing timed out")
	ErrMalformedPayload = errors.New("malformed payload")
)

const settleTimeout = 10 * time.Second

// Configurable is the startup surface of an adapter.
type Configurable interface {
	SetTimeout(d time.Duration)
	RejectToBottomInsteadOfNacking()
}

// Configure applies the listen policy to an adapter: a timeout of -1 leaves
// the adapter unbounded, a retry budget switches failures to reject-to-bottom
// so that every redelivery carries an incremented retry count.
func Configure(a Configurable, policy retry.Policy) {
	if d, ok := policy.Timeout(); ok {
		a.SetTimeout(d)
	}
	if policy.Limited() {
		a.RejectToBottomInsteadOfNacking()
	}
}

// JSONAdapter decodes JSON bodies into events and owns their acknowledgment.
// Configure it before the first Adapt call.
type JSONAdapter struct {
	publisher      broker.Publisher
	logger         *logrus.Entry
	metrics        observability.MetricsCollector
	timeout        time.Duration
	rejectToBottom bool
}

type Config struct {
	Logger  *logrus.Entry
	Metrics observability.MetricsCollector
}

// NewJSONAdapter needs a publisher only for reject-to-bottom.
func NewJSONAdapter(publisher broker.Publisher, cfg Config) *JSONAdapter {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(observability.GetLogger())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	return &JSONAdapter{
		publisher: publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

func (a *JSONAdapter) SetTimeout(d time.Duration) {
	a.timeout = d
}

func (a *JSONAdapter) RejectToBottomInsteadOfNacking() {
	a.rejectToBottom = true
}

// Timeout returns the configured bound; zero means none.
func (a *JSONAdapter) Timeout() time.Duration {
	return a.timeout
}

func (a *JSONAdapter) RejectsToBottom() bool {
	return a.rejectToBottom
}

// Adapt decodes the body and arms the processing timeout. A body that is not
// JSON is failed right away.
func (a *JSONAdapter) Adapt(ctx context.Context, msg *models.Message) (*dispatch.Event, error) {
	s := &settlement{adapter: a}

	payload := map[string]interface{}{}
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			cause := fmt.Errorf("%w: %w", ErrMalformedPayload, err)
			if failErr := s.Fail(ctx, msg, cause); failErr != nil {
				a.logger.WithError(failErr).Error("Failed to reject malformed message")
			}
			return nil, cause
		}
	}

	if a.timeout > 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = time.AfterFunc(a.timeout, func() {
			if err := s.Fail(context.Background(), msg, ErrTimeout); err != nil && !errors.Is(err, models.ErrAlreadySettled) {
				a.logger.WithError(err).WithField("routing_key", msg.RoutingKey).Error("Failed to settle timed out message")
			}
		})
	}

	ev := dispatch.NewEvent(msg.RoutingKey, payload, msg, s)
	ev.Timeout = a.timeout
	return ev, nil
}

// Reject applies the failure policy to a message that failed before it was
// adapted.
func (a *JSONAdapter) Reject(ctx context.Context, msg *models.Message, cause error) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	return a.reject(ctx, msg, cause)
}

// reject sends a failed message back to the queue. In reject-to-bottom mode
// the copy is republished with an incremented retry count before the
// original is acked; otherwise the original is nacked and requeued.
func (a *JSONAdapter) reject(ctx context.Context, msg *models.Message, cause error) error {
	logger := a.logger.WithFields(logrus.Fields{
		"routing_key": msg.RoutingKey,
		"message_id":  msg.ID,
		"retry_count": retry.GetRetryCount(msg),
		"cause":       cause.Error(),
	})

	if !a.rejectToBottom {
		requeue := !errors.Is(cause, ErrMalformedPayload)
		logger.WithField("requeue", requeue).Warn("Nacking message")
		return msg.Nack(ctx, requeue)
	}

	err := a.publisher.Publish(ctx, models.Publishing{
		Exchange:   msg.Exchange,
		RoutingKey: msg.RoutingKey,
		Body:       msg.Body,
		Headers:    retry.NextAttemptHeaders(msg),
	})
	if err != nil {
		logger.WithError(err).Error("Reject to bottom failed, requeueing original")
		return msg.Nack(ctx, true)
	}

	a.metrics.IncRedelivered()
	logger.Warn("Message rejected to bottom of queue")
	return msg.Ack(ctx)
}

// settlement makes sure only the first of complete, fail or timeout acts on
// the delivery.
type settlement struct {
	adapter *JSONAdapter
	timer   *time.Timer

	mu   sync.Mutex
	done bool
}

func (s *settlement) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return true
}

func (s *settlement) Complete(ctx context.Context, msg *models.Message) error {
	if !s.claim() {
		return models.ErrAlreadySettled
	}
	ctx, cancel := settleContext(ctx)
	defer cancel()
	return msg.Ack(ctx)
}

func (s *settlement) Fail(ctx context.Context, msg *models.Message, cause error) error {
	if !s.claim() {
		return models.ErrAlreadySettled
	}
	ctx, cancel := settleContext(ctx)
	defer cancel()
	return s.adapter.reject(ctx, msg, cause)
}

// settleContext keeps ctx values but not its deadline, so a delivery can
// still be settled after its processing deadline passed.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
