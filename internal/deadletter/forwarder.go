package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-listener/internal/broker"
	"go-listener/internal/observability"
	"go-listener/internal/retry"
	"go-listener/pkg/models"

	"github.com/sirupsen/logrus"
)

var ErrPublishUnconfirmed = errors.New("dead-letter publish was not confirmed")

// Forwarder moves exhausted messages to the dead-letter routing key.
type Forwarder struct {
	publisher broker.Publisher
	exchange  string
	logger    *logrus.Entry
	metrics   observability.MetricsCollector
}

type Config struct {
	Exchange string
	Logger   *logrus.Entry
	Metrics  observability.MetricsCollector
}

func NewForwarder(publisher broker.Publisher, cfg Config) *Forwarder {
	if cfg.Exchange == "" {
		cfg.Exchange = models.DirectExchange
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(observability.GetLogger())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	return &Forwarder{
		publisher: publisher,
		exchange:  cfg.Exchange,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Forward republishes msg to routingKey and acks the original only once the
// broker confirmed the copy. On any publish failure the original stays
// un-acked so the broker can redeliver it.
func (f *Forwarder) Forward(ctx context.Context, msg *models.Message, routingKey string) error {
	retry.MarkFailedRoute(msg)

	headers := msg.CloneHeaders()
	headers[models.HeaderDeadLetteredAt] = time.Now().UTC().Format(time.RFC3339)

	logger := f.logger.WithFields(logrus.Fields{
		"routing_key":  msg.RoutingKey,
		"destination":  routingKey,
		"message_id":   msg.ID,
		"retry_count":  retry.GetRetryCount(msg),
		"dlq_exchange": f.exchange,
	})

	err := f.publisher.Publish(ctx, models.Publishing{
		Exchange:   f.exchange,
		RoutingKey: routingKey,
		Body:       msg.Body,
		Headers:    headers,
	})
	if err != nil {
		f.metrics.IncDeadLetterFailed()
		logger.WithError(err).Error("Failed to send message to dead-letter destination")
		return fmt.Errorf("%w: %w", ErrPublishUnconfirmed, err)
	}

	if err := msg.Ack(ctx); err != nil {
		f.metrics.IncDeadLetterFailed()
		logger.WithError(err).Error("Dead-lettered copy confirmed but original ack failed")
		return &broker.TransportError{Op: "ack", Err: err}
	}

	f.metrics.IncSentToDLQ()
	logger.Infof("Message %s was sent to %s", msg.RoutingKey, routingKey)
	return nil
}
