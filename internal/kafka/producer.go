package kafka

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go-listener/pkg/models"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the subset of *kafka.Writer the producer needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes synchronously with acks from all in-sync replicas, so
// a nil error is the broker's confirmation.
type Producer struct {
	writer      messageWriter
	logger      *zap.Logger
	maxRetries  int
	baseBackoff time.Duration
}

type ProducerConfig struct {
	Brokers     []string
	MaxRetries  int
	BaseBackoff time.Duration
	Logger      *zap.Logger
}

func NewProducer(cfg ProducerConfig) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            10,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}
	return newProducer(writer, cfg)
}

func newProducer(writer messageWriter, cfg ProducerConfig) *Producer {
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Producer{
		writer:      writer,
		logger:      cfg.Logger,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
}

// TopicFor maps a routing key such as "/failed-message" to a topic name.
func TopicFor(routingKey string) string {
	return strings.ReplaceAll(strings.TrimPrefix(routingKey, "/"), "/", ".")
}

// Publish sends pub to the topic derived from its routing key, retrying with
// exponential backoff. Kafka has no exchanges; pub.Exchange is ignored.
func (p *Producer) Publish(ctx context.Context, pub models.Publishing) error {
	msg := toKafkaMessage(pub)
	topic := msg.Topic

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(
				float64(p.baseBackoff)*math.Pow(2, float64(attempt-1)),
				float64(5*time.Second),
			))

			p.logger.Info("Retrying message publish",
				zap.String("topic", topic),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.logger.Debug("Message published",
				zap.String("topic", topic),
				zap.ByteString("key", msg.Key),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}

		lastErr = err
		p.logger.Warn("Failed to publish message",
			zap.String("topic", topic),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", p.maxRetries+1, lastErr)
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func toKafkaMessage(pub models.Publishing) kafka.Message {
	id := pub.Headers[models.HeaderMessageID]
	if id == "" {
		id = uuid.NewString()
	}

	headers := make([]kafka.Header, 0, len(pub.Headers)+1)
	for k, v := range pub.Headers {
		if k == models.HeaderMessageID {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{Key: models.HeaderMessageID, Value: []byte(id)})

	return kafka.Message{
		Topic:   TopicFor(pub.RoutingKey),
		Key:     []byte(id),
		Value:   pub.Body,
		Headers: headers,
		Time:    time.Now(),
	}
}
