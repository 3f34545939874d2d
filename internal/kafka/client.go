// Package kafka maps the listener's queue contract onto Kafka: a queue is a
// topic read by a consumer group, acking commits the offset.
package kafka

import (
	"context"
	"fmt"
	"time"

	"go-listener/internal/broker"
	"go-listener/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Options tune the transport; zero values pick the defaults.
type Options struct {
	Logger        *zap.Logger
	FetchMinBytes int
	FetchMaxBytes int
	MaxRetries    int
	BaseBackoff   time.Duration
}

// Client connects to one Kafka cluster.
type Client struct {
	brokers  []string
	groupID  string
	opts     Options
	logger   *zap.Logger
	producer *Producer
}

// NewDialer returns a broker.Dialer for kafka descriptors.
func NewDialer(opts Options) broker.Dialer {
	return func(ctx context.Context, d broker.Descriptor) (broker.Client, error) {
		c, err := Dial(ctx, d, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Dial verifies that the cluster is reachable before returning a client.
func Dial(ctx context.Context, d broker.Descriptor, opts Options) (*Client, error) {
	c := newClient(d, opts)
	if err := c.HealthCheck(ctx); err != nil {
		c.producer.Close()
		return nil, err
	}
	c.logger.Info("Connected to Kafka", zap.Strings("brokers", c.brokers))
	return c, nil
}

func newClient(d broker.Descriptor, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FetchMinBytes == 0 {
		opts.FetchMinBytes = 1
	}
	if opts.FetchMaxBytes == 0 {
		opts.FetchMaxBytes = 10 << 20
	}
	groupID := d.GroupID
	if groupID == "" {
		groupID = "go-listener"
	}

	logger := opts.Logger.With(zap.String("connection", d.Name))
	brokers := d.BrokerAddrs()
	return &Client{
		brokers: brokers,
		groupID: groupID,
		opts:    opts,
		logger:  logger,
		producer: NewProducer(ProducerConfig{
			Brokers:     brokers,
			MaxRetries:  opts.MaxRetries,
			BaseBackoff: opts.BaseBackoff,
			Logger:      logger,
		}),
	}
}

// HealthCheck verifies connectivity to the first broker
func (c *Client) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read partitions: %w", err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, p models.Publishing) error {
	if err := c.producer.Publish(ctx, p); err != nil {
		return &broker.TransportError{Op: "publish", Err: err}
	}
	return nil
}

// Consume reads the topic named queue with manual commits.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int) (broker.Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		Topic:          queue,
		GroupID:        c.groupID,
		MinBytes:       c.opts.FetchMinBytes,
		MaxBytes:       c.opts.FetchMaxBytes,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	c.logger.Info("Consumer subscribed",
		zap.String("topic", queue),
		zap.String("group_id", c.groupID),
		zap.Int("prefetch", prefetch),
	)

	s := newSubscription(reader, c, prefetch, c.logger.With(zap.String("topic", queue)))
	s.start(ctx)
	return s, nil
}

func (c *Client) Close() error {
	return c.producer.Close()
}
