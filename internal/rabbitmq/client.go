// Package rabbitmq is the AMQP 0-9-1 transport: manual acks with a bounded
// prefetch for consuming, publisher confirms for producing.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go-listener/internal/broker"
	"go-listener/internal/observability"
	"go-listener/pkg/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var ErrPublishNacked = errors.New("publish nacked by broker")

// Options tune the connection; zero values pick the defaults.
type Options struct {
	Heartbeat      time.Duration
	ConsumerTag    string
	ContentType    string
	PublishTimeout time.Duration
	Logger         *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.ContentType == "" {
		o.ContentType = "application/json"
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(observability.GetLogger())
	}
	return o
}

// NewDialer returns a broker.Dialer for rabbitmq descriptors. Every dial
// opens its own AMQP connection.
func NewDialer(opts Options) broker.Dialer {
	opts = opts.withDefaults()
	return func(ctx context.Context, d broker.Descriptor) (broker.Client, error) {
		c, err := Dial(ctx, d, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Client owns one AMQP connection. Publishing uses a lazily opened channel
// in confirm mode; each subscription gets a channel of its own.
type Client struct {
	conn   *amqp.Connection
	opts   Options
	logger *logrus.Entry

	mu    sync.Mutex
	pubCh *amqp.Channel
}

func Dial(ctx context.Context, d broker.Descriptor, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	conn, err := amqp.DialConfig(d.AMQPURL(), amqp.Config{
		Heartbeat: opts.Heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: 30 * time.Second}
			return dialer.DialContext(ctx, network, addr)
		},
		Properties: amqp.Table{
			"connection_name": "go-listener:" + d.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d%s: %w", d.Host, d.Port, d.VHost, err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"connection": d.Name,
		"host":       d.Host,
		"vhost":      d.VHost,
	}).Info("Connected to RabbitMQ")

	return &Client{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.WithField("connection", d.Name),
	}, nil
}

// Publish waits for the broker confirm; a nack or a closed channel is an error.
func (c *Client) Publish(ctx context.Context, p models.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.publishChannel()
	if err != nil {
		return &broker.TransportError{Op: "publish", Err: err}
	}

	msg := toPublishing(p, c.opts.ContentType)

	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.Exchange, p.RoutingKey, false, false, msg)
	if err != nil {
		c.resetPublishChannel()
		return &broker.TransportError{Op: "publish", Err: err}
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		c.resetPublishChannel()
		return &broker.TransportError{Op: "publish", Err: err}
	}
	if !acked {
		return fmt.Errorf("%w: %s/%s", ErrPublishNacked, p.Exchange, p.RoutingKey)
	}
	return nil
}

// publishChannel is called with c.mu held.
func (c *Client) publishChannel() (*amqp.Channel, error) {
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, nil
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	c.pubCh = ch
	return ch, nil
}

func (c *Client) resetPublishChannel() {
	if c.pubCh != nil {
		c.pubCh.Close()
		c.pubCh = nil
	}
}

// Consume opens a dedicated channel with the given prefetch and manual acks.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int) (broker.Subscription, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &broker.TransportError{Op: "consume", Err: fmt.Errorf("open channel: %w", err)}
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, &broker.TransportError{Op: "consume", Err: fmt.Errorf("set prefetch: %w", err)}
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.ConsumeWithContext(ctx, queue, c.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, &broker.TransportError{Op: "consume", Err: fmt.Errorf("consume %s: %w", queue, err)}
	}

	c.logger.WithFields(logrus.Fields{
		"queue":    queue,
		"prefetch": prefetch,
	}).Info("Consumer subscribed")

	s := newSubscription(ch)
	go s.run(deliveries, closed)
	return s, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.resetPublishChannel()
	c.mu.Unlock()

	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func toPublishing(p models.Publishing, contentType string) amqp.Publishing {
	headers := toTable(p.Headers)
	messageID := p.Headers[models.HeaderMessageID]
	if messageID == "" {
		messageID = uuid.NewString()
		headers[models.HeaderMessageID] = messageID
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         p.Body,
	}
}
