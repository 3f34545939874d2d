// Package inmemory is a process-local broker with per-consumer prefetch,
// manual acknowledgment and direct-exchange bindings. It backs the
// "memory" connection kind and the listener's tests.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-listener/internal/broker"
	"go-listener/pkg/models"
)

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrChannelClosed  = errors.New("channel closed")
	ErrUnknownQueue   = errors.New("unknown queue")
)

type bindingKey struct {
	exchange   string
	routingKey string
}

type envelope struct {
	pub models.Publishing
}

type queue struct {
	name       string
	ready      []*envelope
	unacked    int
	maxUnacked int
	acked      int
	dropped    []models.Publishing
	changed    chan struct{}
}

// notify wakes every waiter; callers hold the broker lock.
func (q *queue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Broker is safe for concurrent use.
type Broker struct {
	mu            sync.Mutex
	queues        map[string]*queue
	bindings      map[bindingKey][]string
	subs          map[*subscription]struct{}
	failPublishes int
	published     []models.Publishing
}

func NewBroker() *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		bindings: make(map[bindingKey][]string),
		subs:     make(map[*subscription]struct{}),
	}
}

// DeclareQueue creates the queue if needed. Like the default exchange, a
// queue is reachable with exchange "" and its own name as routing key.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declare(name)
}

func (b *Broker) declare(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, changed: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// Bind routes exchange/routingKey publishes to queue.
func (b *Broker) Bind(queueName, exchange, routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declare(queueName)
	key := bindingKey{exchange: exchange, routingKey: routingKey}
	b.bindings[key] = append(b.bindings[key], queueName)
}

// FailNextPublishes makes the next n publishes return an error.
func (b *Broker) FailNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublishes = n
}

// Disconnect terminates every live subscription with ErrConnectionLost.
// Unacked messages go back to the front of their queue.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.terminate(ErrConnectionLost)
	}
}

func (b *Broker) Publish(ctx context.Context, p models.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPublishes > 0 {
		b.failPublishes--
		return fmt.Errorf("publish to %s/%s not confirmed", p.Exchange, p.RoutingKey)
	}

	p.Body = append([]byte(nil), p.Body...)
	p.Headers = cloneHeaders(p.Headers)
	b.published = append(b.published, p)

	for _, q := range b.route(p.Exchange, p.RoutingKey) {
		q.ready = append(q.ready, &envelope{pub: p})
		q.notify()
	}
	return nil
}

func (b *Broker) route(exchange, routingKey string) []*queue {
	var out []*queue
	if exchange == "" {
		if q, ok := b.queues[routingKey]; ok {
			out = append(out, q)
		}
	}
	for _, name := range b.bindings[bindingKey{exchange: exchange, routingKey: routingKey}] {
		out = append(out, b.queues[name])
	}
	return out
}

// Published returns every confirmed publish in order.
func (b *Broker) Published() []models.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Publishing, len(b.published))
	copy(out, b.published)
	return out
}

// Stats describes one queue.
type Stats struct {
	Ready      int
	Unacked    int
	MaxUnacked int
	Acked      int
	Dropped    int
}

func (b *Broker) Stats(queueName string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return Stats{}
	}
	return Stats{
		Ready:      len(q.ready),
		Unacked:    q.unacked,
		MaxUnacked: q.maxUnacked,
		Acked:      q.acked,
		Dropped:    len(q.dropped),
	}
}

// Dialer returns a broker.Dialer whose clients share this broker.
func (b *Broker) Dialer() broker.Dialer {
	return func(ctx context.Context, d broker.Descriptor) (broker.Client, error) {
		return &Client{broker: b}, nil
	}
}

// Client is one connection to the broker.
type Client struct {
	broker *Broker

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

func (c *Client) Publish(ctx context.Context, p models.Publishing) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return c.broker.Publish(ctx, p)
}

func (c *Client) Consume(ctx context.Context, queueName string, prefetch int) (broker.Subscription, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[queueName]
	if !ok {
		c.broker.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	s := &subscription{
		broker:   c.broker,
		queue:    q,
		prefetch: prefetch,
		pending:  make(map[*envelope]struct{}),
		out:      make(chan *models.Message),
		done:     make(chan struct{}),
	}
	c.broker.subs[s] = struct{}{}
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	go s.run()
	return s, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.terminate(nil)
	}
	return nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
