package models

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Header names written on the wire. They are part of the message format
// shared with producers and replay tooling, so changing one is a breaking
// change.
const (
	HeaderMessageID = "message-id"
	// HeaderRetryCount holds the number of failed processing attempts as a
	// decimal string. A missing or unparsable value counts as zero.
	HeaderRetryCount = "retry-count"
	// HeaderOriginalRoutingKey is set on dead-lettered copies to the routing
	// key the message was first published with, so it can be replayed.
	HeaderOriginalRoutingKey = "original-routing-key"
	HeaderOriginalExchange   = "original-exchange"
	HeaderDeadLetteredAt     = "dead-lettered-at"
)

// DirectExchange is the broker's built-in direct exchange.
const DirectExchange = "amq.direct"

var (
	ErrAlreadySettled = errors.New("message already settled")
	ErrNoAcknowledger = errors.New("message has no acknowledger")
)

// Acknowledger is the broker-side handle that terminates a delivery.
type Acknowledger interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Message represents a delivery received from a queue.
// A message is terminated exactly once, by Ack or Nack.
type Message struct {
	ID         string            `json:"id"`
	Exchange   string            `json:"exchange"`
	RoutingKey string            `json:"routing_key"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Timestamp  time.Time         `json:"timestamp"`

	mu      sync.Mutex
	acker   Acknowledger
	settled chan struct{}
	done    bool
}

// NewMessage builds a delivery bound to the given acknowledger.
func NewMessage(exchange, routingKey string, body []byte, headers map[string]string, acker Acknowledger) *Message {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Message{
		ID:         headers[HeaderMessageID],
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       body,
		Headers:    headers,
		Timestamp:  time.Now(),
		acker:      acker,
		settled:    make(chan struct{}),
	}
}

// Header returns the header value or def when absent.
func (m *Message) Header(name, def string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	return def
}

// CloneHeaders returns a copy of the header set.
func (m *Message) CloneHeaders() map[string]string {
	out := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		out[k] = v
	}
	return out
}

// Ack acknowledges the delivery. It fails with ErrAlreadySettled on a second call.
func (m *Message) Ack(ctx context.Context) error {
	return m.settle(func(a Acknowledger) error { return a.Ack(ctx) })
}

// Nack negatively acknowledges the delivery.
func (m *Message) Nack(ctx context.Context, requeue bool) error {
	return m.settle(func(a Acknowledger) error { return a.Nack(ctx, requeue) })
}

// Settled is closed once the message has been acked or nacked.
func (m *Message) Settled() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.settled
}

// IsSettled reports whether Ack or Nack succeeded.
func (m *Message) IsSettled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Message) settle(fn func(Acknowledger) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if m.done {
		return ErrAlreadySettled
	}
	if m.acker == nil {
		return ErrNoAcknowledger
	}
	if err := fn(m.acker); err != nil {
		return err
	}
	m.done = true
	close(m.settled)
	return nil
}

func (m *Message) init() {
	if m.settled == nil {
		m.settled = make(chan struct{})
	}
}

// Publishing is an outbound message handed to a broker producer.
type Publishing struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}
