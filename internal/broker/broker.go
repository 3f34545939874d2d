// Package broker defines the transport contracts the listener consumes from
// and produces to, plus the typed registry of named connections.
package broker

import (
	"context"

	"go-listener/pkg/models"
)

// Transport kinds
const (
	KindRabbitMQ = "rabbitmq"
	KindKafka    = "kafka"
	KindMemory   = "memory"
)

// Publisher produces messages. Publish returns only after the broker
// confirmed the message; any error means it may not have been stored.
type Publisher interface {
	Publish(ctx context.Context, p models.Publishing) error
}

// Subscription is a single, non-restartable stream of deliveries.
type Subscription interface {
	// Messages is closed when the subscription terminates.
	Messages() <-chan *models.Message
	// Done is closed when the subscription terminates.
	Done() <-chan struct{}
	// Err reports why the subscription terminated; nil while it is running
	// or when it was closed by the caller.
	Err() error
	Close() error
}

// Client is a connected broker handle.
type Client interface {
	Publisher
	Consume(ctx context.Context, queue string, prefetch int) (Subscription, error)
	Close() error
}

// Dialer opens a client for a connection descriptor.
type Dialer func(ctx context.Context, d Descriptor) (Client, error)
