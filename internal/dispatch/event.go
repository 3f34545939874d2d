package dispatch

import (
	"context"
	"time"

	"go-listener/pkg/models"
)

// Settler decides what completing or failing an event does to the
// underlying delivery. Adapters own this policy.
type Settler interface {
	Complete(ctx context.Context, msg *models.Message) error
	Fail(ctx context.Context, msg *models.Message, cause error) error
}

// Event is the domain form of a message produced by an Adapter.
type Event struct {
	Name    string
	Payload map[string]interface{}
	Message *models.Message
	// Timeout bounds routing of the event; zero means no bound.
	Timeout time.Duration

	settler Settler
}

func NewEvent(name string, payload map[string]interface{}, msg *models.Message, settler Settler) *Event {
	return &Event{
		Name:    name,
		Payload: payload,
		Message: msg,
		settler: settler,
	}
}

// Complete reports successful handling; usually this acks the delivery.
func (e *Event) Complete(ctx context.Context) error {
	if e.settler == nil {
		return e.Message.Ack(ctx)
	}
	return e.settler.Complete(ctx, e.Message)
}

// Fail reports failed handling; usually this nacks or requeues the delivery.
func (e *Event) Fail(ctx context.Context, cause error) error {
	if e.settler == nil {
		return e.Message.Nack(ctx, true)
	}
	return e.settler.Fail(ctx, e.Message, cause)
}
