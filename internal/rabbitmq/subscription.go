package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go-listener/internal/broker"
	"go-listener/pkg/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

type subscription struct {
	ch *amqp.Channel

	out       chan *models.Message
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription(ch *amqp.Channel) *subscription {
	return &subscription{
		ch:   ch,
		out:  make(chan *models.Message),
		done: make(chan struct{}),
	}
}

func (s *subscription) Messages() <-chan *models.Message { return s.out }
func (s *subscription) Done() <-chan struct{}            { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription; unacked deliveries return to the queue when
// the channel closes.
func (s *subscription) Close() error {
	s.finish(nil)
	if s.ch.IsClosed() {
		return nil
	}
	return s.ch.Close()
}

func (s *subscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) run(deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer close(s.out)

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				s.finish(closeReason(closed))
				return
			}
			msg := toMessage(d)
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				s.finish(amqpErr)
			} else {
				s.finish(broker.ErrSubscriptionClosed)
			}
			return
		case <-s.done:
			return
		}
	}
}

func closeReason(closed <-chan *amqp.Error) error {
	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			return amqpErr
		}
	case <-time.After(100 * time.Millisecond):
	}
	return broker.ErrSubscriptionClosed
}

type acker struct {
	delivery amqp.Delivery
}

func (a *acker) Ack(ctx context.Context) error {
	return a.delivery.Ack(false)
}

func (a *acker) Nack(ctx context.Context, requeue bool) error {
	return a.delivery.Nack(false, requeue)
}

func toMessage(d amqp.Delivery) *models.Message {
	msg := models.NewMessage(d.Exchange, d.RoutingKey, d.Body, fromTable(d.Headers), &acker{delivery: d})
	if msg.ID == "" {
		msg.ID = d.MessageId
	}
	if !d.Timestamp.IsZero() {
		msg.Timestamp = d.Timestamp
	}
	return msg
}

// fromTable flattens AMQP header values to strings.
func fromTable(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		case int8:
			out[k] = strconv.FormatInt(int64(val), 10)
		case int16:
			out[k] = strconv.FormatInt(int64(val), 10)
		case int32:
			out[k] = strconv.FormatInt(int64(val), 10)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case int:
			out[k] = strconv.Itoa(val)
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func toTable(h map[string]string) amqp.Table {
	t := make(amqp.Table, len(h)+1)
	for k, v := range h {
		t[k] = v
	}
	return t
}
