package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-listener/internal/broker"
	"go-listener/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageReader is the subset of *kafka.Reader a subscription needs
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// subscription fetches at most prefetch uncommitted messages at a time.
// Ack commits the offset; Nack with requeue re-produces the message to the
// end of its topic before committing; Nack without requeue only commits.
type subscription struct {
	reader    messageReader
	publisher broker.Publisher
	logger    *zap.Logger
	slots     chan struct{}

	out       chan *models.Message
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription(reader messageReader, publisher broker.Publisher, prefetch int, logger *zap.Logger) *subscription {
	if prefetch < 1 {
		prefetch = 1
	}
	return &subscription{
		reader:    reader,
		publisher: publisher,
		logger:    logger,
		slots:     make(chan struct{}, prefetch),
		out:       make(chan *models.Message),
		done:      make(chan struct{}),
	}
}

func (s *subscription) Messages() <-chan *models.Message { return s.out }
func (s *subscription) Done() <-chan struct{}            { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.finish(nil)
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}

func (s *subscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}

func (s *subscription) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.fetcher(ctx)
}

// fetcher reads the next message once a prefetch slot is free
func (s *subscription) fetcher(ctx context.Context) {
	defer close(s.out)

	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.done:
			return
		}

		km, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				s.finish(nil)
				return
			}
			s.logger.Error("Failed to fetch message", zap.Error(err))
			s.finish(err)
			return
		}

		msg := s.toMessage(km)
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) release() {
	select {
	case <-s.slots:
	default:
	}
}

func (s *subscription) toMessage(km kafka.Message) *models.Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}

	msg := models.NewMessage("", km.Topic, km.Value, headers, &acker{sub: s, msg: km})
	if msg.ID == "" {
		msg.ID = string(km.Key)
	}
	if !km.Time.IsZero() {
		msg.Timestamp = km.Time
	}
	return msg
}

type acker struct {
	sub *subscription
	msg kafka.Message
}

func (a *acker) Ack(ctx context.Context) error {
	return a.commit(ctx)
}

func (a *acker) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		headers := make(map[string]string, len(a.msg.Headers))
		for _, h := range a.msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		err := a.sub.publisher.Publish(ctx, models.Publishing{
			RoutingKey: a.msg.Topic,
			Body:       a.msg.Value,
			Headers:    headers,
		})
		if err != nil {
			return fmt.Errorf("requeue to %s: %w", a.msg.Topic, err)
		}
	}
	return a.commit(ctx)
}

func (a *acker) commit(ctx context.Context) error {
	if err := a.sub.reader.CommitMessages(ctx, a.msg); err != nil {
		a.sub.logger.Error("Failed to commit message",
			zap.String("topic", a.msg.Topic),
			zap.Int("partition", a.msg.Partition),
			zap.Int64("offset", a.msg.Offset),
			zap.Error(err),
		)
		return err
	}
	a.sub.release()
	return nil
}
