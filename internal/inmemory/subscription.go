package inmemory

import (
	"context"
	"sync"

	"go-listener/pkg/models"
)

type subscription struct {
	broker   *Broker
	queue    *queue
	prefetch int

	// guarded by broker.mu
	unacked int
	pending map[*envelope]struct{}
	closed  bool
	err     error

	out       chan *models.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Messages() <-chan *models.Message { return s.out }
func (s *subscription) Done() <-chan struct{}            { return s.done }

func (s *subscription) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.terminate(nil)
	return nil
}

// terminate stops delivery and requeues what this consumer still holds.
func (s *subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		b := s.broker
		b.mu.Lock()
		s.closed = true
		s.err = err
		requeued := make([]*envelope, 0, len(s.pending))
		for env := range s.pending {
			requeued = append(requeued, env)
		}
		s.pending = map[*envelope]struct{}{}
		s.queue.unacked -= s.unacked
		s.unacked = 0
		s.queue.ready = append(requeued, s.queue.ready...)
		delete(b.subs, s)
		s.queue.notify()
		b.mu.Unlock()

		close(s.done)
	})
}

func (s *subscription) run() {
	defer close(s.out)

	for {
		env, ok := s.next()
		if !ok {
			return
		}

		p := env.pub
		msg := models.NewMessage(p.Exchange, p.RoutingKey, append([]byte(nil), p.Body...), cloneHeaders(p.Headers), &acker{sub: s, env: env})

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

// next blocks until a message is ready and the prefetch window has room.
func (s *subscription) next() (*envelope, bool) {
	b := s.broker
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return nil, false
		}
		q := s.queue
		if len(q.ready) > 0 && s.unacked < s.prefetch {
			env := q.ready[0]
			q.ready = q.ready[1:]
			s.unacked++
			s.pending[env] = struct{}{}
			q.unacked++
			if q.unacked > q.maxUnacked {
				q.maxUnacked = q.unacked
			}
			b.mu.Unlock()
			return env, true
		}
		wait := q.changed
		b.mu.Unlock()

		select {
		case <-wait:
		case <-s.done:
			return nil, false
		}
	}
}

type acker struct {
	sub *subscription
	env *envelope
}

func (a *acker) Ack(ctx context.Context) error {
	return a.settle(func(q *queue) {
		q.acked++
	})
}

func (a *acker) Nack(ctx context.Context, requeue bool) error {
	return a.settle(func(q *queue) {
		if requeue {
			q.ready = append([]*envelope{a.env}, q.ready...)
			return
		}
		q.dropped = append(q.dropped, a.env.pub)
	})
}

func (a *acker) settle(apply func(q *queue)) error {
	s := a.sub
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := s.pending[a.env]; !ok || s.closed {
		return ErrChannelClosed
	}
	delete(s.pending, a.env)
	s.unacked--
	s.queue.unacked--
	apply(s.queue)
	s.queue.notify()
	return nil
}
