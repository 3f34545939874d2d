package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-listener/internal/dispatch"
	"go-listener/internal/observability"
	"go-listener/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DedupeStore provides interface for message deduplication
type DedupeStore interface {
	Exists(ctx context.Context, messageID string) (bool, error)
	Add(ctx context.Context, messageID string) error
}

// InMemoryDedupeStore is a simple in-memory implementation
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

func NewInMemoryDedupeStore(ttl time.Duration) *InMemoryDedupeStore {
	store := &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go store.cleanup(time.Minute)
	return store
}

func (s *InMemoryDedupeStore) Exists(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[messageID]
	return exists && time.Now().Before(expiry), nil
}

func (s *InMemoryDedupeStore) Add(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[messageID] = time.Now().Add(s.ttl)
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *InMemoryDedupeStore) Close() {
	s.once.Do(func() { close(s.stop) })
}


func (s *InMemoryDedupeStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, expiry := range s.store {
				if now.After(expiry) {
					delete(s.store, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// RedisDedupeStore shares seen message IDs between listener instances.
type RedisDedupeStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDedupeStore(client *redis.Client, prefix string, ttl time.Duration) *RedisDedupeStore {
	if prefix == "" {
		prefix = "listener:dedupe:"
	}
	return &RedisDedupeStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisDedupeStore) key(messageID string) string {
	return s.prefix + messageID
}

func (s *RedisDedupeStore) Exists(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisDedupeStore) Add(ctx context.Context, messageID string) error {
	if err := s.client.SetNX(ctx, s.key(messageID), time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

// Dedupe acks and skips messages whose ID was already routed successfully.
type Dedupe struct {
	store   DedupeStore
	logger  *logrus.Entry
	metrics observability.MetricsCollector
}

func NewDedupe(store DedupeStore, logger *logrus.Entry, metrics observability.MetricsCollector) *Dedupe {
	return &Dedupe{store: store, logger: logger, metrics: metrics}
}

// Close stops the store's background work, if it has any.
func (d *Dedupe) Close() {
	if c, ok := d.store.(interface{ Close() }); ok {
		c.Close()
	}
}

func (d *Dedupe) BeforeAdapt(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		return nil
	}

	seen, err := d.store.Exists(ctx, msg.ID)
	if err != nil {
		// An unavailable store must not block processing.
		d.logger.WithError(err).Warn("Dedupe lookup failed, processing message")
		return nil
	}
	if !seen {
		return nil
	}

	d.logger.WithField("message_id", msg.ID).Info("Duplicate message detected, skipping")
	if err := msg.Ack(ctx); err != nil {
		return fmt.Errorf("ack duplicate: %w", err)
	}
	d.metrics.IncSkipped()
	return dispatch.ErrSkip
}

func (d *Dedupe) AfterRoute(ctx context.Context, ev *dispatch.Event, routeErr error) {
	if routeErr != nil || ev.Message.ID == "" {
		return
	}
	if err := d.store.Add(ctx, ev.Message.ID); err != nil {
		d.logger.WithError(err).WithField("message_id", ev.Message.ID).Warn("Failed to record message id")
	}
}
