package broker

import (
	"context"
	"sync"

	"go-listener/pkg/models"
)

// SwappablePublisher forwards to the producer of the current session. The
// consumption loop swaps it on every reconnect so collaborators built once
// at startup keep publishing on a live connection.
type SwappablePublisher struct {
	mu      sync.RWMutex
	current Publisher
}

func NewSwappablePublisher() *SwappablePublisher {
	return &SwappablePublisher{}
}

// Swap installs p; nil detaches the publisher.
func (s *SwappablePublisher) Swap(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = p
}

func (s *SwappablePublisher) Publish(ctx context.Context, p models.Publishing) error {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()

	if current == nil {
		return &TransportError{Op: "publish", Err: ErrNotConnected}
	}
	return current.Publish(ctx, p)
}
