package broker

import (
	"context"
	"fmt"
	"sync"

	"go-listener/pkg/models"
)

// MockPublisher is a mock implementation of Publisher for testing
type MockPublisher struct {
	mu                sync.RWMutex
	PublishedMessages []models.Publishing
	PublishFunc       func(ctx context.Context, p models.Publishing) error
	FailCount         int
	failureCounter    int
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PublishedMessages: make([]models.Publishing, 0),
	}
}

func (m *MockPublisher) Publish(ctx context.Context, p models.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, p); err != nil {
			return err
		}
	}

	// Simulate unconfirmed publishes
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, p)
	return nil
}

func (m *MockPublisher) GetPublishedMessages() []models.Publishing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]models.Publishing, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]models.Publishing, 0)
	m.failureCounter = 0
}

// MockAcknowledger records acks and nacks for a single delivery
type MockAcknowledger struct {
	mu       sync.Mutex
	AckErr   error
	NackErr  error
	acks     int
	nacks    int
	requeued bool
}

func NewMockAcknowledger() *MockAcknowledger {
	return &MockAcknowledger{}
}

func (m *MockAcknowledger) Ack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.acks++
	return nil
}

func (m *MockAcknowledger) Nack(ctx context.Context, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NackErr != nil {
		return m.NackErr
	}
	m.nacks++
	m.requeued = requeue
	return nil
}

func (m *MockAcknowledger) Acks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

func (m *MockAcknowledger) Nacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nacks
}

func (m *MockAcknowledger) Requeued() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeued
}
