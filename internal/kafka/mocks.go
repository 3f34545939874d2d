package kafka

import (
	"context"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockWriter is a mock implementation of messageWriter for testing
type MockWriter struct {
	mu             sync.RWMutex
	Written        []kafka.Message
	WriteFunc      func(ctx context.Context, msgs ...kafka.Message) error
	CloseFunc      func() error
	FailCount      int
	failureCounter int
}

func NewMockWriter() *MockWriter {
	return &MockWriter{
		Written: make([]kafka.Message, 0),
	}
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, msgs...)
	}

	// Simulate failures for testing retry logic
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated write failure %d", m.failureCounter)
		}
	}

	m.Written = append(m.Written, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockWriter) GetWritten() []kafka.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]kafka.Message, len(m.Written))
	copy(messages, m.Written)
	return messages
}

// MockReader serves queued messages and records commits
type MockReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	committed []kafka.Message
	FetchErr  error
	CommitErr error
	closed    bool
}

func NewMockReader(msgs ...kafka.Message) *MockReader {
	r := &MockReader{queue: make(chan kafka.Message, len(msgs)+16)}
	for _, msg := range msgs {
		r.queue <- msg
	}
	return r
}

// Push makes msg available to the next fetch.
func (m *MockReader) Push(msg kafka.Message) {
	m.queue <- msg
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m.mu.Lock()
	fetchErr := m.FetchErr
	m.mu.Unlock()
	if fetchErr != nil {
		return kafka.Message{}, fetchErr
	}

	select {
	case msg := <-m.queue:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (m *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.committed = append(m.committed, msgs...)
	return nil
}

func (m *MockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockReader) Committed() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kafka.Message, len(m.committed))
	copy(out, m.committed)
	return out
}

func (m *MockReader) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
