package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for metrics collection
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	IncReceived()
	IncDispatched()
	IncDispatchFailed()
	IncSentToDLQ()
	IncDeadLetterFailed()
	IncRedelivered()
	IncSkipped()
	IncReconnects()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Received         atomic.Int64
	Dispatched       atomic.Int64
	DispatchFailed   atomic.Int64
	SentToDLQ        atomic.Int64
	DeadLetterFailed atomic.Int64
	Redelivered      atomic.Int64
	Skipped          atomic.Int64
	Reconnects       atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncDispatched() {
	m.Dispatched.Add(1)
}

func (m *InMemoryMetrics) IncDispatchFailed() {
	m.DispatchFailed.Add(1)
}

func (m *InMemoryMetrics) IncSentToDLQ() {
	m.SentToDLQ.Add(1)
}

func (m *InMemoryMetrics) IncDeadLetterFailed() {
	m.DeadLetterFailed.Add(1)
}

func (m *InMemoryMetrics) IncRedelivered() {
	m.Redelivered.Add(1)
}

func (m *InMemoryMetrics) IncSkipped() {
	m.Skipped.Add(1)
}

func (m *InMemoryMetrics) IncReconnects() {
	m.Reconnects.Add(1)
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetDispatched() int64 {
	return m.Dispatched.Load()
}

func (m *InMemoryMetrics) GetDispatchFailed() int64 {
	return m.DispatchFailed.Load()
}

func (m *InMemoryMetrics) GetSentToDLQ() int64 {
	return m.SentToDLQ.Load()
}

func (m *InMemoryMetrics) GetDeadLetterFailed() int64 {
	return m.DeadLetterFailed.Load()
}

func (m *InMemoryMetrics) GetRedelivered() int64 {
	return m.Redelivered.Load()
}

func (m *InMemoryMetrics) GetSkipped() int64 {
	return m.Skipped.Load()
}

func (m *InMemoryMetrics) GetReconnects() int64 {
	return m.Reconnects.Load()
}

// Snapshot returns the counters as log fields.
func (m *InMemoryMetrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"received":           m.GetReceived(),
		"dispatched":         m.GetDispatched(),
		"dispatch_failed":    m.GetDispatchFailed(),
		"dead_lettered":      m.GetSentToDLQ(),
		"dead_letter_failed": m.GetDeadLetterFailed(),
		"redelivered":        m.GetRedelivered(),
		"skipped":            m.GetSkipped(),
		"reconnects":         m.GetReconnects(),
	}
}
