package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for metrics collection
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	// routing
	IncReceived()
	IncRouted()
	IncUnroutable()
	IncProcessed()
	IncFailed()
	IncRetried()
	IncRequeued()

	// broker connectors
	IncPublished()
	IncPublishFailed()
	IncSentToDLQ()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Received      atomic.Int64
	Routed        atomic.Int64
	Unroutable    atomic.Int64
	Processed     atomic.Int64
	Failed        atomic.Int64
	Retried       atomic.Int64
	Requeued      atomic.Int64
	Published     atomic.Int64
	PublishFailed atomic.Int64
	SentToDLQ     atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncReceived()      { m.Received.Add(1) }
func (m *InMemoryMetrics) IncRouted()        { m.Routed.Add(1) }
func (m *InMemoryMetrics) IncUnroutable()    { m.Unroutable.Add(1) }
func (m *InMemoryMetrics) IncProcessed()     { m.Processed.Add(1) }
func (m *InMemoryMetrics) IncFailed()        { m.Failed.Add(1) }
func (m *InMemoryMetrics) IncRetried()       { m.Retried.Add(1) }
func (m *InMemoryMetrics) IncRequeued()      { m.Requeued.Add(1) }
func (m *InMemoryMetrics) IncPublished()     { m.Published.Add(1) }
func (m *InMemoryMetrics) IncPublishFailed() { m.PublishFailed.Add(1) }
func (m *InMemoryMetrics) IncSentToDLQ()     { m.SentToDLQ.Add(1) }

func (m *InMemoryMetrics) GetReceived() int64      { return m.Received.Load() }
func (m *InMemoryMetrics) GetRouted() int64        { return m.Routed.Load() }
func (m *InMemoryMetrics) GetUnroutable() int64    { return m.Unroutable.Load() }
func (m *InMemoryMetrics) GetProcessed() int64     { return m.Processed.Load() }
func (m *InMemoryMetrics) GetFailed() int64        { return m.Failed.Load() }
func (m *InMemoryMetrics) GetRetried() int64       { return m.Retried.Load() }
func (m *InMemoryMetrics) GetRequeued() int64      { return m.Requeued.Load() }
func (m *InMemoryMetrics) GetPublished() int64     { return m.Published.Load() }
func (m *InMemoryMetrics) GetPublishFailed() int64 { return m.PublishFailed.Load() }
func (m *InMemoryMetrics) GetSentToDLQ() int64     { return m.SentToDLQ.Load() }

// Snapshot returns all counters keyed by name.
func (m *InMemoryMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"received":       m.GetReceived(),
		"routed":         m.GetRouted(),
		"unroutable":     m.GetUnroutable(),
		"processed":      m.GetProcessed(),
		"failed":         m.GetFailed(),
		"retried":        m.GetRetried(),
		"requeued":       m.GetRequeued(),
		"published":      m.GetPublished(),
		"publish_failed": m.GetPublishFailed(),
		"sent_to_dlq":    m.GetSentToDLQ(),
	}
}
