package kafka

import (
	"context"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockPublisher records published records for testing.
type MockPublisher struct {
	mu                sync.RWMutex
	PublishedMessages []PublishedMessage
	PublishFunc       func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	FailCount         int
	failureCounter    int
}

type PublishedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, key, value, headers)
	}
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
	return nil
}

func (m *MockPublisher) GetPublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PublishedMessage(nil), m.PublishedMessages...)
}

// MockWriter stands in for *kafka.Writer.
type MockWriter struct {
	mu        sync.Mutex
	FailCount int
	written   []kafka.Message
	attempts  int
	closed    bool
}

func (w *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.attempts <= w.FailCount {
		return fmt.Errorf("simulated write failure %d", w.attempts)
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *MockWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *MockWriter) Written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.written...)
}

func (w *MockWriter) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

func (w *MockWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// MockReader feeds records pushed with Push and records commits.
type MockReader struct {
	records chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func NewMockReader() *MockReader {
	return &MockReader{records: make(chan kafka.Message, 100)}
}

func (r *MockReader) Push(records ...kafka.Message) {
	for _, rec := range records {
		r.records <- rec
	}
}

func (r *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case rec := <-r.records:
		return rec, nil
	}
}

func (r *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *MockReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MockReader) Committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

func (r *MockReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// MockDedupeStore is a map-backed DedupeStore.
type MockDedupeStore struct {
	mu          sync.RWMutex
	ExistsErr   error
	existingIDs map[string]bool
}

func NewMockDedupeStore() *MockDedupeStore {
	return &MockDedupeStore{existingIDs: make(map[string]bool)}
}

func (m *MockDedupeStore) Exists(_ context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ExistsErr != nil {
		return false, m.ExistsErr
	}
	return m.existingIDs[messageID], nil
}

func (m *MockDedupeStore) Add(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingIDs[messageID] = true
	return nil
}
