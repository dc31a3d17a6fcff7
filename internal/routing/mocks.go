package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-gateway/pkg/models"
)

// MockConnector is a configurable connector for testing. It processes,
// receives and can be started and stopped.
type MockConnector struct {
	mu           sync.Mutex
	ProcessFunc  func(ctx context.Context, msg *models.Message) error
	SupportsFunc func(msg *models.Message) bool
	StartFunc    func(ctx context.Context) error
	StopFunc     func(ctx context.Context) error
	FailCount    int
	ProcessDelay time.Duration

	processed   []*models.Message
	calls       int
	starts      int
	stops       int
	inFlight    int
	maxInFlight int
	producer    MessageProducer
	cc          ConnectorContext
}

func NewMockConnector() *MockConnector {
	return &MockConnector{}
}

func (m *MockConnector) Process(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	fn := m.ProcessFunc
	delay := m.ProcessDelay
	failCount := m.FailCount
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fn != nil {
		if err := fn(ctx, msg); err != nil {
			return err
		}
	} else if call <= failCount {
		return fmt.Errorf("simulated process failure %d", call)
	}

	m.mu.Lock()
	m.processed = append(m.processed, msg.Clone())
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) Supports(msg *models.Message) bool {
	if m.SupportsFunc != nil {
		return m.SupportsFunc(msg)
	}
	return true
}

func (m *MockConnector) Start(ctx context.Context) error {
	m.mu.Lock()
	m.starts++
	m.mu.Unlock()
	if m.StartFunc != nil {
		return m.StartFunc(ctx)
	}
	return nil
}

func (m *MockConnector) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	if m.StopFunc != nil {
		return m.StopFunc(ctx)
	}
	return nil
}

func (m *MockConnector) SetMessageProducer(p MessageProducer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producer = p
}

func (m *MockConnector) SetConnectorContext(cc ConnectorContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cc = cc
}

// Receive pushes msg into the engine as if it had arrived from the channel.
func (m *MockConnector) Receive(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	p := m.producer
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no message producer set")
	}
	return p.Produce(ctx, msg)
}

func (m *MockConnector) ConnectorContext() ConnectorContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cc
}

func (m *MockConnector) GetProcessedMessages() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Message(nil), m.processed...)
}

func (m *MockConnector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockConnector) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *MockConnector) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// MaxInFlight is the highest number of concurrent Process calls observed.
func (m *MockConnector) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// MockMonitorableConnector adds a reported health status.
type MockMonitorableConnector struct {
	*MockConnector
	mu     sync.Mutex
	status HealthStatus
}

func NewMockMonitorableConnector(status HealthStatus) *MockMonitorableConnector {
	return &MockMonitorableConnector{MockConnector: NewMockConnector(), status: status}
}

func (m *MockMonitorableConnector) Status() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockMonitorableConnector) SetStatus(s HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// MockReceiver only receives; it cannot process outbound messages.
type MockReceiver struct {
	mu       sync.Mutex
	producer MessageProducer
}

func (r *MockReceiver) SetMessageProducer(p MessageProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producer = p
}

func (r *MockReceiver) Receive(ctx context.Context, msg *models.Message) error {
	r.mu.Lock()
	p := r.producer
	r.mu.Unlock()
	return p.Produce(ctx, msg)
}
