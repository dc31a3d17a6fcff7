package routing

import (
	"context"
	"io"
	"testing"
	"time"

	"go-gateway/internal/observability"
	"go-gateway/internal/store"
	"go-gateway/pkg/models"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type testEnv struct {
	engine  *RoutingEngine
	store   *store.MemoryStore
	metrics *observability.InMemoryMetrics
}

func newTestEngine(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		metrics: observability.NewInMemoryMetrics(),
	}
	base := []Option{
		WithMessageStore(env.store),
		WithMetrics(env.metrics),
		WithLogger(quietLogger()),
		WithRedeliveryPolicy(RedeliveryPolicy{MaxRedeliveries: 3, MaxRedeliveryDelay: time.Millisecond}),
	}
	env.engine = NewRoutingEngine(append(base, opts...)...)
	return env
}

// storedWithStatus lists persisted messages in the given status.
func (e *testEnv) storedWithStatus(t *testing.T, status models.Status) []*models.Message {
	t.Helper()
	list, err := e.store.List(context.Background(), store.Criteria{Statuses: []models.Status{status}})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return list
}

func acceptAll() Acceptor {
	return AcceptorFunc(func(msg *models.Message) (bool, error) { return true, nil })
}

func acceptNone() Acceptor {
	return AcceptorFunc(func(msg *models.Message) (bool, error) { return false, nil })
}

func newOutboundMessage() *models.Message {
	msg := models.NewMessage()
	msg.Direction = models.DirectionToConnections
	return msg
}

type staticAcceptor struct {
	accept     bool
	configured int
	destroyed  int
}

func (a *staticAcceptor) Accepts(*models.Message) (bool, error) { return a.accept, nil }
func (a *staticAcceptor) Configure() error                      { a.configured++; return nil }
func (a *staticAcceptor) Destroy() error                        { a.destroyed++; return nil }
