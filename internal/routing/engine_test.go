package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-gateway/internal/store"
	"go-gateway/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(list []*ConnectorService) []string {
	result := make([]string, len(list))
	for i, cs := range list {
		result[i] = cs.ID()
	}
	return result
}

func TestRoutingEngine_SortedSnapshots(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.CreateConnection(ctx, "C", 1500, NewMockConnector())
	require.NoError(t, err)
	_, err = env.engine.CreateConnection(ctx, "A", 0, NewMockConnector())
	require.NoError(t, err)
	_, err = env.engine.CreateConnection(ctx, "B", 1000, NewMockConnector())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, ids(env.engine.Connections()))

	require.NoError(t, env.engine.RemoveConnection(ctx, "b"))
	assert.Equal(t, []string{"a", "c"}, ids(env.engine.Connections()))

	snapshot := env.engine.Connections()
	snapshot[0] = nil
	assert.Equal(t, []string{"a", "c"}, ids(env.engine.Connections()))
	assert.Empty(t, env.engine.Applications())
}

func TestRoutingEngine_PriorityChangeReorders(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	a, err := env.engine.CreateApplication(ctx, "a", 10, NewMockConnector())
	require.NoError(t, err)
	_, err = env.engine.CreateApplication(ctx, "b", 20, NewMockConnector())
	require.NoError(t, err)

	a.SetPriority(30)
	assert.Equal(t, []string{"b", "a"}, ids(env.engine.Applications()))
}

func TestRoutingEngine_CreateValidation(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	cs, err := env.engine.CreateConnection(ctx, " My Conn ", 5, NewMockConnector())
	require.NoError(t, err)
	assert.Equal(t, "myconn", cs.ID())
	assert.Equal(t, 5, cs.Priority())
	assert.Equal(t, DefaultMaxConcurrentMessages, cs.MaxConcurrentMessages())
	assert.Equal(t, StateStopped, cs.State())

	_, err = env.engine.CreateConnection(ctx, "MYCONN", 0, NewMockConnector())
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// the same id may live in both pools
	_, err = env.engine.CreateApplication(ctx, "myconn", 0, NewMockConnector())
	assert.NoError(t, err)

	_, err = env.engine.CreateConnection(ctx, "  ", 0, NewMockConnector())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.engine.CreateConnection(ctx, "nil", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	var typedNil *MockConnector
	_, err = env.engine.CreateConnection(ctx, "typed-nil", 0, typedNil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRoutingEngine_CreateConfiguresConnector(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	conn := &configurableConnector{MockConnector: NewMockConnector()}
	_, err := env.engine.CreateConnection(ctx, "conf", 0, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.configured)

	require.NoError(t, env.engine.RemoveConnection(ctx, "conf"))
	assert.Equal(t, 1, conn.destroyed)

	failing := &configurableConnector{MockConnector: NewMockConnector(), configureErr: errors.New("missing host")}
	_, err = env.engine.CreateConnection(ctx, "broken", 0, failing)
	assert.ErrorContains(t, err, "missing host")
	_, err = env.engine.GetConnection("broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoutingEngine_GetAndRemove(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	created, err := env.engine.CreateApplication(ctx, "Billing", 0, NewMockConnector())
	require.NoError(t, err)

	got, err := env.engine.GetApplication("billing")
	require.NoError(t, err)
	assert.Same(t, created, got)

	_, err = env.engine.GetConnection("billing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, env.engine.RemoveConnection(ctx, "billing"), ErrNotFound)
	require.NoError(t, env.engine.RemoveApplication(ctx, "BILLING"))
	assert.ErrorIs(t, env.engine.RemoveApplication(ctx, "billing"), ErrNotFound)
}

func TestRoutingEngine_StartStopCascade(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	good := NewMockConnector()
	bad := NewMockConnector()
	bad.StartFunc = func(context.Context) error { return errors.New("bind refused") }
	app := NewMockConnector()

	goodCS, err := env.engine.CreateConnection(ctx, "good", 0, good)
	require.NoError(t, err)
	badCS, err := env.engine.CreateConnection(ctx, "bad", 1, bad)
	require.NoError(t, err)
	appCS, err := env.engine.CreateApplication(ctx, "app", 0, app)
	require.NoError(t, err)

	err = env.engine.Start(ctx)
	assert.ErrorIs(t, err, ErrLifecycle)
	assert.Equal(t, StateStarted, env.engine.State())
	assert.Equal(t, StateStarted, goodCS.State())
	assert.Equal(t, StateStopped, badCS.State())
	assert.Equal(t, StateStarted, appCS.State())

	require.NoError(t, env.engine.Start(ctx))
	assert.Equal(t, 1, good.Starts())

	late := NewMockConnector()
	lateCS, err := env.engine.CreateConnection(ctx, "late", 2, late)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, lateCS.State())

	failingLate := NewMockConnector()
	failingLate.StartFunc = func(context.Context) error { return errors.New("no route to host") }
	failingCS, err := env.engine.CreateConnection(ctx, "failing-late", 3, failingLate)
	assert.ErrorIs(t, err, ErrLifecycle)
	require.NotNil(t, failingCS)
	_, err = env.engine.GetConnection("failing-late")
	assert.NoError(t, err)

	require.NoError(t, env.engine.Stop(ctx))
	assert.Equal(t, StateStopped, env.engine.State())
	for _, cs := range append(env.engine.Connections(), env.engine.Applications()...) {
		assert.Equal(t, StateStopped, cs.State(), cs.ID())
	}
	assert.Equal(t, 1, good.Stops())
	assert.Equal(t, 0, bad.Stops())

	require.NoError(t, env.engine.Stop(ctx))
}

func TestRoutingEngine_RetryFailedMessages(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	conn := NewMockConnector()
	cs, err := env.engine.CreateConnection(ctx, "smpp", 0, conn)
	require.NoError(t, err)
	require.NoError(t, cs.AddAcceptor(acceptAll()))

	base := time.Now()
	newer := newOutboundMessage()
	newer.Status = models.StatusFailed
	newer.CreationTime = base.Add(time.Second)
	newer.SetProperty("n", "newer")
	older := newOutboundMessage()
	older.Status = models.StatusFailed
	older.CreationTime = base
	older.SetProperty("n", "older")
	unknown := models.NewMessage()
	unknown.Status = models.StatusFailed
	processed := newOutboundMessage()
	processed.Status = models.StatusProcessed

	for _, m := range []*models.Message{newer, older, unknown, processed} {
		require.NoError(t, env.store.SaveOrUpdate(ctx, m))
	}

	require.NoError(t, env.engine.RetryFailedMessages(ctx))
	assert.Equal(t, 2, cs.NumQueuedMessages())
	assert.Len(t, env.storedWithStatus(t, models.StatusRetrying), 2)
	assert.Equal(t, int64(2), env.metrics.GetRequeued())

	require.NoError(t, cs.Start(ctx))
	defer cs.Stop(ctx)

	require.Eventually(t, func() bool {
		return len(env.storedWithStatus(t, models.StatusProcessed)) == 3
	}, eventually, 5*time.Millisecond)

	got := conn.GetProcessedMessages()
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].PropertyString("n"))
	assert.Equal(t, "newer", got[1].PropertyString("n"))

	failed := env.storedWithStatus(t, models.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, unknown.ID, failed[0].ID)
}

func TestRoutingEngine_RetryFailedMessagesStoreError(t *testing.T) {
	env := newTestEngine(t, WithMessageStore(&failingStore{}))

	err := env.engine.RetryFailedMessages(context.Background())
	assert.ErrorContains(t, err, "list failed messages")
}

func TestRoutingEngine_StoreFailureDegradesToLogging(t *testing.T) {
	env := newTestEngine(t, WithMessageStore(&failingStore{}))

	msg := newOutboundMessage()
	assert.NoError(t, env.engine.RouteToConnections(context.Background(), msg))
	assert.Equal(t, models.StatusUnroutable, msg.Status)
}

func TestRoutingEngine_Settings(t *testing.T) {
	env := newTestEngine(t)

	policy := RedeliveryPolicy{MaxRedeliveries: 5, MaxRedeliveryDelay: time.Second}
	env.engine.SetRedeliveryPolicy(policy)
	assert.Equal(t, policy, env.engine.RedeliveryPolicy())

	s := store.NewMemoryStore()
	env.engine.SetMessageStore(s)
	assert.Same(t, s, env.engine.MessageStore())

	assert.Equal(t, DefaultRedeliveryPolicy(), NewRoutingEngine().RedeliveryPolicy())
	assert.IsType(t, store.NopStore{}, NewRoutingEngine().MessageStore())
}

type configurableConnector struct {
	*MockConnector
	configureErr error
	configured   int
	destroyed    int
}

func (c *configurableConnector) Configure() error {
	c.configured++
	return c.configureErr
}

func (c *configurableConnector) Destroy() error {
	c.destroyed++
	return nil
}

type failingStore struct{}

func (failingStore) SaveOrUpdate(context.Context, *models.Message) error {
	return errors.New("connection refused")
}

func (failingStore) List(context.Context, store.Criteria) ([]*models.Message, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) UpdateStatus(context.Context, store.Criteria, models.Status) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestRoutingEngine_CloseFailsQueuedMessages(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	conn := NewMockConnector()
	cs, err := env.engine.CreateConnection(ctx, "smpp", 0, conn)
	require.NoError(t, err)
	require.NoError(t, cs.AddAcceptor(acceptAll()))

	msg := newOutboundMessage()
	msg.SetStatus(models.StatusFailed)
	require.NoError(t, env.store.SaveOrUpdate(ctx, msg))

	require.NoError(t, env.engine.RetryFailedMessages(ctx))
	require.Equal(t, 1, cs.NumQueuedMessages())
	require.Len(t, env.storedWithStatus(t, models.StatusRetrying), 1)

	require.NoError(t, env.engine.Close(ctx))

	assert.Empty(t, env.storedWithStatus(t, models.StatusRetrying))
	assert.Len(t, env.storedWithStatus(t, models.StatusFailed), 1)
	assert.Empty(t, env.engine.Connections())
	assert.Equal(t, 0, conn.Calls())
}

func TestRoutingEngine_CloseWaitsForInFlightDelivery(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	conn := NewMockConnector()
	conn.ProcessDelay = 50 * time.Millisecond
	cs, err := env.engine.CreateConnection(ctx, "smpp", 0, conn)
	require.NoError(t, err)
	require.NoError(t, cs.AddAcceptor(acceptAll()))
	require.NoError(t, env.engine.Start(ctx))

	require.NoError(t, env.engine.RouteToConnections(ctx, newOutboundMessage()))
	require.Eventually(t, func() bool { return conn.Calls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, env.engine.Close(ctx))
	assert.Equal(t, int64(1), env.metrics.GetProcessed())
	assert.Len(t, env.storedWithStatus(t, models.StatusProcessed), 1)
}
