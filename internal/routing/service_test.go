package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go-gateway/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func startedConnection(t *testing.T, env *testEnv, id string, conn any) *ConnectorService {
	t.Helper()
	cs, err := env.engine.CreateConnection(context.Background(), id, DefaultPriority, conn)
	require.NoError(t, err)
	require.NoError(t, cs.AddAcceptor(acceptAll()))
	require.NoError(t, cs.Start(context.Background()))
	t.Cleanup(func() { _ = cs.Stop(context.Background()) })
	return cs
}

func TestConnectorService_RedeliveryBound(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	conn.ProcessFunc = func(context.Context, *models.Message) error {
		return errors.New("channel down")
	}
	cs := startedConnection(t, env, "smpp", conn)

	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))

	require.Eventually(t, func() bool {
		return len(env.storedWithStatus(t, models.StatusFailed)) == 1
	}, eventually, 5*time.Millisecond)

	assert.Equal(t, 3, conn.Calls())
	assert.Equal(t, 1, cs.ConsecutiveFailures())
	status := cs.Status()
	assert.Equal(t, HealthFailed, status.Code)
	assert.Equal(t, "1 message(s) have failed.", status.Message)
	assert.Equal(t, int64(2), env.metrics.GetRetried())
}

func TestConnectorService_PermanentErrorIsNotRedelivered(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	conn.ProcessFunc = func(context.Context, *models.Message) error {
		return &PermanentError{Err: errors.New("invalid number")}
	}
	cs := startedConnection(t, env, "smpp", conn)

	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))

	require.Eventually(t, func() bool {
		return len(env.storedWithStatus(t, models.StatusFailed)) == 1
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, 1, conn.Calls())
	assert.Equal(t, 1, cs.ConsecutiveFailures())
}

func TestConnectorService_PanicIsTerminal(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	conn.ProcessFunc = func(context.Context, *models.Message) error {
		panic("nil session")
	}
	startedConnection(t, env, "smpp", conn)

	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))

	require.Eventually(t, func() bool {
		return len(env.storedWithStatus(t, models.StatusFailed)) == 1
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, 1, conn.Calls())
}

func TestConnectorService_Recovery(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	// three failed attempts exhaust the first message, one more fails the
	// first attempt of the second
	conn.FailCount = 4
	cs := startedConnection(t, env, "smpp", conn)

	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
	require.Eventually(t, func() bool { return cs.ConsecutiveFailures() == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, HealthFailed, cs.Status().Code)

	msg := newOutboundMessage()
	require.NoError(t, env.engine.RouteToConnections(context.Background(), msg))

	require.Eventually(t, func() bool {
		return len(env.storedWithStatus(t, models.StatusProcessed)) == 1
	}, eventually, 5*time.Millisecond)

	assert.Equal(t, 5, conn.Calls())
	assert.Equal(t, 0, cs.ConsecutiveFailures())
	assert.Equal(t, HealthOK, cs.Status().Code)

	processed := env.storedWithStatus(t, models.StatusProcessed)
	assert.Equal(t, msg.Reference, processed[0].Reference)
	assert.Equal(t, "smpp", processed[0].Destination)
}

func TestConnectorService_PreProcessingStop(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	cs := startedConnection(t, env, "smpp", conn)

	secondRan := false
	require.NoError(t, cs.AddPreProcessingAction(ActionFunc(func(ctx context.Context, exec Execution, msg *models.Message) error {
		exec.Stop()
		return nil
	})))
	require.NoError(t, cs.AddPreProcessingAction(ActionFunc(func(ctx context.Context, exec Execution, msg *models.Message) error {
		secondRan = true
		return nil
	})))

	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
	time.Sleep(50 * time.Millisecond)

	assert.False(t, secondRan)
	assert.Equal(t, 0, conn.Calls())
	assert.Equal(t, 0, env.store.Len())
}

func TestConnectorService_PreProcessingFailure(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	cs := startedConnection(t, env, "smpp", conn)

	require.NoError(t, cs.AddPreProcessingAction(ActionFunc(func(ctx context.Context, exec Execution, msg *models.Message) error {
		return errors.New("bad encoding")
	})))

	err := env.engine.RouteToConnections(context.Background(), newOutboundMessage())
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "pre-processing", actionErr.Stage)
	assert.Equal(t, 0, actionErr.Index)

	assert.Len(t, env.storedWithStatus(t, models.StatusFailed), 1)
	assert.Equal(t, 0, conn.Calls())
	assert.Equal(t, 0, cs.ConsecutiveFailures())
}

func TestConnectorService_RouteSignalFansOut(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	cs := startedConnection(t, env, "smpp", conn)

	var mu sync.Mutex
	tagged := map[string]int{}

	require.NoError(t, cs.AddPreProcessingAction(ActionFunc(func(ctx context.Context, exec Execution, msg *models.Message) error {
		if msg.PropertyString("copy") == "" {
			c := models.NewMessage()
			c.SetProperty("copy", "yes")
			return exec.Route(ctx, c)
		}
		return nil
	})))
	require.NoError(t, cs.AddPreProcessingAction(ActionFunc(func(ctx context.Context, exec Execution, msg *models.Message) error {
		mu.Lock()
		tagged[msg.Reference]++
		mu.Unlock()
		return nil
	})))

	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))

	require.Eventually(t, func() bool { return len(conn.GetProcessedMessages()) == 2 }, eventually, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, tagged, 2)
	for _, n := range tagged {
		assert.Equal(t, 1, n)
	}
}

func TestConnectorService_PostProcessing(t *testing.T) {
	t.Run("Failure marks message failed", func(t *testing.T) {
		env := newTestEngine(t)
		conn := NewMockConnector()
		cs := startedConnection(t, env, "smpp", conn)
		require.NoError(t, cs.AddPostProcessingAction(ActionFunc(func(context.Context, Execution, *models.Message) error {
			return errors.New("receipt lookup failed")
		})))

		require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
		require.Eventually(t, func() bool {
			return len(env.storedWithStatus(t, models.StatusFailed)) == 1
		}, eventually, 5*time.Millisecond)
		assert.Equal(t, 1, conn.Calls())
		assert.Equal(t, HealthOK, cs.Status().Code)
	})

	t.Run("Stop skips persistence", func(t *testing.T) {
		env := newTestEngine(t)
		conn := NewMockConnector()
		cs := startedConnection(t, env, "smpp", conn)
		require.NoError(t, cs.AddPostProcessingAction(ActionFunc(func(_ context.Context, exec Execution, _ *models.Message) error {
			exec.Stop()
			return nil
		})))

		require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
		require.Eventually(t, func() bool { return conn.Calls() == 1 }, eventually, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, env.store.Len())
	})
}

func TestConnectorService_IdempotentLifecycle(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, conn)
	require.NoError(t, err)

	require.NoError(t, cs.Stop(context.Background()))
	assert.Equal(t, 0, conn.Stops())

	require.NoError(t, cs.Start(context.Background()))
	require.NoError(t, cs.Start(context.Background()))
	assert.Equal(t, 1, conn.Starts())
	assert.Equal(t, StateStarted, cs.State())

	require.NoError(t, cs.Stop(context.Background()))
	require.NoError(t, cs.Stop(context.Background()))
	assert.Equal(t, 1, conn.Stops())
	assert.Equal(t, StateStopped, cs.State())
}

func TestConnectorService_LifecycleFailures(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	conn.StartFunc = func(context.Context) error { return errors.New("bind refused") }
	cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, conn)
	require.NoError(t, err)

	err = cs.Start(context.Background())
	assert.ErrorIs(t, err, ErrLifecycle)
	assert.Contains(t, err.Error(), "bind refused")
	assert.Equal(t, StateStopped, cs.State())

	conn.StartFunc = nil
	conn.StopFunc = func(context.Context) error { return errors.New("unbind timeout") }
	require.NoError(t, cs.Start(context.Background()))

	err = cs.Stop(context.Background())
	assert.ErrorIs(t, err, ErrLifecycle)
	assert.Equal(t, StateStarted, cs.State())

	// workers keep serving after a failed stop
	require.NoError(t, cs.AddAcceptor(acceptAll()))
	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
	require.Eventually(t, func() bool { return conn.Calls() == 1 }, eventually, 5*time.Millisecond)

	conn.StopFunc = nil
	require.NoError(t, cs.Stop(context.Background()))
}

func TestConnectorService_ConcurrencyBound(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	conn.ProcessDelay = 10 * time.Millisecond

	cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, conn)
	require.NoError(t, err)
	require.NoError(t, cs.AddAcceptor(acceptAll()))
	require.NoError(t, cs.SetMaxConcurrentMessages(2))
	require.NoError(t, cs.Start(context.Background()))
	defer cs.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(conn.GetProcessedMessages()) == 10 }, eventually, 5*time.Millisecond)
	assert.LessOrEqual(t, conn.MaxInFlight(), 2)
	assert.GreaterOrEqual(t, conn.MaxInFlight(), 1)
}

func TestConnectorService_QueueWhileStopped(t *testing.T) {
	env := newTestEngine(t)
	conn := NewMockConnector()
	cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, conn)
	require.NoError(t, err)
	require.NoError(t, cs.AddAcceptor(acceptAll()))

	for i := 0; i < 3; i++ {
		require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
	}
	assert.Equal(t, 3, cs.NumQueuedMessages())
	assert.Equal(t, 0, conn.Calls())

	require.NoError(t, cs.Start(context.Background()))
	defer cs.Stop(context.Background())

	require.Eventually(t, func() bool { return len(conn.GetProcessedMessages()) == 3 }, eventually, 5*time.Millisecond)
	assert.Equal(t, 0, cs.NumQueuedMessages())
}

func TestConnectorService_QueueFull(t *testing.T) {
	env := newTestEngine(t, WithQueueSize(1))
	cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, NewMockConnector())
	require.NoError(t, err)
	require.NoError(t, cs.AddAcceptor(acceptAll()))

	require.NoError(t, env.engine.RouteToConnections(context.Background(), newOutboundMessage()))
	err = env.engine.RouteToConnections(context.Background(), newOutboundMessage())
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsSunk(err))
	assert.Len(t, env.storedWithStatus(t, models.StatusFailed), 1)
}

func TestConnectorService_SubmitToNonProcessor(t *testing.T) {
	env := newTestEngine(t)
	cs, err := env.engine.CreateConnection(context.Background(), "listener", 0, &MockReceiver{})
	require.NoError(t, err)
	require.NoError(t, cs.Start(context.Background()))

	err = cs.Submit(context.Background(), newOutboundMessage())
	assert.ErrorIs(t, err, ErrNotProcessor)
	assert.True(t, IsSunk(err))
	assert.Equal(t, 0, cs.NumQueuedMessages())
	assert.Len(t, env.storedWithStatus(t, models.StatusFailed), 1)
}

func TestConnectorService_MonitorableStatus(t *testing.T) {
	tests := []struct {
		name     string
		reported HealthStatus
		failures int
		expected HealthCode
		message  string
	}{
		{
			name:     "Connector status is authoritative",
			reported: FailedStatus("unbound", nil),
			expected: HealthFailed,
			message:  "unbound",
		},
		{
			name:     "Connector OK without failures",
			reported: OKStatus(),
			expected: HealthOK,
		},
		{
			name:     "Connector OK with failures",
			reported: OKStatus(),
			failures: 2,
			expected: HealthFailed,
			message:  "connector reports OK but 2 messages have failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEngine(t)
			conn := NewMockMonitorableConnector(tt.reported)
			cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, conn)
			require.NoError(t, err)

			for i := 0; i < tt.failures; i++ {
				cs.recordFailure(fmt.Errorf("failure %d", i))
			}

			status := cs.Status()
			assert.Equal(t, tt.expected, status.Code)
			assert.Equal(t, tt.message, status.Message)
		})
	}
}

func TestConnectorService_StatusWithoutMonitor(t *testing.T) {
	env := newTestEngine(t)
	cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, NewMockConnector())
	require.NoError(t, err)

	assert.Equal(t, HealthUnknown, cs.Status().Code)
}

func TestConnectorService_ComponentLists(t *testing.T) {
	env := newTestEngine(t)
	cs, err := env.engine.CreateConnection(context.Background(), "smpp", 0, NewMockConnector())
	require.NoError(t, err)

	acc := &staticAcceptor{accept: true}
	require.NoError(t, cs.AddAcceptor(acc))
	assert.Equal(t, 1, acc.configured)

	err = cs.AddAcceptor(acc)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, acc.configured)

	require.NoError(t, cs.RemoveAcceptor(acc))
	assert.Equal(t, 1, acc.destroyed)
	assert.ErrorIs(t, cs.RemoveAcceptor(acc), ErrNotFound)

	assert.ErrorIs(t, cs.AddAcceptor(nil), ErrInvalidArgument)

	action := &countingAction{}
	require.NoError(t, cs.AddPostReceivingAction(action))
	assert.ErrorIs(t, cs.AddPostReceivingAction(action), ErrAlreadyExists)
	require.NoError(t, cs.AddPreProcessingAction(action))
	assert.Len(t, cs.PostReceivingActions(), 1)
	assert.Len(t, cs.PreProcessingActions(), 1)
	assert.Empty(t, cs.PostProcessingActions())
	assert.ErrorIs(t, cs.RemovePostProcessingAction(action), ErrNotFound)

	snapshot := cs.PreProcessingActions()
	snapshot[0] = nil
	assert.NotNil(t, cs.PreProcessingActions()[0])
}

func TestConnectorService_Inbound(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	smpp := NewMockConnector()
	conn, err := env.engine.CreateConnection(ctx, "smpp", 0, smpp)
	require.NoError(t, err)

	appConn := NewMockConnector()
	app, err := env.engine.CreateApplication(ctx, "billing", 0, appConn)
	require.NoError(t, err)
	require.NoError(t, app.AddAcceptor(acceptAll()))

	inbound := &countingAction{}
	require.NoError(t, conn.AddPostReceivingAction(inbound))

	msg := models.NewMessage()
	assert.ErrorIs(t, smpp.Receive(ctx, msg), ErrServiceStopped)

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop(ctx)

	require.NoError(t, smpp.Receive(ctx, msg))
	require.Eventually(t, func() bool { return len(appConn.GetProcessedMessages()) == 1 }, eventually, 5*time.Millisecond)

	got := appConn.GetProcessedMessages()[0]
	assert.Equal(t, "smpp", got.Source)
	assert.Equal(t, "billing", got.Destination)
	assert.Equal(t, models.DirectionToApplications, got.Direction)
	assert.Equal(t, 1, inbound.count())
	assert.Equal(t, ConnectorContext{ID: "smpp", Direction: models.DirectionToConnections}, smpp.ConnectorContext())
}

func TestConnectorService_InboundActionFailure(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	smpp := NewMockConnector()
	conn, err := env.engine.CreateConnection(ctx, "smpp", 0, smpp)
	require.NoError(t, err)
	require.NoError(t, conn.AddPostReceivingAction(ActionFunc(func(context.Context, Execution, *models.Message) error {
		return errors.New("cannot decode")
	})))
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx)

	err = smpp.Receive(ctx, models.NewMessage())
	assert.Error(t, err)

	failed := env.storedWithStatus(t, models.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.DirectionToApplications, failed[0].Direction)
}

func TestConnectorService_Destroy(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	conn := NewMockConnector()
	cs, err := env.engine.CreateConnection(ctx, "smpp", 0, conn)
	require.NoError(t, err)
	acc := &staticAcceptor{accept: true}
	require.NoError(t, cs.AddAcceptor(acc))
	require.NoError(t, env.engine.RouteToConnections(ctx, newOutboundMessage()))
	require.NoError(t, cs.Start(ctx))
	require.Eventually(t, func() bool { return conn.Calls() == 1 }, eventually, 5*time.Millisecond)

	require.NoError(t, cs.Destroy(ctx))
	assert.Equal(t, StateStopped, cs.State())
	assert.Equal(t, 1, acc.destroyed)
	assert.Empty(t, cs.Acceptors())
	assert.ErrorIs(t, cs.Start(ctx), ErrServiceDestroyed)
	assert.ErrorIs(t, cs.Submit(ctx, newOutboundMessage()), ErrServiceDestroyed)
	assert.NoError(t, cs.Destroy(ctx))
}

func TestNormalizeID(t *testing.T) {
	tests := map[string]string{
		"SMPP":           "smpp",
		" My Connector ": "myconnector",
		"tab\tsep\nline": "tabsepline",
		"already-normal": "already-normal",
	}
	for in, expected := range tests {
		assert.Equal(t, expected, normalizeID(in), in)
	}
}

type countingAction struct {
	mu sync.Mutex
	n  int
}

func (a *countingAction) Execute(context.Context, Execution, *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return nil
}

func (a *countingAction) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
