package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-gateway/internal/observability"
	"go-gateway/internal/store"
	"go-gateway/pkg/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("go-gateway/routing")

type engineOpts struct {
	store      store.MessageStore
	redelivery RedeliveryPolicy
	logger     *logrus.Entry
	metrics    observability.MetricsCollector
	queueSize  int
}

type Option func(*engineOpts)

func defaultOpts() engineOpts {
	return engineOpts{
		store:      store.NopStore{},
		redelivery: DefaultRedeliveryPolicy(),
		logger:     observability.WithField("component", "routing"),
		metrics:    observability.NewInMemoryMetrics(),
		queueSize:  DefaultQueueSize,
	}
}

func WithMessageStore(s store.MessageStore) Option {
	return func(o *engineOpts) { o.store = s }
}

func WithRedeliveryPolicy(p RedeliveryPolicy) Option {
	return func(o *engineOpts) { o.redelivery = p }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *engineOpts) { o.logger = l }
}

func WithMetrics(m observability.MetricsCollector) Option {
	return func(o *engineOpts) { o.metrics = m }
}

// WithQueueSize bounds the outbound queue of every connector service.
func WithQueueSize(n int) Option {
	return func(o *engineOpts) { o.queueSize = n }
}

// RoutingEngine owns the connections and applications pools and routes
// traffic between them.
type RoutingEngine struct {
	logger    *logrus.Entry
	metrics   observability.MetricsCollector
	queueSize int

	mu         sync.RWMutex
	store      store.MessageStore
	redelivery RedeliveryPolicy

	lifecycleMu sync.Mutex
	state       State

	connections  *pool
	applications *pool
}

func NewRoutingEngine(opts ...Option) *RoutingEngine {
	o := defaultOpts()
	for _, fn := range opts {
		fn(&o)
	}
	if o.queueSize < 1 {
		o.queueSize = DefaultQueueSize
	}

	e := &RoutingEngine{
		logger:     o.logger,
		metrics:    o.metrics,
		queueSize:  o.queueSize,
		store:      o.store,
		redelivery: o.redelivery,
	}
	e.connections = newPool(e, poolConnections, models.DirectionToConnections)
	e.applications = newPool(e, poolApplications, models.DirectionToApplications)
	e.connections.router = newRouter(e.applications, e.logger, e.metrics)
	e.applications.router = newRouter(e.connections, e.logger, e.metrics)
	return e
}

func (e *RoutingEngine) MessageStore() store.MessageStore {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}

func (e *RoutingEngine) SetMessageStore(s store.MessageStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = s
}

func (e *RoutingEngine) RedeliveryPolicy() RedeliveryPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.redelivery
}

func (e *RoutingEngine) SetRedeliveryPolicy(p RedeliveryPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redelivery = p
}

func (e *RoutingEngine) State() State {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.state
}

// ConnectionsRouter routes messages toward the connections pool.
func (e *RoutingEngine) ConnectionsRouter() *Router {
	return e.applications.router
}

// ApplicationsRouter routes messages toward the applications pool.
func (e *RoutingEngine) ApplicationsRouter() *Router {
	return e.connections.router
}

// RouteToConnections hands a message produced outside any connector to the connections pool.
func (e *RoutingEngine) RouteToConnections(ctx context.Context, msg *models.Message) error {
	msg.Direction = models.DirectionToConnections
	return e.ConnectionsRouter().Dispatch(ctx, msg)
}

// RouteToApplications hands a message produced outside any connector to the applications pool.
func (e *RoutingEngine) RouteToApplications(ctx context.Context, msg *models.Message) error {
	msg.Direction = models.DirectionToApplications
	return e.ApplicationsRouter().Dispatch(ctx, msg)
}

func (e *RoutingEngine) CreateConnection(ctx context.Context, id string, priority int, connector any) (*ConnectorService, error) {
	return e.create(ctx, e.connections, id, priority, connector)
}

func (e *RoutingEngine) CreateApplication(ctx context.Context, id string, priority int, connector any) (*ConnectorService, error) {
	return e.create(ctx, e.applications, id, priority, connector)
}

// create registers a new service. When the engine is started the service is
// started too; a start failure is returned alongside the registered service.
func (e *RoutingEngine) create(ctx context.Context, p *pool, id string, priority int, connector any) (*ConnectorService, error) {
	normalized := normalizeID(id)
	if normalized == "" {
		return nil, fmt.Errorf("%w: connector id is empty", ErrInvalidArgument)
	}
	if isNil(connector) {
		return nil, fmt.Errorf("%w: connector %q is nil", ErrInvalidArgument, normalized)
	}
	if _, ok := p.get(normalized); ok {
		return nil, fmt.Errorf("%s %q %w", p.name, normalized, ErrAlreadyExists)
	}

	cs := newConnectorService(normalized, priority, connector, p, e)
	if c, ok := connector.(Configurable); ok {
		if err := c.Configure(); err != nil {
			return nil, fmt.Errorf("configure connector %q: %w", normalized, err)
		}
	}
	cs.inject()

	if err := p.add(cs); err != nil {
		_ = destroyComponent(connector)
		return nil, fmt.Errorf("%s %q %w", p.name, normalized, err)
	}
	cs.logger.WithField("priority", priority).Info("Connector service created")

	if e.State() == StateStarted {
		if err := cs.Start(ctx); err != nil {
			return cs, err
		}
	}
	return cs, nil
}

func (e *RoutingEngine) RemoveConnection(ctx context.Context, id string) error {
	return e.remove(ctx, e.connections, id)
}

func (e *RoutingEngine) RemoveApplication(ctx context.Context, id string) error {
	return e.remove(ctx, e.applications, id)
}

func (e *RoutingEngine) remove(ctx context.Context, p *pool, id string) error {
	normalized := normalizeID(id)
	cs, ok := p.remove(normalized)
	if !ok {
		return fmt.Errorf("%s %q %w", p.name, normalized, ErrNotFound)
	}
	if err := cs.Destroy(ctx); err != nil {
		cs.logger.WithError(err).Error("Failed to destroy connector service")
		return err
	}
	return nil
}

func (e *RoutingEngine) GetConnection(id string) (*ConnectorService, error) {
	return e.get(e.connections, id)
}

func (e *RoutingEngine) GetApplication(id string) (*ConnectorService, error) {
	return e.get(e.applications, id)
}

func (e *RoutingEngine) get(p *pool, id string) (*ConnectorService, error) {
	normalized := normalizeID(id)
	cs, ok := p.get(normalized)
	if !ok {
		return nil, fmt.Errorf("%s %q %w", p.name, normalized, ErrNotFound)
	}
	return cs, nil
}

// Connections returns a priority-sorted copy of the connections pool.
func (e *RoutingEngine) Connections() []*ConnectorService {
	return e.connections.sorted()
}

// Applications returns a priority-sorted copy of the applications pool.
func (e *RoutingEngine) Applications() []*ConnectorService {
	return e.applications.sorted()
}

// Start starts every connector service. Individual failures are logged and
// joined; the engine is started regardless.
func (e *RoutingEngine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.state == StateStarted {
		e.lifecycleMu.Unlock()
		e.logger.Warn("Routing engine is already started")
		return nil
	}
	e.state = StateStarted
	e.lifecycleMu.Unlock()

	e.logger.Info("Starting routing engine")
	return e.cascade(ctx, "start", (*ConnectorService).Start)
}

// Stop stops every connector service, collecting failures.
func (e *RoutingEngine) Stop(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.state == StateStopped {
		e.lifecycleMu.Unlock()
		e.logger.Warn("Routing engine is already stopped")
		return nil
	}
	e.state = StateStopped
	e.lifecycleMu.Unlock()

	e.logger.Info("Stopping routing engine")
	return e.cascade(ctx, "stop", (*ConnectorService).Stop)
}

// Close stops the engine and destroys every connector service. Messages still
// queued go to the failed sink so none is left RETRYING in the store.
func (e *RoutingEngine) Close(ctx context.Context) error {
	errs := []error{e.Stop(ctx)}
	for _, p := range []*pool{e.connections, e.applications} {
		for _, cs := range p.sorted() {
			if err := e.remove(ctx, p, cs.ID()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *RoutingEngine) cascade(ctx context.Context, op string, fn func(*ConnectorService, context.Context) error) error {
	var errs []error
	for _, p := range []*pool{e.connections, e.applications} {
		for _, cs := range p.sorted() {
			if err := fn(cs, ctx); err != nil {
				cs.logger.WithError(err).Errorf("Failed to %s connector service", op)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RetryFailedMessages re-dispatches every FAILED message, oldest first,
// after flipping it to RETRYING.
func (e *RoutingEngine) RetryFailedMessages(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "engine.retry_failed_messages")
	defer span.End()

	st := e.MessageStore()
	failed, err := st.List(ctx, store.Criteria{
		Statuses: []models.Status{models.StatusFailed},
		OrderBy:  store.OrderByCreationTime,
		Order:    store.Ascending,
	})
	if err != nil {
		return fmt.Errorf("list failed messages: %w", err)
	}
	if len(failed) == 0 {
		return nil
	}
	e.logger.WithField("count", len(failed)).Info("Retrying failed messages")

	for _, msg := range failed {
		var router *Router
		switch msg.Direction {
		case models.DirectionToConnections:
			router = e.ConnectionsRouter()
		case models.DirectionToApplications:
			router = e.ApplicationsRouter()
		default:
			e.logger.WithFields(logrus.Fields{
				"id":        msg.ID,
				"direction": msg.Direction.String(),
			}).Warn("Cannot retry message with unknown direction")
			continue
		}

		msg.SetStatus(models.StatusRetrying)
		if err := st.SaveOrUpdate(ctx, msg); err != nil {
			e.logger.WithField("id", msg.ID).WithError(err).Error("Failed to mark message as retrying")
			continue
		}
		e.metrics.IncRequeued()

		if err := router.Dispatch(ctx, msg); err != nil {
			e.logger.WithField("id", msg.ID).WithError(err).Warn("Retried message failed again")
		}
	}
	return nil
}
