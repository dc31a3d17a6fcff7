package routing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"go-gateway/pkg/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPriority              = 1000
	DefaultMaxConcurrentMessages = 1
	DefaultQueueSize             = 1000
)

// State is the administrative state of a service or engine.
type State int32

const (
	StateStopped State = iota
	StateStarted
)

func (s State) String() string {
	if s == StateStarted {
		return "STARTED"
	}
	return "STOPPED"
}

// ConnectorService owns a connector together with its acceptors, action lists
// and outbound worker pool.
type ConnectorService struct {
	id        string
	seq       uint64
	connector any
	processor Processor

	pool   *pool
	engine *RoutingEngine
	logger *logrus.Entry

	mu                    sync.RWMutex
	priority              int
	maxConcurrentMessages int
	acceptors             []Acceptor
	preProcessingActions  []Action
	postProcessingActions []Action
	postReceivingActions  []Action

	lifecycleMu sync.Mutex
	state       atomic.Int32
	destroyed   atomic.Bool
	workers     *workerGroup

	queue chan *models.Message

	healthMu            sync.Mutex
	health              HealthStatus
	consecutiveFailures int
}

type workerGroup struct {
	stop chan struct{}
	wg   sync.WaitGroup
}

func newConnectorService(id string, priority int, connector any, p *pool, engine *RoutingEngine) *ConnectorService {
	cs := &ConnectorService{
		id:                    id,
		connector:             connector,
		pool:                  p,
		engine:                engine,
		priority:              priority,
		maxConcurrentMessages: DefaultMaxConcurrentMessages,
		queue:                 make(chan *models.Message, engine.queueSize),
		health:                UnknownStatus(),
	}
	cs.logger = engine.logger.WithFields(logrus.Fields{
		"pool":         p.name,
		"connector_id": id,
	})
	if proc, ok := connector.(Processor); ok {
		cs.processor = proc
	}
	return cs
}

// inject hands the connector the collaborators it declares it needs.
func (s *ConnectorService) inject() {
	if ca, ok := s.connector.(ContextAware); ok {
		ca.SetConnectorContext(ConnectorContext{ID: s.id, Direction: s.pool.direction})
	}
	if sa, ok := s.connector.(StoreAware); ok {
		sa.SetMessageStore(s.engine.MessageStore())
	}
	if r, ok := s.connector.(Receiver); ok {
		r.SetMessageProducer(s)
	}
}

func (s *ConnectorService) ID() string {
	return s.id
}

// Endpoint is the identity the router returns for this service.
func (s *ConnectorService) Endpoint() string {
	return s.pool.name + ":" + s.id
}

func (s *ConnectorService) Connector() any {
	return s.connector
}

func (s *ConnectorService) Direction() models.Direction {
	return s.pool.direction
}

func (s *ConnectorService) Priority() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priority
}

func (s *ConnectorService) SetPriority(priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = priority
}

func (s *ConnectorService) MaxConcurrentMessages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxConcurrentMessages
}

// SetMaxConcurrentMessages takes effect on the next start.
func (s *ConnectorService) SetMaxConcurrentMessages(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max concurrent messages must be positive, got %d", ErrInvalidArgument, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConcurrentMessages = n
	return nil
}

func (s *ConnectorService) State() State {
	return State(s.state.Load())
}

// NumQueuedMessages returns the number of messages waiting for a worker.
func (s *ConnectorService) NumQueuedMessages() int {
	return len(s.queue)
}

// Start starts the connector, then the worker pool. Starting a started
// service is a no-op.
func (s *ConnectorService) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.destroyed.Load() {
		return ErrServiceDestroyed
	}
	if s.State() == StateStarted {
		s.logger.Warn("Connector service is already started")
		return nil
	}

	if sv, ok := s.connector.(Serviceable); ok {
		if err := sv.Start(ctx); err != nil {
			return fmt.Errorf("%w: start connector %q: %w", ErrLifecycle, s.id, err)
		}
	}

	s.startWorkers()
	s.state.Store(int32(StateStarted))
	s.logger.Info("Connector service started")
	return nil
}

// Stop drains in-flight work and stops the connector. If the connector fails
// to stop the service stays started.
func (s *ConnectorService) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.State() == StateStopped {
		s.logger.Warn("Connector service is already stopped")
		return nil
	}

	s.stopWorkers()

	if sv, ok := s.connector.(Serviceable); ok {
		if err := sv.Stop(ctx); err != nil {
			s.startWorkers()
			return fmt.Errorf("%w: stop connector %q: %w", ErrLifecycle, s.id, err)
		}
	}

	s.state.Store(int32(StateStopped))
	s.logger.Info("Connector service stopped")
	return nil
}

// Destroy stops the service and releases the connector, acceptors and actions.
// Queued messages are failed so a later retry pass can pick them up.
func (s *ConnectorService) Destroy(ctx context.Context) error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := s.Stop(ctx); err != nil {
		errs = append(errs, err)
		s.lifecycleMu.Lock()
		s.stopWorkers()
		s.state.Store(int32(StateStopped))
		s.lifecycleMu.Unlock()
	}

	s.drainQueue(ctx)

	s.mu.Lock()
	components := make([]any, 0, len(s.acceptors)+len(s.preProcessingActions)+len(s.postProcessingActions)+len(s.postReceivingActions)+1)
	for _, a := range s.acceptors {
		components = append(components, a)
	}
	for _, lists := range [][]Action{s.preProcessingActions, s.postProcessingActions, s.postReceivingActions} {
		for _, a := range lists {
			components = append(components, a)
		}
	}
	s.acceptors, s.preProcessingActions, s.postProcessingActions, s.postReceivingActions = nil, nil, nil, nil
	s.mu.Unlock()
	components = append(components, s.connector)

	for _, c := range components {
		if err := destroyComponent(c); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("Connector service destroyed")
	return errors.Join(errs...)
}

func (s *ConnectorService) startWorkers() {
	if s.processor == nil {
		return
	}
	n := s.MaxConcurrentMessages()
	g := &workerGroup{stop: make(chan struct{})}
	for i := 0; i < n; i++ {
		g.wg.Add(1)
		go s.worker(i, g)
	}
	s.workers = g
}

func (s *ConnectorService) stopWorkers() {
	if s.workers == nil {
		return
	}
	close(s.workers.stop)
	s.workers.wg.Wait()
	s.workers = nil
}

func (s *ConnectorService) worker(id int, g *workerGroup) {
	defer g.wg.Done()
	s.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		select {
		case <-g.stop:
			return
		case msg := <-s.queue:
			s.deliver(msg)
		}
	}
}

func (s *ConnectorService) drainQueue(ctx context.Context) {
	for {
		select {
		case msg := <-s.queue:
			s.fail(ctx, msg, ErrServiceDestroyed)
		default:
			return
		}
	}
}

// Submit is the outbound entry point used by the router: it stamps the
// destination, runs the pre-processing actions and queues the message.
func (s *ConnectorService) Submit(ctx context.Context, msg *models.Message) error {
	if s.destroyed.Load() {
		s.fail(ctx, msg, ErrServiceDestroyed)
		return &SunkError{Err: ErrServiceDestroyed}
	}
	if s.processor == nil {
		s.fail(ctx, msg, ErrNotProcessor)
		return &SunkError{Err: ErrNotProcessor}
	}

	msg.Destination = s.id
	chain := &actionChain{
		stage:   stagePreProcessing,
		actions: s.PreProcessingActions(),
		next:    s.enqueue,
		fail:    s.fail,
	}
	return chain.run(ctx, msg, 0)
}

func (s *ConnectorService) enqueue(ctx context.Context, msg *models.Message) error {
	select {
	case s.queue <- msg:
		return nil
	default:
		s.fail(ctx, msg, ErrQueueFull)
		return &SunkError{Err: ErrQueueFull}
	}
}

// deliver runs on a worker: process with redelivery, then post-processing.
func (s *ConnectorService) deliver(msg *models.Message) {
	ctx, span := tracer.Start(context.Background(), "connector.process", trace.WithAttributes(
		attribute.String("gateway.connector", s.id),
		attribute.String("gateway.reference", msg.Reference),
	))
	defer span.End()

	msg.SetStatus(models.StatusProcessing)

	policy := s.engine.RedeliveryPolicy()
	attempts, err := policy.deliver(ctx, s.processor, msg, func(attempt int, err error) {
		s.engine.metrics.IncRetried()
		s.logger.WithFields(logrus.Fields{
			"reference": msg.Reference,
			"attempt":   attempt,
		}).WithError(err).Warn("Processing failed, redelivering")
	})
	span.SetAttributes(attribute.Int("gateway.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(err)
		s.fail(ctx, msg, err)
		return
	}
	s.recordSuccess()

	chain := &actionChain{
		stage:   stagePostProcessing,
		actions: s.PostProcessingActions(),
		next:    s.processed,
		fail:    s.fail,
	}
	_ = chain.run(ctx, msg, 0)
}

func (s *ConnectorService) processed(ctx context.Context, msg *models.Message) error {
	s.engine.metrics.IncProcessed()
	s.pool.processed.accept(ctx, msg)
	return nil
}

func (s *ConnectorService) fail(ctx context.Context, msg *models.Message, err error) {
	s.engine.metrics.IncFailed()
	s.logger.WithField("reference", msg.Reference).WithError(err).Error("Message failed")
	s.pool.failed.accept(ctx, msg)
}

// Produce is the inbound entry point handed to receivers.
func (s *ConnectorService) Produce(ctx context.Context, msg *models.Message) error {
	if s.destroyed.Load() {
		return ErrServiceDestroyed
	}
	if s.State() != StateStarted {
		return ErrServiceStopped
	}

	s.engine.metrics.IncReceived()
	msg.Source = s.id
	msg.Direction = s.pool.direction.Inverse()

	chain := &actionChain{
		stage:   stagePostReceiving,
		actions: s.PostReceivingActions(),
		next:    s.pool.router.Dispatch,
		fail:    s.failInbound,
	}
	return chain.run(ctx, msg, 0)
}

// failInbound sends messages failing post-receiving actions to the failed sink
// of the pool they were heading to.
func (s *ConnectorService) failInbound(ctx context.Context, msg *models.Message, err error) {
	s.engine.metrics.IncFailed()
	s.logger.WithField("reference", msg.Reference).WithError(err).Error("Inbound message failed")
	s.pool.router.target.failed.accept(ctx, msg)
}

func (s *ConnectorService) recordSuccess() {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.consecutiveFailures = 0
	s.health = OKStatus()
}

func (s *ConnectorService) recordFailure(err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.consecutiveFailures++
	s.health = FailedStatus(fmt.Sprintf("%d message(s) have failed.", s.consecutiveFailures), err)
}

// ConsecutiveFailures returns the number of messages that failed since the last success.
func (s *ConnectorService) ConsecutiveFailures() int {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.consecutiveFailures
}

// Status reports the connector's own health when it is monitorable, unless
// it claims OK while deliveries keep failing.
func (s *ConnectorService) Status() HealthStatus {
	s.healthMu.Lock()
	own := s.health
	failures := s.consecutiveFailures
	s.healthMu.Unlock()

	m, ok := s.connector.(Monitorable)
	if !ok {
		return own
	}
	reported := m.Status()
	if reported.Code == HealthOK && own.Code == HealthFailed {
		return FailedStatus(fmt.Sprintf("connector reports OK but %d messages have failed", failures), own.Err)
	}
	return reported
}

func (s *ConnectorService) Acceptors() []Acceptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Acceptor(nil), s.acceptors...)
}

func (s *ConnectorService) AddAcceptor(a Acceptor) error {
	return addComponent(&s.mu, &s.acceptors, a, "acceptor")
}

func (s *ConnectorService) RemoveAcceptor(a Acceptor) error {
	return removeComponent(&s.mu, &s.acceptors, a, "acceptor")
}

func (s *ConnectorService) PreProcessingActions() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Action(nil), s.preProcessingActions...)
}

func (s *ConnectorService) AddPreProcessingAction(a Action) error {
	return addComponent(&s.mu, &s.preProcessingActions, a, "pre-processing action")
}

func (s *ConnectorService) RemovePreProcessingAction(a Action) error {
	return removeComponent(&s.mu, &s.preProcessingActions, a, "pre-processing action")
}

func (s *ConnectorService) PostProcessingActions() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Action(nil), s.postProcessingActions...)
}

func (s *ConnectorService) AddPostProcessingAction(a Action) error {
	return addComponent(&s.mu, &s.postProcessingActions, a, "post-processing action")
}

func (s *ConnectorService) RemovePostProcessingAction(a Action) error {
	return removeComponent(&s.mu, &s.postProcessingActions, a, "post-processing action")
}

func (s *ConnectorService) PostReceivingActions() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Action(nil), s.postReceivingActions...)
}

func (s *ConnectorService) AddPostReceivingAction(a Action) error {
	return addComponent(&s.mu, &s.postReceivingActions, a, "post-receiving action")
}

func (s *ConnectorService) RemovePostReceivingAction(a Action) error {
	return removeComponent(&s.mu, &s.postReceivingActions, a, "post-receiving action")
}

// addComponent appends item under mu, configuring it first. Lists are
// replaced, never mutated in place, so snapshots stay valid.
func addComponent[T any](mu *sync.RWMutex, list *[]T, item T, kind string) error {
	if isNil(item) {
		return fmt.Errorf("%w: %s is nil", ErrInvalidArgument, kind)
	}

	mu.Lock()
	defer mu.Unlock()

	for _, existing := range *list {
		if sameComponent(existing, item) {
			return fmt.Errorf("%s %w", kind, ErrAlreadyExists)
		}
	}
	if c, ok := any(item).(Configurable); ok {
		if err := c.Configure(); err != nil {
			return fmt.Errorf("configure %s: %w", kind, err)
		}
	}

	next := make([]T, len(*list), len(*list)+1)
	copy(next, *list)
	*list = append(next, item)
	return nil
}

func removeComponent[T any](mu *sync.RWMutex, list *[]T, item T, kind string) error {
	mu.Lock()
	defer mu.Unlock()

	for i, existing := range *list {
		if !sameComponent(existing, item) {
			continue
		}
		next := make([]T, 0, len(*list)-1)
		next = append(next, (*list)[:i]...)
		next = append(next, (*list)[i+1:]...)
		*list = next
		if err := destroyComponent(existing); err != nil {
			return fmt.Errorf("destroy %s: %w", kind, err)
		}
		return nil
	}
	return fmt.Errorf("%s %w", kind, ErrNotFound)
}

func destroyComponent(c any) error {
	if d, ok := c.(Configurable); ok {
		return d.Destroy()
	}
	return nil
}

// sameComponent compares by equality for comparable values and by identity
// for pointers. Functions never compare equal.
func sameComponent(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return false
	}
	if va.Kind() == reflect.Func {
		return false
	}
	if !va.Type().Comparable() {
		return false
	}
	return a == b
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// normalizeID lower-cases id and strips all whitespace.
func normalizeID(id string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, id)
}
