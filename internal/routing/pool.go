package routing

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go-gateway/internal/store"
	"go-gateway/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	poolConnections  = "connections"
	poolApplications = "applications"
)

// sink is a terminal destination that persists messages with a fixed status.
type sink struct {
	name   string
	status models.Status
	engine *RoutingEngine
	logger *logrus.Entry
}

// accept never fails; store errors degrade to logging.
func (k *sink) accept(ctx context.Context, msg *models.Message) {
	msg.SetStatus(k.status)

	st := k.engine.MessageStore()
	if err := st.SaveOrUpdate(ctx, msg); err != nil {
		entry := k.logger.WithFields(logrus.Fields{
			"reference": msg.Reference,
			"status":    msg.Status.String(),
		}).WithError(err)
		if errors.Is(err, store.ErrRejected) {
			entry.Warn("Message rejected by store")
		} else {
			entry.Error("Failed to persist message")
		}
	}
}

// pool is one of the two directional groups of connector services.
type pool struct {
	name      string
	direction models.Direction

	mu       sync.RWMutex
	services map[string]*ConnectorService
	seq      uint64

	// router targets the opposite pool and receives inbound traffic.
	router *Router

	processed  *sink
	failed     *sink
	unroutable *sink
}

func newPool(engine *RoutingEngine, name string, direction models.Direction) *pool {
	logger := engine.logger.WithField("pool", name)
	newSink := func(suffix string, status models.Status) *sink {
		return &sink{name: suffix + ":" + name, status: status, engine: engine, logger: logger}
	}
	return &pool{
		name:       name,
		direction:  direction,
		services:   make(map[string]*ConnectorService),
		processed:  newSink("processed", models.StatusProcessed),
		failed:     newSink("failed", models.StatusFailed),
		unroutable: newSink("unroutable", models.StatusUnroutable),
	}
}

func (p *pool) add(cs *ConnectorService) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.services[cs.id]; ok {
		return ErrAlreadyExists
	}
	p.seq++
	cs.seq = p.seq
	p.services[cs.id] = cs
	return nil
}

func (p *pool) remove(id string) (*ConnectorService, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cs, ok := p.services[id]
	if ok {
		delete(p.services, id)
	}
	return cs, ok
}

func (p *pool) get(id string) (*ConnectorService, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cs, ok := p.services[id]
	return cs, ok
}

// sorted returns a snapshot ordered by priority, then creation sequence.
func (p *pool) sorted() []*ConnectorService {
	p.mu.RLock()
	list := make([]*ConnectorService, 0, len(p.services))
	for _, cs := range p.services {
		list = append(list, cs)
	}
	p.mu.RUnlock()

	type entry struct {
		cs       *ConnectorService
		priority int
	}
	entries := make([]entry, len(list))
	for i, cs := range list {
		entries[i] = entry{cs: cs, priority: cs.Priority()}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].cs.seq < entries[j].cs.seq
	})

	result := make([]*ConnectorService, len(entries))
	for i, e := range entries {
		result[i] = e.cs
	}
	return result
}
