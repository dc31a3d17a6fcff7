package connector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go-gateway/internal/routing"
)

var (
	ErrUnknownType       = errors.New("unknown type")
	ErrAlreadyRegistered = errors.New("type already registered")
)

type (
	ConnectorFactory func(settings map[string]any) (any, error)
	AcceptorFactory  func(settings map[string]any) (routing.Acceptor, error)
	ActionFactory    func(settings map[string]any) (routing.Action, error)
)

// Registry maps configuration type names to constructors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]ConnectorFactory
	acceptors  map[string]AcceptorFactory
	actions    map[string]ActionFactory
}

func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]ConnectorFactory),
		acceptors:  make(map[string]AcceptorFactory),
		actions:    make(map[string]ActionFactory),
	}
}

func register[F any](mu *sync.RWMutex, m map[string]F, kind, name string, f F) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := m[name]; ok {
		return fmt.Errorf("%s %q: %w", kind, name, ErrAlreadyRegistered)
	}
	m[name] = f
	return nil
}

func lookup[F any](mu *sync.RWMutex, m map[string]F, kind, name string) (F, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := m[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%s %q: %w", kind, name, ErrUnknownType)
	}
	return f, nil
}

func names[F any](mu *sync.RWMutex, m map[string]F) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) RegisterConnector(name string, f ConnectorFactory) error {
	return register(&r.mu, r.connectors, "connector", name, f)
}

func (r *Registry) RegisterAcceptor(name string, f AcceptorFactory) error {
	return register(&r.mu, r.acceptors, "acceptor", name, f)
}

func (r *Registry) RegisterAction(name string, f ActionFactory) error {
	return register(&r.mu, r.actions, "action", name, f)
}

func (r *Registry) NewConnector(name string, settings map[string]any) (any, error) {
	f, err := lookup(&r.mu, r.connectors, "connector", name)
	if err != nil {
		return nil, err
	}
	return f(settings)
}

func (r *Registry) NewAcceptor(name string, settings map[string]any) (routing.Acceptor, error) {
	f, err := lookup(&r.mu, r.acceptors, "acceptor", name)
	if err != nil {
		return nil, err
	}
	return f(settings)
}

func (r *Registry) NewAction(name string, settings map[string]any) (routing.Action, error) {
	f, err := lookup(&r.mu, r.actions, "action", name)
	if err != nil {
		return nil, err
	}
	return f(settings)
}

func (r *Registry) ConnectorTypes() []string { return names(&r.mu, r.connectors) }
func (r *Registry) AcceptorTypes() []string  { return names(&r.mu, r.acceptors) }
func (r *Registry) ActionTypes() []string    { return names(&r.mu, r.actions) }

// Decode copies settings into target through their JSON form. Unknown keys
// are rejected.
func Decode(settings map[string]any, target any) error {
	if len(settings) == 0 {
		return nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

// decodeInto is the factory for settings-only components.
func decodeInto[T any](newValue func() *T) func(map[string]any) (*T, error) {
	return func(settings map[string]any) (*T, error) {
		v := newValue()
		if err := Decode(settings, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
