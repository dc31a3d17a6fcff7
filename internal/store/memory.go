package store

import (
	"context"
	"sync"
	"time"

	"go-gateway/pkg/models"
)

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[int64]*models.Message
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[int64]*models.Message),
	}
}

func (s *MemoryStore) SaveOrUpdate(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !msg.IsPersisted() {
		s.nextID++
		msg.ID = s.nextID
	}
	now := time.Now()
	if msg.CreationTime.IsZero() {
		msg.CreationTime = now
	}
	msg.ModificationTime = now
	s.messages[msg.ID] = msg.Clone()
	return nil
}

// List returns copies; mutating them does not affect the store.
func (s *MemoryStore) List(ctx context.Context, criteria Criteria) ([]*models.Message, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]*models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		all = append(all, m.Clone())
	}
	s.mu.RUnlock()

	if criteria.OrderBy == OrderByNone {
		criteria.OrderBy = OrderByID
	}
	return criteria.Apply(all), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, criteria Criteria, status models.Status) (int64, error) {
	if err := criteria.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for _, m := range s.messages {
		if criteria.Matches(m) {
			m.SetStatus(status)
			updated++
		}
	}
	return updated, nil
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
