package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DedupeStore remembers message ids that were already handed to the gateway.
type DedupeStore interface {
	Exists(ctx context.Context, messageID string) (bool, error)
	Add(ctx context.Context, messageID string) error
}

// InMemoryDedupeStore keeps ids for ttl. Close stops the cleanup loop.
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	done  chan struct{}
	once  sync.Once
}

func NewInMemoryDedupeStore(ttl time.Duration) *InMemoryDedupeStore {
	s := &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	go s.cleanup(time.Minute)
	return s
}

func (s *InMemoryDedupeStore) Exists(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, ok := s.store[messageID]
	return ok && time.Now().Before(expiry), nil
}

func (s *InMemoryDedupeStore) Add(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[messageID] = time.Now().Add(s.ttl)
	return nil
}

func (s *InMemoryDedupeStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *InMemoryDedupeStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evict(time.Now())
		}
	}
}

func (s *InMemoryDedupeStore) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, expiry := range s.store {
		if now.After(expiry) {
			delete(s.store, id)
		}
	}
}

// RedisDedupeStore shares seen ids between gateway instances. Keys expire
// after ttl.
type RedisDedupeStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDedupeStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedupeStore {
	if prefix == "" {
		prefix = "gateway:dedupe"
	}
	return &RedisDedupeStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisDedupeStore) key(messageID string) string {
	return s.prefix + ":" + messageID
}

func (s *RedisDedupeStore) Exists(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(messageID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check dedupe key")
	}
	return n > 0, nil
}

func (s *RedisDedupeStore) Add(ctx context.Context, messageID string) error {
	if err := s.client.Set(ctx, s.key(messageID), 1, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store dedupe key")
	}
	return nil
}
