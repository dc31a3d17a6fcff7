package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go-gateway/pkg/models"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "gateway:messages"

// RedisStore keeps messages as JSON documents in a Redis hash keyed by id.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(dsn string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) seqKey() string  { return s.prefix + ":seq" }
func (s *RedisStore) dataKey() string { return s.prefix + ":data" }

func (s *RedisStore) SaveOrUpdate(ctx context.Context, msg *models.Message) error {
	if !msg.IsPersisted() {
		id, err := s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return errors.Wrap(err, "allocate message id")
		}
		msg.ID = id
	}

	now := time.Now()
	if msg.CreationTime.IsZero() {
		msg.CreationTime = now
	}
	msg.ModificationTime = now

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	if err := s.client.HSet(ctx, s.dataKey(), strconv.FormatInt(msg.ID, 10), data).Err(); err != nil {
		return errors.Wrapf(err, "store message %d", msg.ID)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, criteria Criteria) ([]*models.Message, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if criteria.OrderBy == OrderByNone {
		criteria.OrderBy = OrderByID
	}
	return criteria.Apply(all), nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, criteria Criteria, status models.Status) (int64, error) {
	if err := criteria.Validate(); err != nil {
		return 0, err
	}

	all, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	values := make(map[string]any)
	for _, msg := range all {
		if !criteria.Matches(msg) {
			continue
		}
		msg.SetStatus(status)
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.Wrapf(err, "marshal message %d", msg.ID)
		}
		values[strconv.FormatInt(msg.ID, 10)] = data
	}
	if len(values) == 0 {
		return 0, nil
	}

	if err := s.client.HSet(ctx, s.dataKey(), values).Err(); err != nil {
		return 0, errors.Wrap(err, "update message status")
	}
	return int64(len(values)), nil
}

func (s *RedisStore) load(ctx context.Context) ([]*models.Message, error) {
	raw, err := s.client.HVals(ctx, s.dataKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load messages")
	}

	result := make([]*models.Message, 0, len(raw))
	for _, r := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			return nil, errors.Wrap(err, "unmarshal message")
		}
		if msg.Properties == nil {
			msg.Properties = make(map[string]any)
		}
		result = append(result, &msg)
	}
	return result, nil
}
