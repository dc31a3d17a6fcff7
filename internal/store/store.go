package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go-gateway/pkg/models"
)

// ErrRejected is returned by a store that refuses to persist a message.
var ErrRejected = errors.New("message rejected by store")

// MessageStore persists messages handed to the gateway sinks.
// Implementations must be safe for concurrent use.
type MessageStore interface {
	// SaveOrUpdate inserts the message when it has no id, assigning one,
	// and updates it otherwise.
	SaveOrUpdate(ctx context.Context, msg *models.Message) error
	List(ctx context.Context, criteria Criteria) ([]*models.Message, error)
	UpdateStatus(ctx context.Context, criteria Criteria, status models.Status) (int64, error)
}

// OrderField names a sortable message column.
type OrderField string

const (
	OrderByNone             OrderField = ""
	OrderByID               OrderField = "id"
	OrderByCreationTime     OrderField = "creation_time"
	OrderByModificationTime OrderField = "modification_time"
)

// Order is the sort direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Criteria filters messages. Zero values mean "no restriction".
type Criteria struct {
	Statuses    []models.Status
	Direction   models.Direction
	Destination string
	Properties  map[string]any
	OrderBy     OrderField
	Order       Order
	Limit       int
}

func (c Criteria) Validate() error {
	switch c.OrderBy {
	case OrderByNone, OrderByID, OrderByCreationTime, OrderByModificationTime:
	default:
		return fmt.Errorf("unsupported order field %q", c.OrderBy)
	}
	if c.Limit < 0 {
		return errors.New("limit cannot be negative")
	}
	return nil
}

// Matches reports whether msg satisfies every restriction in c.
func (c Criteria) Matches(msg *models.Message) bool {
	if len(c.Statuses) > 0 {
		found := false
		for _, s := range c.Statuses {
			if msg.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Direction != models.DirectionUnknown && msg.Direction != c.Direction {
		return false
	}
	if c.Destination != "" && msg.Destination != c.Destination {
		return false
	}
	for k, want := range c.Properties {
		got, ok := msg.Property(k)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Apply filters, sorts and truncates msgs according to c.
func (c Criteria) Apply(msgs []*models.Message) []*models.Message {
	result := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if c.Matches(m) {
			result = append(result, m)
		}
	}

	if c.OrderBy != OrderByNone {
		sort.SliceStable(result, func(i, j int) bool {
			less := lessBy(c.OrderBy, result[i], result[j])
			if c.Order == Descending {
				return lessBy(c.OrderBy, result[j], result[i])
			}
			return less
		})
	}

	if c.Limit > 0 && len(result) > c.Limit {
		result = result[:c.Limit]
	}
	return result
}

func lessBy(field OrderField, a, b *models.Message) bool {
	switch field {
	case OrderByCreationTime:
		return a.CreationTime.Before(b.CreationTime)
	case OrderByModificationTime:
		return a.ModificationTime.Before(b.ModificationTime)
	default:
		return a.ID < b.ID
	}
}

// NopStore discards everything. It is the default when no store is configured.
type NopStore struct{}

func (NopStore) SaveOrUpdate(ctx context.Context, msg *models.Message) error { return nil }

func (NopStore) List(ctx context.Context, criteria Criteria) ([]*models.Message, error) {
	return nil, nil
}

func (NopStore) UpdateStatus(ctx context.Context, criteria Criteria, status models.Status) (int64, error) {
	return 0, nil
}
