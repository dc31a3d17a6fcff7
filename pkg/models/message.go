package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state of a message.
type Status int

const (
	StatusCreated    Status = 1
	StatusProcessed  Status = 2
	StatusFailed     Status = 3
	StatusUnroutable Status = 4
	StatusRetrying   Status = 5
	StatusProcessing Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusProcessed:
		return "PROCESSED"
	case StatusFailed:
		return "FAILED"
	case StatusUnroutable:
		return "UNROUTABLE"
	case StatusRetrying:
		return "RETRYING"
	case StatusProcessing:
		return "PROCESSING"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IsFinal reports whether a message in this status has left the pipeline.
func (s Status) IsFinal() bool {
	return s == StatusProcessed || s == StatusFailed || s == StatusUnroutable
}

// Direction tells which pool a message is travelling toward.
type Direction int

const (
	DirectionUnknown        Direction = 0
	DirectionToConnections  Direction = 1
	DirectionToApplications Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionToConnections:
		return "TO_CONNECTIONS"
	case DirectionToApplications:
		return "TO_APPLICATIONS"
	default:
		return "UNKNOWN"
	}
}

// Inverse returns the opposite direction. Unknown stays unknown.
func (d Direction) Inverse() Direction {
	switch d {
	case DirectionToConnections:
		return DirectionToApplications
	case DirectionToApplications:
		return DirectionToConnections
	default:
		return DirectionUnknown
	}
}

// Message represents a message flowing through the gateway
type Message struct {
	ID               int64          `json:"id,omitempty"`
	Reference        string         `json:"reference"`
	Status           Status         `json:"status"`
	Direction        Direction      `json:"direction"`
	Source           string         `json:"source,omitempty"`
	Destination      string         `json:"destination,omitempty"`
	Properties       map[string]any `json:"properties"`
	CreationTime     time.Time      `json:"creation_time"`
	ModificationTime time.Time      `json:"modification_time"`
}

// Well-known property keys
const (
	PropertyBody      = "body"
	PropertyKey       = "key"
	PropertyTopic     = "topic"
	PropertyPartition = "partition"
	PropertyOffset    = "offset"
	PropertyTo        = "to"
	PropertyFrom      = "from"
)

// Kafka header names used by the broker connectors
const (
	HeaderMessageID     = "message-id"
	HeaderReference     = "reference"
	HeaderSource        = "source"
	HeaderOriginalTopic = "original-topic"
	HeaderFailureReason = "failure-reason"
	HeaderProcessedAt   = "processed-at"
)

// NewMessage returns a CREATED message with a fresh reference.
func NewMessage() *Message {
	now := time.Now()
	return &Message{
		Reference:        uuid.NewString(),
		Status:           StatusCreated,
		Properties:       make(map[string]any),
		CreationTime:     now,
		ModificationTime: now,
	}
}

// IsPersisted reports whether the message has been assigned an id by a store.
func (m *Message) IsPersisted() bool {
	return m.ID != 0
}

func (m *Message) Property(key string) (any, bool) {
	if m.Properties == nil {
		return nil, false
	}
	v, ok := m.Properties[key]
	return v, ok
}

// PropertyString returns the property formatted as a string, or "" if absent.
func (m *Message) PropertyString(key string) string {
	v, ok := m.Property(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func (m *Message) SetProperty(key string, value any) {
	if m.Properties == nil {
		m.Properties = make(map[string]any)
	}
	m.Properties[key] = value
}

func (m *Message) RemoveProperty(key string) (any, bool) {
	v, ok := m.Property(key)
	if ok {
		delete(m.Properties, key)
	}
	return v, ok
}

// SetStatus updates the status and touches the modification time.
func (m *Message) SetStatus(status Status) {
	m.Status = status
	m.ModificationTime = time.Now()
}

// Clone returns a copy with its own property map.
func (m *Message) Clone() *Message {
	c := *m
	c.Properties = make(map[string]any, len(m.Properties))
	for k, v := range m.Properties {
		c.Properties[k] = v
	}
	return &c
}
