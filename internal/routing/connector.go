package routing

import (
	"context"

	"go-gateway/internal/store"
	"go-gateway/pkg/models"
)

// A connector is any value; the service checks which of the capability
// interfaces below it implements.

// Processor delivers outbound messages.
type Processor interface {
	Process(ctx context.Context, msg *models.Message) error
	Supports(msg *models.Message) bool
}

// MessageProducer accepts messages received by a connector.
type MessageProducer interface {
	Produce(ctx context.Context, msg *models.Message) error
}

// Receiver is handed the producer it must push inbound messages into.
type Receiver interface {
	SetMessageProducer(producer MessageProducer)
}

// Serviceable connectors are started and stopped with their service.
type Serviceable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Monitorable connectors report their own health.
type Monitorable interface {
	Status() HealthStatus
}

// Configurable components are configured when attached and destroyed when detached.
// Applies to connectors, acceptors and actions.
type Configurable interface {
	Configure() error
	Destroy() error
}

// ConnectorContext identifies the service owning a connector.
type ConnectorContext struct {
	ID        string
	Direction models.Direction
}

type ContextAware interface {
	SetConnectorContext(cc ConnectorContext)
}

type StoreAware interface {
	SetMessageStore(s store.MessageStore)
}
