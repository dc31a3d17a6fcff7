// Package connector provides general purpose connectors and the registry
// that builds connectors, acceptors and actions from configuration.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go-gateway/internal/observability"
	"go-gateway/internal/routing"
	"go-gateway/pkg/models"

	"github.com/sirupsen/logrus"
)

// Logging is an outbound connector that logs every message it is handed.
type Logging struct {
	// Delay simulates a slow channel.
	Delay time.Duration
	// RequireJSON rejects messages whose body is not a JSON object.
	RequireJSON bool

	logger    *logrus.Entry
	id        string
	processed atomic.Int64
}

func NewLogging() *Logging {
	return &Logging{logger: observability.WithField("component", "logging-connector")}
}

func (l *Logging) SetConnectorContext(cc routing.ConnectorContext) {
	l.id = cc.ID
	l.logger = l.logger.WithField("connector_id", cc.ID)
}

func (l *Logging) Supports(*models.Message) bool { return true }

func (l *Logging) Process(ctx context.Context, msg *models.Message) error {
	if l.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.Delay):
		}
	}

	fields := logrus.Fields{
		"reference": msg.Reference,
		"source":    msg.Source,
		"direction": msg.Direction.String(),
	}
	if l.RequireJSON {
		var data map[string]any
		if err := json.Unmarshal([]byte(msg.PropertyString(models.PropertyBody)), &data); err != nil {
			return &routing.PermanentError{Err: fmt.Errorf("failed to parse message: %w", err)}
		}
		fields["data"] = data
	}

	l.logger.WithFields(fields).Info("Processing message")
	l.logger.WithField("properties", msg.Properties).Debug("Message processed successfully")
	l.processed.Add(1)
	return nil
}

// Processed returns how many messages were logged.
func (l *Logging) Processed() int64 {
	return l.processed.Load()
}
