package kafka

import (
	"context"
	"fmt"
	"time"

	"go-gateway/internal/observability"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// DialFunc opens a broker connection.
type DialFunc func(ctx context.Context, network, address string) (*kafka.Conn, error)

// HealthChecker probes broker connectivity and reconnects with backoff.
type HealthChecker struct {
	brokers     []string
	logger      *logrus.Entry
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	dial        DialFunc
}

func NewHealthChecker(brokers []string, maxRetries int) *HealthChecker {
	return &HealthChecker{
		brokers:     brokers,
		logger:      observability.WithField("component", "kafka-health"),
		maxRetries:  maxRetries,
		baseBackoff: 1 * time.Second,
		maxBackoff:  30 * time.Second,
		dial:        kafka.DialContext,
	}
}

// HealthCheck succeeds when any broker answers a metadata request.
func (c *HealthChecker) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}

	var lastErr error
	for _, broker := range c.brokers {
		conn, err := c.dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("failed to connect to broker %s: %w", broker, err)
			continue
		}
		_, err = conn.ReadPartitions()
		conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read partitions from %s: %w", broker, err)
			continue
		}
		return nil
	}
	return lastErr
}

// HealthCheckLoop checks every interval until ctx is done. A failed check
// triggers reconnection, after which onReconnect is called.
func (c *HealthChecker) HealthCheckLoop(ctx context.Context, interval time.Duration, onReconnect func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.WithError(err).Warn("Health check failed, attempting reconnection")
				if err := c.reconnect(ctx, onReconnect); err != nil {
					c.logger.WithError(err).Error("Reconnection failed")
				}
			}
		}
	}
}

func (c *HealthChecker) reconnect(ctx context.Context, onReconnect func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseBackoff
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c.logger.WithField("attempt", attempt).Info("Attempting reconnection")
		if err := c.HealthCheck(ctx); err != nil {
			return err
		}
		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				return fmt.Errorf("reconnect callback: %w", err)
			}
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx))
	if err != nil {
		return fmt.Errorf("failed to reconnect after %d attempts: %w", attempt, err)
	}

	c.logger.Info("Reconnection successful")
	return nil
}

func (c *HealthChecker) Brokers() []string {
	return c.brokers
}
