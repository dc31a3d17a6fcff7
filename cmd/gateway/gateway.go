package main

import (
	"context"
	"errors"
	"fmt"

	"go-gateway/internal/config"
	"go-gateway/internal/connector"
	"go-gateway/internal/kafka"
	"go-gateway/internal/observability"
	"go-gateway/internal/routing"
	"go-gateway/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// gateway holds everything built from the configuration.
type gateway struct {
	cfg     *config.Config
	logger  *logrus.Entry
	metrics *observability.InMemoryMetrics
	store   store.MessageStore
	redis   redis.UniversalClient
	engine  *routing.RoutingEngine
	closers []func() error
}

func newGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	g := &gateway{
		cfg:     cfg,
		logger:  observability.WithField("component", "gateway"),
		metrics: observability.NewInMemoryMetrics(),
	}

	if err := g.openStore(ctx); err != nil {
		g.close()
		return nil, err
	}

	g.engine = routing.NewRoutingEngine(
		routing.WithMessageStore(g.store),
		routing.WithRedeliveryPolicy(routing.RedeliveryPolicy{
			MaxRedeliveries:    cfg.Redelivery.MaxRedeliveries,
			MaxRedeliveryDelay: cfg.Redelivery.Delay.Duration,
		}),
		routing.WithMetrics(g.metrics),
		routing.WithQueueSize(cfg.QueueSize),
	)

	registry, err := g.registry()
	if err != nil {
		g.close()
		return nil, err
	}
	if err := registry.Install(ctx, g.engine, cfg); err != nil {
		g.close()
		return nil, fmt.Errorf("failed to install topology: %w", err)
	}
	return g, nil
}

func (g *gateway) openStore(ctx context.Context) error {
	switch g.cfg.Store.Driver {
	case config.StoreRedis:
		client, err := store.NewRedisClient(g.cfg.Store.DSN)
		if err != nil {
			return err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		g.redis = client
		g.store = store.NewRedisStore(client, g.cfg.Store.Prefix)
		g.closers = append(g.closers, client.Close)
	case config.StorePostgres:
		pg, err := store.OpenPostgres(g.cfg.Store.DSN)
		if err != nil {
			return err
		}
		g.store = pg
		g.closers = append(g.closers, pg.Close)
	default:
		g.store = store.NewMemoryStore()
	}
	g.logger.WithField("driver", g.cfg.Store.Driver).Info("Message store ready")
	return nil
}

func (g *gateway) registry() (*connector.Registry, error) {
	zapLogger, err := observability.NewZapLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build kafka logger: %w", err)
	}
	g.closers = append(g.closers, func() error {
		_ = zapLogger.Sync()
		return nil
	})

	deps := connector.Deps{
		Brokers:     g.cfg.Kafka.Brokers,
		Metrics:     g.metrics,
		KafkaLogger: zapLogger,
	}
	if g.cfg.Kafka.DedupeStore == config.StoreRedis {
		deps.NewDedupeStore = func() kafka.DedupeStore {
			return kafka.NewRedisDedupeStore(g.redis, "", g.cfg.Kafka.DedupeTTL.Duration)
		}
	} else {
		deps.NewDedupeStore = func() kafka.DedupeStore {
			return kafka.NewInMemoryDedupeStore(g.cfg.Kafka.DedupeTTL.Duration)
		}
	}
	return connector.NewDefaultRegistry(deps), nil
}

// usesKafka reports whether any configured service talks to the brokers.
func (g *gateway) usesKafka() bool {
	for _, services := range [][]config.ConnectorConfig{g.cfg.Connections, g.cfg.Applications} {
		for _, s := range services {
			switch s.Type {
			case "kafka-processor", "kafka-receiver":
				return true
			}
		}
	}
	return false
}

func (g *gateway) close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i]())
	}
	g.closers = nil
	return errors.Join(errs...)
}

func (g *gateway) logMetrics() {
	fields := logrus.Fields{}
	for k, v := range g.metrics.Snapshot() {
		fields[k] = v
	}
	g.logger.WithFields(fields).Info("Gateway metrics")
}
