package connector

import (
	"context"
	"fmt"

	"go-gateway/internal/config"
	"go-gateway/internal/routing"
)

type createFunc func(ctx context.Context, id string, priority int, connector any) (*routing.ConnectorService, error)

// Install creates every configured connector service in engine, with its
// acceptors and actions.
func (r *Registry) Install(ctx context.Context, engine *routing.RoutingEngine, cfg *config.Config) error {
	for _, c := range cfg.Connections {
		if err := r.install(ctx, engine.CreateConnection, c); err != nil {
			return fmt.Errorf("connection %q: %w", c.ID, err)
		}
	}
	for _, c := range cfg.Applications {
		if err := r.install(ctx, engine.CreateApplication, c); err != nil {
			return fmt.Errorf("application %q: %w", c.ID, err)
		}
	}
	return nil
}

func (r *Registry) install(ctx context.Context, create createFunc, c config.ConnectorConfig) error {
	conn, err := r.NewConnector(c.Type, c.Settings)
	if err != nil {
		return err
	}

	priority := routing.DefaultPriority
	if c.Priority != nil {
		priority = *c.Priority
	}
	cs, err := create(ctx, c.ID, priority, conn)
	if err != nil {
		return err
	}

	if c.MaxConcurrentMessages > 0 {
		if err := cs.SetMaxConcurrentMessages(c.MaxConcurrentMessages); err != nil {
			return err
		}
	}

	for i, cc := range c.Acceptors {
		a, err := r.NewAcceptor(cc.Type, cc.Settings)
		if err != nil {
			return fmt.Errorf("acceptor %d: %w", i, err)
		}
		if err := cs.AddAcceptor(a); err != nil {
			return fmt.Errorf("acceptor %d: %w", i, err)
		}
	}

	stages := []struct {
		name    string
		actions []config.ComponentConfig
		add     func(routing.Action) error
	}{
		{"pre-processing", c.PreProcessingActions, cs.AddPreProcessingAction},
		{"post-processing", c.PostProcessingActions, cs.AddPostProcessingAction},
		{"post-receiving", c.PostReceivingActions, cs.AddPostReceivingAction},
	}
	for _, stage := range stages {
		for i, cc := range stage.actions {
			a, err := r.NewAction(cc.Type, cc.Settings)
			if err != nil {
				return fmt.Errorf("%s action %d: %w", stage.name, i, err)
			}
			if err := stage.add(a); err != nil {
				return fmt.Errorf("%s action %d: %w", stage.name, i, err)
			}
		}
	}
	return nil
}
