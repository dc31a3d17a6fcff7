package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-gateway/internal/kafka"
	"go-gateway/internal/routing"

	"github.com/spf13/cobra"
)

func serveCommand(a *app) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the routing engine with the configured topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, err := newGateway(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer g.close()

			if err := g.engine.Start(ctx); err != nil {
				g.logger.WithError(err).Error("Some connector services failed to start")
			}

			var monitor *routing.FailedMessagesMonitor
			if a.cfg.Monitor.Enabled {
				monitor = routing.NewFailedMessagesMonitor(g.engine, a.cfg.Monitor.Delay.Duration, a.cfg.Monitor.Interval.Duration, g.logger)
				monitor.Start()
			}

			if g.usesKafka() {
				checker := kafka.NewHealthChecker(a.cfg.Kafka.Brokers, 5)
				go checker.HealthCheckLoop(ctx, a.cfg.Kafka.HealthCheckInterval.Duration, nil)
			}

			g.logger.WithFields(map[string]any{
				"connections":  len(g.engine.Connections()),
				"applications": len(g.engine.Applications()),
			}).Info("Gateway started")

			<-ctx.Done()
			g.logger.Info("Shutting down gateway")

			// no retry pass may queue messages once the services stop
			if monitor != nil {
				monitor.Stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := g.engine.Close(shutdownCtx); err != nil {
				g.logger.WithError(err).Error("Some connector services failed to stop")
			}
			g.logMetrics()
			return nil
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for connectors to stop")
	return cmd
}
