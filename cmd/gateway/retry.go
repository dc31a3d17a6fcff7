package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func retryCommand(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-dispatch failed messages once and wait for them to be delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			g, err := newGateway(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer g.close()

			if err := g.engine.Start(ctx); err != nil {
				g.engine.Close(context.Background())
				return fmt.Errorf("failed to start routing engine: %w", err)
			}

			retryErr := g.engine.RetryFailedMessages(ctx)
			if retryErr == nil {
				retryErr = waitDrained(ctx, g)
			}

			// workers finish their redeliveries before the metrics are read
			if err := g.engine.Close(context.Background()); err != nil {
				g.logger.WithError(err).Error("Some connector services failed to stop")
			}
			if retryErr != nil {
				return retryErr
			}
			g.logMetrics()
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "maximum time to wait for retried messages")
	return cmd
}

// waitDrained blocks until no connector service has queued messages.
func waitDrained(ctx context.Context, g *gateway) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		queued := 0
		for _, cs := range g.engine.Connections() {
			queued += cs.NumQueuedMessages()
		}
		for _, cs := range g.engine.Applications() {
			queued += cs.NumQueuedMessages()
		}
		if queued == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%d message(s) still queued: %w", queued, ctx.Err())
		case <-ticker.C:
		}
	}
}
