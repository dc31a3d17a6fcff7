package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go-gateway/pkg/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	toApplications bool
	destination    string
	body           string
	key            string
	properties     []string
	timeout        time.Duration
}

func sendCommand(a *app) *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Route a single message through the configured topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.message()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			g, err := newGateway(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer g.close()

			if err := g.engine.Start(ctx); err != nil {
				return fmt.Errorf("failed to start routing engine: %w", err)
			}
			defer g.engine.Stop(context.Background())

			if opts.toApplications {
				err = g.engine.RouteToApplications(ctx, msg)
			} else {
				err = g.engine.RouteToConnections(ctx, msg)
			}
			if err != nil {
				return err
			}
			if err := waitDrained(ctx, g); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", msg.Reference, msg.Destination)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.toApplications, "to-applications", false, "route toward the applications pool")
	cmd.Flags().StringVar(&opts.destination, "destination", "", "explicit destination service id")
	cmd.Flags().StringVar(&opts.body, "body", "", "message body; must be valid JSON when it starts with { or [")
	cmd.Flags().StringVar(&opts.key, "key", "", "message key (random when empty)")
	cmd.Flags().StringArrayVarP(&opts.properties, "property", "p", nil, "extra property as name=value")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "maximum time to wait for delivery")
	return cmd
}

func (o *sendOptions) message() (*models.Message, error) {
	msg := models.NewMessage()
	msg.Destination = o.destination

	body := strings.TrimSpace(o.body)
	if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
		if !json.Valid([]byte(body)) {
			return nil, fmt.Errorf("body is not valid JSON")
		}
	}
	msg.SetProperty(models.PropertyBody, o.body)

	key := o.key
	if key == "" {
		key = uuid.NewString()
	}
	msg.SetProperty(models.PropertyKey, key)

	for _, p := range o.properties {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid property %q, expected name=value", p)
		}
		msg.SetProperty(strings.TrimSpace(name), value)
	}
	return msg, nil
}
