package main

import (
	"fmt"

	"go-gateway/internal/config"
	"go-gateway/internal/observability"
	"go-gateway/internal/store"

	"github.com/spf13/cobra"
)

func migrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the message table in the postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Store.Driver != config.StorePostgres {
				return fmt.Errorf("migrate requires the postgres store driver, got %q", a.cfg.Store.Driver)
			}

			pg, err := store.OpenPostgres(a.cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			observability.WithField("component", "migrate").Info("Message table is up to date")
			return nil
		},
	}
}
