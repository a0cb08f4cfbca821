package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/activator/internal/store"
)

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL session store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate: store.driver is %q, nothing to migrate", c.cfg.Store.Driver)
			}
			pool, err := openPostgres(cmd.Context(), c.cfg.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
