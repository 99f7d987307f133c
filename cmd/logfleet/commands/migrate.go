package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Example: `  # Migrate the database named in the config
  logfleet migrate --config logfleet.yaml

  # Migrate a database chosen by environment
  LOGFLEET_DB=/var/lib/logfleet/logfleet.db logfleet migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.store.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				if err := a.store.HealthCheck(ctx); err != nil {
					return fmt.Errorf("database check failed after migration: %w", err)
				}
				log.Info().Str("database", a.cfg.Database.Path).Msg("Database migrated")
				fmt.Fprintf(stdout, "✓ Migrated %s\n", a.cfg.Database.Path)
				return nil
			})
		},
	}
}
