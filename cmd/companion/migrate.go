package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eightweek/companion/config"
	"github.com/eightweek/companion/internal/infrastructure/persistence/postgres"
	"github.com/eightweek/companion/pkg/retry"
)

func newMigrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, log, err := loadEnv()
			if err != nil {
				return err
			}
			if cfg.Remote.Backend != config.BackendPostgres {
				return errors.New("migrate needs REMOTE_BACKEND=postgres")
			}

			conn, err := connectPostgres(ctx, cfg, retry.ConnectRetrier())
			if err != nil {
				return err
			}
			defer conn.Close()

			migrator := postgres.NewMigrator(conn)
			if !status {
				if err := migrator.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to migrate database: %w", err)
				}
			}

			migrations, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
			for _, m := range migrations {
				applied := "pending"
				if m.Applied() {
					applied = m.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Name, applied)
			}
			log.Debug("postgres pool", "stats", conn.Stats())
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "only show which migrations are applied")
	return cmd
}
