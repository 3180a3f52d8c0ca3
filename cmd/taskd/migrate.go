package main

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/platform/sqlstore"
	"github.com/spf13/cobra"
)

const migrateTimeout = 2 * time.Minute

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply, roll back or list the embedded schema migrations.

The dialect follows database.driver: Postgres (pgx) or SQLite (sqlite3).`,
	}

	run := func(action func(ctx context.Context, cmd *cobra.Command, m *sqlstore.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := logger.Setup(cfg.Server)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
			defer cancel()

			db, err := sqlstore.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			m, err := sqlstore.NewMigrator(db, log)
			if err != nil {
				return err
			}
			return action(ctx, cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(ctx context.Context, _ *cobra.Command, m *sqlstore.Migrator) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: run(func(ctx context.Context, _ *cobra.Command, m *sqlstore.Migrator) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, m *sqlstore.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Fprintf(out, "%-6d %-8s %s\n", s.Version, state, s.Source)
				}
				return nil
			}),
		},
	)
	return cmd
}
