package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	migrationsdb "scriptorium/api/db"
	"scriptorium/api/internal/store"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger := loadConfig()
				db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer db.Close()
				migrations, err := migrationsdb.Migrations(cfg.MigrationsDir)
				if err != nil {
					return err
				}
				applied, err := store.ApplyMigrations(cmd.Context(), db, migrations)
				if err != nil {
					return err
				}
				logger.Info("migrations applied", "count", len(applied), "versions", applied)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and when they were applied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _ := loadConfig()
				db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer db.Close()
				migrations, err := migrationsdb.Migrations(cfg.MigrationsDir)
				if err != nil {
					return err
				}
				statuses, err := store.MigrationStatuses(cmd.Context(), db, migrations)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, s := range statuses {
					applied := "pending"
					if s.AppliedAt != nil {
						applied = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(out, "%-40s %s\n", s.Version, applied)
				}
				return nil
			},
		},
	)
	return cmd
}
