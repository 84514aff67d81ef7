package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/store"
)

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, db, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrator.Up(cmd.Context(), steps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "No pending migrations.")
				return nil
			}
			fmt.Fprintln(out, "Applied:")
			for _, id := range applied {
				fmt.Fprintf(out, "  - %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var configPath string
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, db, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			rolled, err := migrator.Down(cmd.Context(), steps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rolled) == 0 {
				fmt.Fprintln(out, "Nothing to roll back.")
				return nil
			}
			fmt.Fprintln(out, "Rolled back:")
			for _, id := range rolled {
				fmt.Fprintf(out, "  - %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, db, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Applied:")
			if len(applied) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, entry := range applied {
				fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out, "Pending:")
			if len(pending) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, migration := range pending {
				fmt.Fprintf(out, "  - %s\n", migration.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// openMigrator opens a raw database handle for the configured driver.
// The memory driver has no schema to migrate.
func openMigrator(configPath string) (*store.Migrator, *sql.DB, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	var db *sql.DB
	var dialect store.Dialect
	switch cfg.Database.Driver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.Database.URL)
		dialect = store.DialectPostgres
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.Database.Path)
		dialect = store.DialectSQLite
	case "memory":
		return nil, nil, fmt.Errorf("the memory driver has no migrations")
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	migrator, err := store.NewMigrator(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return migrator, db, nil
}
