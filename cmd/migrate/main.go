package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"CoverLedger/internal/config"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, dsn, dir string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or roll back CoverLedger schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", os.Getenv("COVER_CONFIG"), "path to YAML config file")
	flags.StringVar(&dsn, "dsn", "", "Postgres DSN (overrides config)")
	flags.StringVar(&dir, "dir", "", "migrations directory (overrides config)")

	// withMigrator opens the database and hands a migrator to fn.
	withMigrator := func(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dsn != "" {
				cfg.Postgres.DSN = dsn
			}
			if dir != "" {
				cfg.Postgres.MigrationsDir = dir
			}

			db, err := sql.Open("postgres", cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			logger := observability.NewLogger("migrate")
			return fn(cmd.Context(), persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%s\t%t\n", s.Version, s.Filename, s.Applied)
				}
				return w.Flush()
			}),
		},
	)
	return root
}
