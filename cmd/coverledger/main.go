package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CoverLedger/internal/config"
	"CoverLedger/internal/core"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "coverledger",
		Short:         "Capital-pooling protection ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("COVER_CONFIG"), "path to YAML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the ledger service",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "rebuild-projections",
			Short: "Rebuild the projection tables by replaying the command log",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return rebuildProjections(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check the command log hash chain and account balances",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return verifyIntegrity(cmd.Context(), cfg, cmd.OutOrStdout())
			},
		},
	)
	return root
}

// openDB connects to Postgres with the pool settings every command uses.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func coreConfig(cfg *config.Config) (core.Config, error) {
	policy, err := cfg.PoolPolicy()
	if err != nil {
		return core.Config{}, err
	}
	return core.Config{
		PoolAddress:         cfg.PoolAddress(),
		Bridge:              cfg.BridgeAddress(),
		Policy:              policy,
		IdempotencyCapacity: cfg.Ledger.IdempotencyCapacity,
	}, nil
}

func moduleLogger(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("module", name).Logger()
}
