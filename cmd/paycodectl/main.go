package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

var Version = "dev"

// env holds what the commands reach outside the process for, so tests can
// swap in an in-memory store.
type env struct {
	loadConfig func() (config.Config, error)
	openDB     func(ctx context.Context, dsn string) (*sql.DB, error)
	openStore  func(ctx context.Context, cfg config.Config) (paycode.Store, func(), error)
	clock      clock.Clock
}

func defaultEnv() env {
	e := env{
		loadConfig: config.Load,
		openDB:     openPostgres,
		clock:      clock.RealClock{},
	}
	e.openStore = func(ctx context.Context, cfg config.Config) (paycode.Store, func(), error) {
		db, err := e.openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := ledger.NewPostgresStore(db)
		store.LockTimeout = cfg.LockTimeout
		return store, func() { _ = db.Close() }, nil
	}
	return e
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PAYCODE_DATABASE_URL is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newRootCmd(e env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paycodectl",
		Short:         "Operator tooling for the payment code service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd(e))
	rootCmd.AddCommand(sweepCmd(e))
	rootCmd.AddCommand(verifyAttemptsCmd(e))
	rootCmd.AddCommand(tokenCmd(e))
	rootCmd.AddCommand(statsCmd(e))
	return rootCmd
}

func main() {
	if err := newRootCmd(defaultEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
