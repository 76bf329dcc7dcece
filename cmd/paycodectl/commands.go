package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

func migrateCmd(e env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			db, err := e.openDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := ledger.Migrate(cmd.Context(), db)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", strings.Join(applied, ", "))
			return nil
		},
	}
}

func sweepCmd(e env) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue active payment codes once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := e.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			if batch <= 0 {
				batch = cfg.SweepBatchSize
			}
			registry := paycode.NewCodeRegistry(e.clock, store, paycode.RegistryConfig{CodeDigits: cfg.CodeDigits})
			expired, err := paycode.NewSweeper(registry, batch).RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d codes\n", expired)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "rows per batch (defaults to PAYCODE_SWEEP_BATCH_SIZE)")
	return cmd
}

func verifyAttemptsCmd(e env) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-attempts",
		Short: "Re-walk the redemption attempt hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := e.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			n, err := paycode.NewAttemptLog(e.clock, store).Verify(cmd.Context())
			if err != nil {
				return fmt.Errorf("attempt chain: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %d attempts\n", n)
			return nil
		},
	}
}

func tokenCmd(e env) *cobra.Command {
	var (
		accountID int64
		role      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			if accountID <= 0 {
				return fmt.Errorf("--account must be a positive account id")
			}
			if !auth.KnownRole(role) {
				return fmt.Errorf("--role must be one of %s, %s, %s", auth.RoleCustomer, auth.RoleBusiness, auth.RoleAdmin)
			}
			signed, expires, err := auth.NewJWTSigner(cfg.JWTSecret).SignActor(auth.Actor{AccountID: accountID, Role: role}, e.clock.Now(), ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id placed in the sub claim")
	cmd.Flags().StringVar(&role, "role", auth.RoleCustomer, "customer, business or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func statsCmd(e env) *cobra.Command {
	var businessID int64
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print payment code counts by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := e.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			out := cmd.OutOrStdout()
			if businessID > 0 {
				st, err := store.CodeStats(cmd.Context(), businessID)
				if err != nil {
					return fmt.Errorf("business stats: %w", err)
				}
				fmt.Fprintf(out, "business %d: active=%d used=%d expired=%d cancelled=%d collected=%s\n",
					businessID, st.Active, st.Used, st.Expired, st.Cancelled, st.CollectedTotal.StringFixed(2))
				return nil
			}
			counts, err := store.CountCodesByState(cmd.Context())
			if err != nil {
				return fmt.Errorf("count codes: %w", err)
			}
			for _, s := range []paycode.State{paycode.StateActive, paycode.StateUsed, paycode.StateExpired, paycode.StateCancelled} {
				fmt.Fprintf(out, "%-10s %d\n", s, counts[s])
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&businessID, "business", 0, "limit to one business")
	return cmd
}
