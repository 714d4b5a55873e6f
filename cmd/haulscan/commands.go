package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/haulscan/internal/config"
	"github.com/dukerupert/haulscan/internal/database"
	"github.com/dukerupert/haulscan/internal/entitlement"
	"github.com/dukerupert/haulscan/internal/identity"
	"github.com/dukerupert/haulscan/internal/logging"
	"github.com/dukerupert/haulscan/internal/metrics"
	"github.com/dukerupert/haulscan/internal/model"
	"github.com/dukerupert/haulscan/internal/store"
)

// withDB loads configuration and opens the database for one-shot commands.
func withDB(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, db *sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(ctx, cfg, db)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
				if err := database.Migrate(db); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s\n", cfg.DBPath)
				return nil
			})
		},
	}
}

func entitlementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entitlement <principal>",
		Short: "Print the subscription and entitlement of a principal",
		Example: `  haulscan entitlement user:8f14e45f
  haulscan entitlement device:3f2a9c1e-0000-4000-8000-000000000001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePrincipal(args[0])
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
				resolver := entitlement.NewResolver(store.NewLedgerStore(db), store.NewSubscriptionStore(db), cfg.Allotments, cfg.StoreTimeout, logging.Discard())
				st, err := resolver.Status(ctx, p)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			})
		},
	}
}

func grantCreditsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant-credits <principal> <quantity> <source-ref>",
		Short: "Grant bonus scan credits; repeating a source-ref is a no-op",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePrincipal(args[0])
			if err != nil {
				return err
			}
			qty, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || qty <= 0 {
				return fmt.Errorf("quantity %q must be a positive integer", args[1])
			}
			return withDB(cmd.Context(), func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
				inserted, err := store.NewCreditStore(db).Grant(ctx, &model.CreditGrant{
					Principal:       p,
					Quantity:        qty,
					GrantedAt:       time.Now().UTC(),
					SourceReference: "admin:" + args[2],
				})
				if err != nil {
					return err
				}
				if !inserted {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already granted, nothing changed\n", args[2])
					return nil
				}
				metrics.CreditsGrantedTotal.WithLabelValues("admin").Add(float64(qty))
				fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s\n", qty, p)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a user bearer token for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("HAULSCAN_JWT_SECRET is not set")
			}
			token, err := identity.SignToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, args[0], ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
