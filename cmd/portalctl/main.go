// Command portalctl runs maintenance tasks against a RARS deployment using
// the same environment configuration as the API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rars/api/internal/config"
	"rars/api/internal/platform"
	"rars/api/internal/store"
)

var (
	cfg    config.Config
	logger *zap.Logger
	dryRun bool
)

var rootCmd = &cobra.Command{
	Use:           "portalctl",
	Short:         "Maintenance commands for the research approval portal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		var err error
		logger, err = platform.NewLogger(cfg.LogLevel)
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if dryRun {
			pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"pending": pending})
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"applied": applied})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Finish or fail interrupted workflow intents once",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := platform.Open(cmd.Context(), cfg, logger, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		report, err := rt.Service.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Check a decision letter verification token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := platform.Open(cmd.Context(), cfg, logger, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		result, err := rt.Service.VerifyToken(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("token is not valid")
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd, reconcileCmd, verifyCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "portalctl:", err)
		stop()
		os.Exit(1)
	}
}
