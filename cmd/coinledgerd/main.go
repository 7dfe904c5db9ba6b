package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coinledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "coinledgerd",
		Short:         "Coin wallet ledger with gRPC and HTTP surfaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(cmd, cfg, runServe)
		},
	}
	registerFlags(cmd)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gRPC and HTTP servers with the background worker",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithSignals(cmd, cfg, runServe)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the ledger schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithSignals(cmd, cfg, runMigrate)
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Compare every wallet against its transaction log once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithSignals(cmd, cfg, runReconcile)
			},
		},
		&cobra.Command{
			Use:   "sweep-holds",
			Short: "Release active holds older than the configured maximum age once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithSignals(cmd, cfg, runSweep)
			},
		},
	)
	return cmd
}

type commandFunc func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error

func runWithSignals(cmd *cobra.Command, cfg *config.Config, run commandFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return run(ctx, cfg, logger)
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close(logger)
	if err := backend.migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema migrated", zap.String("driver", backend.driver), zap.String("store", cfg.StoreBackend))
	return nil
}

func runReconcile(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	app, err := newLedgerApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()
	summary, err := app.service.ReconcileAll(ctx, cfg.ReconcileBatchSize)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Info("reconciliation finished",
		zap.Int("checked", summary.Checked),
		zap.Int("mismatches", len(summary.Mismatches)),
		zap.Int("failures", len(summary.Failures)),
	)
	if len(summary.Mismatches) > 0 || len(summary.Failures) > 0 {
		return fmt.Errorf("reconcile: %d mismatches, %d failures", len(summary.Mismatches), len(summary.Failures))
	}
	return nil
}

func runSweep(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	app, err := newLedgerApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()
	started := time.Now()
	result, err := app.service.SweepStaleHolds(ctx, cfg.HoldMaxAge, cfg.HoldSweepLimit)
	if err != nil {
		return fmt.Errorf("sweep holds: %w", err)
	}
	logger.Info("hold sweep finished",
		zap.Int("released", result.Released),
		zap.Int("skipped", result.Skipped),
		zap.Int("failures", len(result.Failures)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}
