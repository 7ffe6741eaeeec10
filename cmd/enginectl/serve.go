package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowengine/core"
	"github.com/flowengine/core/internal/logger"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cron tick, cron recovery, and orphan recovery loops",
		Long:  "enginectl serve [--config=<file>] [--tenant=<name>]",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			log := logger.New(logger.NewArgs{
				Debug:  cfg.LogDebug,
				Format: logger.Format(cfg.LogFormat),
			})
			log.Info("serve starting", "tenant", cfg.Tenant, "store", cfg.StoreURL)

			ctx := cmd.Context()
			runner, err := core.NewFromConfig(ctx, cfg)
			if err != nil {
				log.Fatal("failed to initialize runner", "error", err)
				return err
			}

			runner.StartBackground(cfg.CronTickInterval, cfg.CronRecoveryInterval, cfg.OrphanAfter)
			log.Info("background loops started",
				"cronTickInterval", cfg.CronTickInterval,
				"cronRecoveryInterval", cfg.CronRecoveryInterval,
				"orphanRecoveryInterval", cfg.OrphanAfter)

			waitForSignal(ctx)

			log.Info("shutdown signal received, draining")
			if err := runner.Shutdown(); err != nil {
				log.Error("shutdown error", "error", err)
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	return cmd
}

// waitForSignal blocks until SIGINT/SIGTERM arrives or ctx is cancelled.
func waitForSignal(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
	case <-sigs:
	}
}
