package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/telemetry"
)

func sweepCmd() *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile stale pending payments and refunds, and replay unprocessed webhooks",
		Long: `Sweep verifies PENDING transactions older than the pending expiry with the gateway,
looking up by reference the ones that never got a gateway id, and expires those the gateway
still reports as pending. It replays webhook events that were recorded but never processed
and resubmits refunds left PENDING under their own reference. It runs one pass unless
--loop is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := telemetry.InitTelemetry("storefront-payments-sweeper", cfg.OTLPEndpoint); err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			defer telemetry.Shutdown(context.Background())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if loop {
				a.sweeper.Run(ctx)
				return nil
			}

			report, err := a.sweeper.SweepOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			telemetry.Logger.Info("Sweep complete",
				zap.Int("verified", report.Verified),
				zap.Int("expired", report.Expired),
				zap.Int("replayed", report.Replayed),
				zap.Int("refunds_settled", report.RefundsSettled),
				zap.Int("errors", report.Errors),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping every sweep interval until interrupted")
	return cmd
}
