package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/api"
	"github.com/akylbek/storefront-payments/internal/handlers"
	"github.com/akylbek/storefront-payments/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the payments HTTP API and the reconciliation sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}

			if err := telemetry.InitTelemetry("storefront-payments", cfg.OTLPEndpoint); err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			defer telemetry.Shutdown(context.Background())

			telemetry.Logger.Info("Starting payments service")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			router := api.NewRouter(api.Dependencies{
				Payments:       handlers.NewPaymentHandler(a.orchestrator, a.refunds),
				Refunds:        handlers.NewRefundHandler(a.refunds),
				Webhooks:       handlers.NewWebhookHandler(a.webhooks, cfg.SignatureHeader),
				Redis:          a.redis,
				IdempotencyTTL: cfg.IdempotencyTTL,
				Logger:         telemetry.Logger,
			})

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			sweepDone := make(chan struct{})
			if noSweep {
				close(sweepDone)
			} else {
				go func() {
					defer close(sweepDone)
					a.sweeper.Run(ctx)
				}()
			}

			serveErr := make(chan error, 1)
			go func() {
				telemetry.Logger.Info("Payments API starting", zap.String("port", cfg.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					stop()
					<-sweepDone
					return fmt.Errorf("start server: %w", err)
				}
			}

			telemetry.Logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
			}
			stop()
			<-sweepDone

			telemetry.Logger.Info("Server exited")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the reconciliation sweeper in this process")
	return cmd
}
