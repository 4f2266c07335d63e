// Package sweeper reconciles payments that the gateway never reported back on.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/telemetry"
	"github.com/akylbek/storefront-payments/internal/transition"
	"github.com/akylbek/storefront-payments/internal/webhook"
)

type Config struct {
	// PendingExpiry is how long a transaction may stay PENDING before it is reconciled.
	PendingExpiry time.Duration
	Interval      time.Duration
	Batch         int
	// ReplayAfter is how old an unprocessed webhook event must be before it is replayed.
	ReplayAfter time.Duration
	// RefundRecheckAfter is how long a refund may stay PENDING before it is resubmitted.
	RefundRecheckAfter time.Duration
}

type Store interface {
	interfaces.TransactionStore
	interfaces.WebhookStore
}

type Verifier interface {
	VerifyPayment(ctx context.Context, transactionID string) (*models.Transaction, error)
}

type Replayer interface {
	Replay(ctx context.Context, evt *models.WebhookEvent) (*webhook.Result, error)
}

type RefundReconciler interface {
	ReconcilePending(ctx context.Context, createdBefore time.Time, limit int) (settled, failed int, err error)
}

// Report summarizes one pass.
type Report struct {
	Verified       int
	Expired        int
	Replayed       int
	RefundsSettled int
	Errors         int
}

type Sweeper struct {
	store    Store
	verifier Verifier
	replayer Replayer
	refunds  RefundReconciler
	applier  *transition.Applier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, verifier Verifier, replayer Replayer, refunds RefundReconciler, applier *transition.Applier, cfg Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		verifier: verifier,
		replayer: replayer,
		refunds:  refunds,
		applier:  applier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Reconciliation sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("pending_expiry", s.cfg.PendingExpiry),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce verifies stale PENDING transactions and expires the ones the gateway still
// reports as pending. It then replays webhook events that were recorded but never processed
// and resubmits refunds left PENDING.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var report Report

	if err := s.sweepPending(ctx, &report); err != nil {
		return report, err
	}
	if err := s.replayWebhooks(ctx, &report); err != nil {
		return report, err
	}
	if err := s.reconcileRefunds(ctx, &report); err != nil {
		return report, err
	}

	if report != (Report{}) {
		s.logger.Info("Reconciliation sweep finished",
			zap.Int("verified", report.Verified),
			zap.Int("expired", report.Expired),
			zap.Int("replayed", report.Replayed),
			zap.Int("refunds_settled", report.RefundsSettled),
			zap.Int("errors", report.Errors),
		)
	}
	return report, nil
}

func (s *Sweeper) sweepPending(ctx context.Context, report *Report) error {
	stale, err := s.store.ListStalePending(ctx, s.now().Add(-s.cfg.PendingExpiry), s.cfg.Batch)
	if err != nil {
		return err
	}

	for _, tx := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Without a gateway id the charge may still have landed; it is looked up by reference.
		current, err := s.verifier.VerifyPayment(ctx, tx.ID)
		if err != nil {
			// Never expire without the gateway's answer.
			report.Errors++
			sweepResult("verify", "error")
			s.logger.Warn("Could not verify stale payment",
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
			continue
		}
		report.Verified++
		if current.Status != models.StatusPending {
			sweepResult("verify", string(current.Status))
			continue
		}

		if err := s.expire(ctx, current); err != nil {
			report.Errors++
			sweepResult("expire", "error")
			s.logger.Error("Failed to expire stale payment",
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
			continue
		}
		report.Expired++
	}
	return nil
}

func (s *Sweeper) expire(ctx context.Context, tx *models.Transaction) error {
	code := models.FailureExpired
	reason := "no gateway decision within " + s.cfg.PendingExpiry.String()
	res, err := s.applier.ApplyTo(ctx, tx, models.Observation{
		Status:        models.StatusFailed,
		Source:        models.SourceSweep,
		FailureCode:   &code,
		FailureReason: &reason,
	})
	if err != nil {
		return err
	}
	sweepResult("expire", res.Decision.Action.String())
	s.logger.Info("Stale payment expired",
		zap.String("transaction_id", tx.ID),
		zap.String("order_id", tx.OrderID),
		zap.String("status", string(res.Transaction.Status)),
	)
	return nil
}

func (s *Sweeper) replayWebhooks(ctx context.Context, report *Report) error {
	if s.replayer == nil {
		return nil
	}
	events, err := s.store.ListUnprocessedWebhookEvents(ctx, s.now().Add(-s.cfg.ReplayAfter), s.cfg.Batch)
	if err != nil {
		return err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.replayer.Replay(ctx, evt); err != nil {
			report.Errors++
			sweepResult("replay", "error")
			s.logger.Error("Webhook replay failed",
				zap.String("event_id", evt.ID),
				zap.Error(err),
			)
			continue
		}
		report.Replayed++
		sweepResult("replay", "ok")
	}
	return nil
}

func (s *Sweeper) reconcileRefunds(ctx context.Context, report *Report) error {
	if s.refunds == nil {
		return nil
	}
	settled, failed, err := s.refunds.ReconcilePending(ctx, s.now().Add(-s.cfg.RefundRecheckAfter), s.cfg.Batch)
	report.RefundsSettled += settled
	report.Errors += failed
	if settled > 0 {
		telemetry.SweepResults.WithLabelValues("refund", "settled").Add(float64(settled))
	}
	if failed > 0 {
		telemetry.SweepResults.WithLabelValues("refund", "error").Add(float64(failed))
	}
	return err
}

func sweepResult(kind, result string) {
	telemetry.SweepResults.WithLabelValues(kind, result).Inc()
}
