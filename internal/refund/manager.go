// Package refund issues full and partial refunds of approved transactions.
package refund

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/repository"
	"github.com/akylbek/storefront-payments/internal/telemetry"
	"github.com/akylbek/storefront-payments/internal/transition"
)

type Store interface {
	interfaces.TransactionStore
	interfaces.RefundStore
}

type Manager struct {
	store   Store
	gateway interfaces.GatewayClient
	applier *transition.Applier
	logger  *zap.Logger
	now     func() time.Time
}

func NewManager(store Store, gateway interfaces.GatewayClient, applier *transition.Applier, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		gateway: gateway,
		applier: applier,
		logger:  logger,
		now:     time.Now,
	}
}

// Refund returns amount of an APPROVED transaction to the customer. The amount is reserved
// before the gateway call so concurrent refunds never exceed the captured amount.
//
// A gateway decline or rejection yields a REJECTED refund and no error. When the gateway
// cannot be reached the refund stays PENDING, holding its reservation, and an error is
// returned. It is retryable only when the void surely did not reach the gateway; otherwise
// Reconcile settles the refund later.
func (m *Manager) Refund(ctx context.Context, transactionID string, amount int64, reason string) (*models.Refund, error) {
	if amount <= 0 {
		return nil, apperrors.InvalidRefundAmount("refund amount must be greater than zero")
	}

	tx, err := m.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, apperrors.Internal("load transaction", err)
	}
	if tx.Status != models.StatusApproved || tx.GatewayTransactionID == nil {
		return nil, apperrors.InvalidRefundAmount("transaction %s is %s and cannot be refunded", tx.ID, tx.Status)
	}

	now := m.now()
	refund := &models.Refund{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Amount:        amount,
		Reason:        reason,
		Status:        models.RefundPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.ReserveRefund(ctx, refund); err != nil {
		switch {
		case errors.Is(err, repository.ErrRefundExceedsCaptured):
			return nil, apperrors.InvalidRefundAmount("refund of %s exceeds the refundable amount",
				models.FormatAmount(amount, tx.Currency))
		case errors.Is(err, repository.ErrNotRefundable):
			return nil, apperrors.InvalidRefundAmount("transaction %s cannot be refunded", tx.ID)
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperrors.NotFound("transaction %s not found", tx.ID)
		}
		return nil, apperrors.Internal("reserve refund", err)
	}

	m.logger.Info("Refund reserved",
		zap.String("refund_id", refund.ID),
		zap.String("transaction_id", tx.ID),
		zap.Int64("amount", amount),
		zap.String("amount_display", models.FormatAmount(amount, tx.Currency)),
	)

	return m.submit(ctx, tx, refund)
}

// Reconcile settles a refund left PENDING by resubmitting it under its own reference.
// The gateway applies a reference once, so a void that already went through is reported
// again instead of being issued twice. Settled refunds are returned unchanged.
func (m *Manager) Reconcile(ctx context.Context, refund *models.Refund) (*models.Refund, error) {
	if refund.Status != models.RefundPending {
		return refund, nil
	}
	tx, err := m.store.GetTransaction(ctx, refund.TransactionID)
	if err != nil {
		return nil, apperrors.Internal("load transaction", err)
	}
	if tx.GatewayTransactionID == nil {
		return nil, apperrors.Internal("reconcile refund", errors.New("transaction has no gateway id"))
	}
	m.logger.Info("Reconciling pending refund",
		zap.String("refund_id", refund.ID),
		zap.String("transaction_id", tx.ID),
		zap.Duration("age", m.now().Sub(refund.CreatedAt)),
	)
	return m.submit(ctx, tx, refund)
}

// ReconcilePending reconciles up to limit refunds still PENDING since before the cutoff.
// It returns how many were settled; failures are logged and left for the next pass.
func (m *Manager) ReconcilePending(ctx context.Context, createdBefore time.Time, limit int) (settled, failed int, err error) {
	refunds, err := m.store.ListStalePendingRefunds(ctx, createdBefore, limit)
	if err != nil {
		return 0, 0, apperrors.Internal("list pending refunds", err)
	}
	for _, rf := range refunds {
		if ctx.Err() != nil {
			return settled, failed, ctx.Err()
		}
		done, err := m.Reconcile(ctx, rf)
		if err != nil {
			failed++
			m.logger.Warn("Refund reconciliation failed",
				zap.String("refund_id", rf.ID),
				zap.Error(err),
			)
			continue
		}
		if done.Status != models.RefundPending {
			settled++
		}
	}
	return settled, failed, nil
}

// submit sends the refund to the gateway under the refund id as reference and settles it
// from the answer.
func (m *Manager) submit(ctx context.Context, tx *models.Transaction, refund *models.Refund) (*models.Refund, error) {
	result, gwErr := m.gateway.Refund(ctx, *tx.GatewayTransactionID, refund.Amount, refund.ID)
	// The gateway may have acted; what follows must not be cut short by the caller.
	ctx = context.WithoutCancel(ctx)
	if gwErr != nil {
		if apperrors.KindOf(gwErr) == apperrors.KindGatewayRejected {
			return m.reject(ctx, tx, refund, rejectionResult(gwErr))
		}
		telemetry.Refunds.WithLabelValues(string(models.RefundPending)).Inc()
		m.logger.Error("Refund left pending, gateway outcome not known",
			zap.String("refund_id", refund.ID),
			zap.String("transaction_id", tx.ID),
			zap.Bool("outcome_unknown", apperrors.IsOutcomeUnknown(gwErr)),
			zap.Error(gwErr),
		)
		if apperrors.KindOf(gwErr) == apperrors.KindGatewayUnavailable {
			return refund, gwErr
		}
		return refund, apperrors.GatewayUnavailable("refund", gwErr)
	}

	switch result.Status {
	case models.GatewayApproved:
		return m.approve(ctx, tx, refund, result)
	case models.GatewayPending:
		telemetry.Refunds.WithLabelValues(string(models.RefundPending)).Inc()
		m.logger.Info("Refund pending at gateway",
			zap.String("refund_id", refund.ID),
			zap.String("transaction_id", tx.ID),
		)
		return refund, nil
	default:
		return m.reject(ctx, tx, refund, result)
	}
}

func rejectionResult(err error) *models.GatewayResult {
	var appErr *apperrors.Error
	msg := err.Error()
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	return &models.GatewayResult{Status: models.GatewayError, StatusMessage: &msg}
}

func (m *Manager) approve(ctx context.Context, tx *models.Transaction, refund *models.Refund, result *models.GatewayResult) (*models.Refund, error) {
	done, err := m.store.CompleteRefund(ctx, refund.ID, models.RefundApproved, result.GatewayTransactionID, nil, result.Metadata)
	if err != nil {
		return nil, apperrors.Internal("complete refund", err)
	}
	telemetry.Refunds.WithLabelValues(string(models.RefundApproved)).Inc()
	m.logger.Info("Refund approved",
		zap.String("refund_id", done.ID),
		zap.String("transaction_id", tx.ID),
		zap.Int64("amount", done.Amount),
	)

	totals, err := m.store.RefundTotals(ctx, tx.ID)
	if err != nil {
		return nil, apperrors.Internal("sum refunds", err)
	}
	if totals.Approved >= tx.Amount {
		applied, err := m.applier.Apply(ctx, tx.ID, models.Observation{
			Status: models.StatusRefunded,
			Source: models.SourceRefund,
		})
		if err != nil {
			return nil, err
		}
		tx = applied.Transaction
	}

	m.applier.Publish(ctx, m.applier.RefundEvent(tx, done))
	return done, nil
}

func (m *Manager) reject(ctx context.Context, tx *models.Transaction, refund *models.Refund, result *models.GatewayResult) (*models.Refund, error) {
	reason := result.StatusMessage
	if reason == nil {
		reason = result.ErrorCode
	}
	done, err := m.store.CompleteRefund(ctx, refund.ID, models.RefundRejected, result.GatewayTransactionID, reason, result.Metadata)
	if err != nil {
		return nil, apperrors.Internal("complete refund", err)
	}
	telemetry.Refunds.WithLabelValues(string(models.RefundRejected)).Inc()
	m.logger.Warn("Refund rejected by gateway",
		zap.String("refund_id", done.ID),
		zap.String("transaction_id", tx.ID),
		zap.String("gateway_status", string(result.Status)),
	)
	return done, nil
}

// List returns the refunds of a transaction, oldest first.
func (m *Manager) List(ctx context.Context, transactionID string) ([]*models.Refund, error) {
	refunds, err := m.store.ListRefunds(ctx, transactionID)
	if err != nil {
		return nil, apperrors.Internal("list refunds", err)
	}
	return refunds, nil
}
