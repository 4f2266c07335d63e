package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/storefront-payments/internal/models"
)

// TransactionStore is the single source of truth for payment attempts.
// Status changes go through CompareAndSwap only.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	FindByGatewayTransactionID(ctx context.Context, gateway, gatewayTransactionID string) (*models.Transaction, error)
	// FindActiveByOrder returns the PENDING or APPROVED transaction of the order, if any.
	FindActiveByOrder(ctx context.Context, orderID string) (*models.Transaction, error)
	// CompareAndSwap commits upd only when the stored status still equals expected.
	// It returns repository.ErrStaleStatus when another writer got there first.
	CompareAndSwap(ctx context.Context, id string, expected models.TransactionStatus, upd models.TransactionUpdate) (*models.Transaction, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Transaction, error)
	RecordConflict(ctx context.Context, c *models.Conflict) error
}

type WebhookStore interface {
	SaveWebhookEvent(ctx context.Context, evt *models.WebhookEvent) error
	// ClaimWebhookKey atomically takes the idempotency key for an event.
	// It returns false when another event already holds it; the holder may claim again.
	ClaimWebhookKey(ctx context.Context, key, eventID string) (bool, error)
	ReleaseWebhookKey(ctx context.Context, key, eventID string) error
	MarkWebhookProcessed(ctx context.Context, eventID, note string) error
	ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]*models.WebhookEvent, error)
}

type RefundStore interface {
	// ReserveRefund inserts a PENDING refund if the transaction is APPROVED and the amount fits
	// in what is left after approved and pending refunds.
	ReserveRefund(ctx context.Context, r *models.Refund) error
	CompleteRefund(ctx context.Context, id string, status models.RefundStatus, gatewayRefundID, failureReason *string, metadata models.Metadata) (*models.Refund, error)
	ListRefunds(ctx context.Context, transactionID string) ([]*models.Refund, error)
	RefundTotals(ctx context.Context, transactionID string) (models.RefundTotals, error)
	// ListStalePendingRefunds returns PENDING refunds created before the cutoff, oldest first.
	ListStalePendingRefunds(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Refund, error)
}

// DiagnosticsStore holds the append-only support trails.
type DiagnosticsStore interface {
	AppendFailedAttempt(ctx context.Context, a *models.FailedAttempt) error
	GatewayLogRecorder
}

type GatewayLogRecorder interface {
	AppendGatewayLog(ctx context.Context, l *models.GatewayLog) error
}

type Store interface {
	TransactionStore
	WebhookStore
	RefundStore
	DiagnosticsStore
}
