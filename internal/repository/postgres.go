package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/storefront-payments/internal/models"
)

const activeOrderConstraint = "uq_transactions_active_order"

const transactionColumns = `id, order_id, amount, currency, method, gateway, gateway_transaction_id,
	status, redirect_url, failure_code, failure_reason, metadata, gateway_updated_at, created_at, updated_at`

const refundColumns = `id, transaction_id, amount, reason, status, gateway_refund_id, failure_reason,
	metadata, created_at, updated_at`

const webhookColumns = `id, gateway, event_type, gateway_transaction_id, reference, claimed_status,
	raw_payload, metadata, gateway_timestamp, received_at, processed_at, note`

// PaymentRepository is the Postgres-backed Store.
type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(&tx.ID, &tx.OrderID, &tx.Amount, &tx.Currency, &tx.Method, &tx.Gateway,
		&tx.GatewayTransactionID, &tx.Status, &tx.RedirectURL, &tx.FailureCode, &tx.FailureReason,
		&tx.Metadata, &tx.GatewayUpdatedAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *PaymentRepository) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $15)
	`, tx.ID, tx.OrderID, tx.Amount, tx.Currency, string(tx.Method), tx.Gateway,
		tx.GatewayTransactionID, string(tx.Status), tx.RedirectURL, tx.FailureCode, tx.FailureReason,
		tx.Metadata, tx.GatewayUpdatedAt, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeOrderConstraint {
			return ErrActivePaymentExists
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (r *PaymentRepository) FindByGatewayTransactionID(ctx context.Context, gateway, gatewayTransactionID string) (*models.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE gateway = $1 AND gateway_transaction_id = $2`,
		gateway, gatewayTransactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by gateway id: %w", err)
	}
	return tx, nil
}

func (r *PaymentRepository) FindActiveByOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE order_id = $1 AND status IN ('PENDING', 'APPROVED')
		ORDER BY created_at DESC LIMIT 1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active transaction: %w", err)
	}
	return tx, nil
}

// CompareAndSwap is a conditional UPDATE keyed by id and the previously observed status.
// Zero rows means either the row is missing or another writer moved it first.
func (r *PaymentRepository) CompareAndSwap(ctx context.Context, id string, expected models.TransactionStatus, upd models.TransactionUpdate) (*models.Transaction, error) {
	var metadata any
	if len(upd.Metadata) > 0 {
		metadata = upd.Metadata
	}

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, `
		UPDATE transactions SET
			status = $3,
			gateway_transaction_id = COALESCE($4, gateway_transaction_id),
			redirect_url = COALESCE($5, redirect_url),
			failure_code = COALESCE($6, failure_code),
			failure_reason = COALESCE($7, failure_reason),
			metadata = metadata || COALESCE($8::jsonb, '{}'::jsonb),
			gateway_updated_at = COALESCE($9, gateway_updated_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+transactionColumns,
		id, string(expected), string(upd.Status), upd.GatewayTransactionID, upd.RedirectURL,
		upd.FailureCode, upd.FailureReason, metadata, upd.GatewayUpdatedAt))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("compare and swap transaction: %w", err)
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read transaction status: %w", err)
	}
	return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, expected, current)
}

func (r *PaymentRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (r *PaymentRepository) RecordConflict(ctx context.Context, c *models.Conflict) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transaction_conflicts
			(id, transaction_id, source, stored_status, observed_status, stored_at, observed_at, verdict, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.TransactionID, string(c.Source), string(c.StoredStatus), string(c.ObservedStatus),
		c.StoredAt, c.ObservedAt, string(c.Verdict), c.Reason, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (r *PaymentRepository) SaveWebhookEvent(ctx context.Context, evt *models.WebhookEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12)
	`, evt.ID, evt.Gateway, evt.EventType, evt.GatewayTransactionID, evt.Reference,
		string(evt.ClaimedStatus), evt.RawPayload, evt.Metadata, evt.GatewayTimestamp,
		evt.ReceivedAt, evt.ProcessedAt, evt.Note)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (r *PaymentRepository) ClaimWebhookKey(ctx context.Context, key, eventID string) (bool, error) {
	var holder string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_dedup (dedup_key, event_id) VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO UPDATE SET dedup_key = EXCLUDED.dedup_key
		RETURNING event_id
	`, key, eventID).Scan(&holder)
	if err != nil {
		return false, fmt.Errorf("claim webhook key: %w", err)
	}
	return holder == eventID, nil
}

func (r *PaymentRepository) ReleaseWebhookKey(ctx context.Context, key, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_dedup WHERE dedup_key = $1 AND event_id = $2`, key, eventID)
	if err != nil {
		return fmt.Errorf("release webhook key: %w", err)
	}
	return nil
}

func (r *PaymentRepository) MarkWebhookProcessed(ctx context.Context, eventID, note string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed_at = NOW(), note = $2
		WHERE id = $1 AND processed_at IS NULL
	`, eventID, note)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
			return fmt.Errorf("check webhook event: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (r *PaymentRepository) ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]*models.WebhookEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE processed_at IS NULL AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, receivedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed webhook events: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		var evt models.WebhookEvent
		if err := rows.Scan(&evt.ID, &evt.Gateway, &evt.EventType, &evt.GatewayTransactionID,
			&evt.Reference, &evt.ClaimedStatus, &evt.RawPayload, &evt.Metadata,
			&evt.GatewayTimestamp, &evt.ReceivedAt, &evt.ProcessedAt, &evt.Note); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// ReserveRefund locks the transaction row so concurrent reservations see each other.
func (r *PaymentRepository) ReserveRefund(ctx context.Context, refund *models.Refund) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	var captured int64
	var status string
	err = dbTx.QueryRowContext(ctx,
		`SELECT amount, status FROM transactions WHERE id = $1 FOR UPDATE`, refund.TransactionID).
		Scan(&captured, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock transaction: %w", err)
	}
	if models.TransactionStatus(status) != models.StatusApproved {
		return fmt.Errorf("%w: status %s", ErrNotRefundable, status)
	}

	var committed int64
	if err := dbTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM refunds
		WHERE transaction_id = $1 AND status IN ('PENDING', 'APPROVED')
	`, refund.TransactionID).Scan(&committed); err != nil {
		return fmt.Errorf("sum refunds: %w", err)
	}
	if committed+refund.Amount > captured {
		return fmt.Errorf("%w: remaining %d", ErrRefundExceedsCaptured, captured-committed)
	}

	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
	`, refund.ID, refund.TransactionID, refund.Amount, refund.Reason, string(refund.Status),
		refund.GatewayRefundID, refund.FailureReason, refund.Metadata, refund.CreatedAt, refund.UpdatedAt); err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}

	return dbTx.Commit()
}

func scanRefund(row scanner) (*models.Refund, error) {
	var rf models.Refund
	err := row.Scan(&rf.ID, &rf.TransactionID, &rf.Amount, &rf.Reason, &rf.Status,
		&rf.GatewayRefundID, &rf.FailureReason, &rf.Metadata, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

// CompleteRefund settles a PENDING refund. Settled refunds are never rewritten.
func (r *PaymentRepository) CompleteRefund(ctx context.Context, id string, status models.RefundStatus, gatewayRefundID, failureReason *string, metadata models.Metadata) (*models.Refund, error) {
	var meta any
	if len(metadata) > 0 {
		meta = metadata
	}
	rf, err := scanRefund(r.db.QueryRowContext(ctx, `
		UPDATE refunds SET
			status = $2,
			gateway_refund_id = COALESCE($3, gateway_refund_id),
			failure_reason = COALESCE($4, failure_reason),
			metadata = metadata || COALESCE($5::jsonb, '{}'::jsonb),
			updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+refundColumns,
		id, string(status), gatewayRefundID, failureReason, meta))
	if err == nil {
		return rf, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("complete refund: %w", err)
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM refunds WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read refund status: %w", err)
	}
	return nil, fmt.Errorf("%w: refund already %s", ErrStaleStatus, current)
}

func (r *PaymentRepository) ListRefunds(ctx context.Context, transactionID string) ([]*models.Refund, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE transaction_id = $1 ORDER BY created_at ASC`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*models.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		refunds = append(refunds, rf)
	}
	return refunds, rows.Err()
}

func (r *PaymentRepository) ListStalePendingRefunds(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Refund, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*models.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		refunds = append(refunds, rf)
	}
	return refunds, rows.Err()
}

func (r *PaymentRepository) RefundTotals(ctx context.Context, transactionID string) (models.RefundTotals, error) {
	var totals models.RefundTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'APPROVED' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN amount ELSE 0 END), 0)
		FROM refunds WHERE transaction_id = $1
	`, transactionID).Scan(&totals.Approved, &totals.Pending)
	if err != nil {
		return totals, fmt.Errorf("refund totals: %w", err)
	}
	return totals, nil
}

func (r *PaymentRepository) AppendFailedAttempt(ctx context.Context, a *models.FailedAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failed_attempts
			(id, order_id, transaction_id, gateway, method, amount, error_code, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
	`, a.ID, a.OrderID, a.TransactionID, a.Gateway, string(a.Method), a.Amount,
		a.ErrorCode, a.ErrorMessage, a.Metadata, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failed attempt: %w", err)
	}
	return nil
}

func (r *PaymentRepository) AppendGatewayLog(ctx context.Context, l *models.GatewayLog) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO gateway_logs
			(gateway, operation, attempt, request, response, status_code, response_time_ms, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, l.Gateway, l.Operation, l.Attempt, l.Request, l.Response, l.StatusCode,
		l.ResponseTime, l.Success, l.Error, l.CreatedAt).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert gateway log: %w", err)
	}
	return nil
}
