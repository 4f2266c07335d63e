package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/storefront-payments/internal/models"
)

var txColumns = []string{
	"id", "order_id", "amount", "currency", "method", "gateway", "gateway_transaction_id",
	"status", "redirect_url", "failure_code", "failure_reason", "metadata", "gateway_updated_at",
	"created_at", "updated_at",
}

func newMockRepo(t *testing.T) (*PaymentRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPaymentRepository(db), mock
}

func TestPaymentRepository_CompareAndSwapApplies(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE transactions SET`).
		WillReturnRows(sqlmock.NewRows(txColumns).AddRow(
			"tx-1", "order-1", int64(320000), "COP", "CARD", "wompi", "wompi-123",
			"APPROVED", nil, nil, nil, `{"payment_method.type":"CARD"}`, now, now, now))

	tx, err := repo.CompareAndSwap(context.Background(), "tx-1", models.StatusPending, models.TransactionUpdate{
		Status:               models.StatusApproved,
		GatewayTransactionID: models.StringPtr("wompi-123"),
		Metadata:             models.Metadata{"payment_method.type": "CARD"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, tx.Status)
	assert.Equal(t, "wompi-123", *tx.GatewayTransactionID)
	assert.Equal(t, "CARD", tx.Metadata["payment_method.type"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_CompareAndSwapLosesRace(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`UPDATE transactions SET`).WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectQuery(`SELECT status FROM transactions`).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))

	_, err := repo.CompareAndSwap(context.Background(), "tx-1", models.StatusPending,
		models.TransactionUpdate{Status: models.StatusApproved})
	assert.ErrorIs(t, err, ErrStaleStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_CompareAndSwapMissingRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`UPDATE transactions SET`).WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectQuery(`SELECT status FROM transactions`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.CompareAndSwap(context.Background(), "missing", models.StatusPending,
		models.TransactionUpdate{Status: models.StatusApproved})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaymentRepository_CreateTransactionActiveOrder(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: activeOrderConstraint})

	err := repo.CreateTransaction(context.Background(), &models.Transaction{
		ID: "tx-2", OrderID: "order-1", Amount: 1000, Currency: "COP",
		Method: models.MethodCard, Gateway: "wompi", Status: models.StatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrActivePaymentExists)
}

func TestPaymentRepository_ReserveRefund(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT amount, status FROM transactions WHERE id = \$1 FOR UPDATE`).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount", "status"}).AddRow(int64(320000), "APPROVED"))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM refunds`).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(160000)))
	mock.ExpectExec(`INSERT INTO refunds`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.ReserveRefund(context.Background(), &models.Refund{
		ID: "rf-2", TransactionID: "tx-1", Amount: 160000, Status: models.RefundPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_ReserveRefundExceedsCaptured(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"amount", "status"}).AddRow(int64(320000), "APPROVED"))
	mock.ExpectQuery(`FROM refunds`).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(320000)))
	mock.ExpectRollback()

	err := repo.ReserveRefund(context.Background(), &models.Refund{
		ID: "rf-3", TransactionID: "tx-1", Amount: 1, Status: models.RefundPending,
	})
	assert.ErrorIs(t, err, ErrRefundExceedsCaptured)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_ReserveRefundNotApproved(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"amount", "status"}).AddRow(int64(320000), "PENDING"))
	mock.ExpectRollback()

	err := repo.ReserveRefund(context.Background(), &models.Refund{
		ID: "rf-1", TransactionID: "tx-1", Amount: 100, Status: models.RefundPending,
	})
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestPaymentRepository_ClaimWebhookKey(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO webhook_dedup`).
		WithArgs("wompi|123|APPROVED", "evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("evt-1"))
	mock.ExpectQuery(`INSERT INTO webhook_dedup`).
		WithArgs("wompi|123|APPROVED", "evt-2").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("evt-1"))

	claimed, err := repo.ClaimWebhookKey(context.Background(), "wompi|123|APPROVED", "evt-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimWebhookKey(context.Background(), "wompi|123|APPROVED", "evt-2")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestPaymentRepository_RefundTotals(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`FROM refunds WHERE transaction_id = \$1`).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"approved", "pending"}).AddRow(int64(100), int64(50)))

	totals, err := repo.RefundTotals(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), totals.Committed())
}

func TestPaymentRepository_ListStalePendingRefunds(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-5 * time.Minute)
	created := cutoff.Add(-time.Hour)

	mock.ExpectQuery(`FROM refunds\s+WHERE status = 'PENDING' AND created_at < \$1`).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "transaction_id", "amount", "reason", "status", "gateway_refund_id", "failure_reason",
			"metadata", "created_at", "updated_at",
		}).AddRow("rf-1", "tx-1", int64(160000), "damaged", "PENDING", nil, nil, `{}`, created, created))

	refunds, err := repo.ListStalePendingRefunds(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, "rf-1", refunds[0].ID)
	assert.Equal(t, models.RefundPending, refunds[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
