package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/storefront-payments/internal/models"
)

func pendingTx(id, orderID string, amount int64) *models.Transaction {
	now := time.Now()
	return &models.Transaction{
		ID: id, OrderID: orderID, Amount: amount, Currency: "COP",
		Method: models.MethodCard, Gateway: "wompi", Status: models.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestMemoryRepository_CompareAndSwapSingleWinner(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-1", "order-1", 1000)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := models.StatusApproved
			if i%2 == 0 {
				next = models.StatusFailed
			}
			if _, err := repo.CompareAndSwap(ctx, "tx-1", models.StatusPending, models.TransactionUpdate{Status: next}); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrStaleStatus)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tx := pendingTx("tx-1", "order-1", 1000)
	tx.Metadata = models.Metadata{"k": "v"}
	require.NoError(t, repo.CreateTransaction(ctx, tx))

	got, err := repo.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	got.Status = models.StatusApproved
	got.Metadata["k"] = "changed"

	again, err := repo.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestMemoryRepository_OneActivePaymentPerOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-1", "order-1", 1000)))

	err := repo.CreateTransaction(ctx, pendingTx("tx-2", "order-1", 1000))
	assert.ErrorIs(t, err, ErrActivePaymentExists)

	_, err = repo.CompareAndSwap(ctx, "tx-1", models.StatusPending, models.TransactionUpdate{Status: models.StatusFailed})
	require.NoError(t, err)
	assert.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-2", "order-1", 1000)))
}

func TestMemoryRepository_GatewayIDUnique(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-1", "order-1", 1000)))
	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-2", "order-2", 1000)))

	_, err := repo.CompareAndSwap(ctx, "tx-1", models.StatusPending, models.TransactionUpdate{
		Status: models.StatusPending, GatewayTransactionID: models.StringPtr("gw-1"),
	})
	require.NoError(t, err)

	_, err = repo.CompareAndSwap(ctx, "tx-2", models.StatusPending, models.TransactionUpdate{
		Status: models.StatusPending, GatewayTransactionID: models.StringPtr("gw-1"),
	})
	assert.Error(t, err)

	found, err := repo.FindByGatewayTransactionID(ctx, "wompi", "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", found.ID)
}

func TestMemoryRepository_ConcurrentRefundReservations(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-1", "order-1", 1000)))
	_, err := repo.CompareAndSwap(ctx, "tx-1", models.StatusPending, models.TransactionUpdate{Status: models.StatusApproved})
	require.NoError(t, err)

	var reserved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.ReserveRefund(ctx, &models.Refund{
				ID: fmt.Sprintf("rf-%d", i), TransactionID: "tx-1", Amount: 300,
				Status: models.RefundPending, CreatedAt: time.Now(),
			})
			if err == nil {
				reserved.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrRefundExceedsCaptured)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), reserved.Load())
	totals, err := repo.RefundTotals(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), totals.Pending)
}

func TestMemoryRepository_WebhookClaimAndRelease(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	ok, err := repo.ClaimWebhookKey(ctx, "k", "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimWebhookKey(ctx, "k", "evt-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = repo.ClaimWebhookKey(ctx, "k", "evt-1")
	assert.True(t, ok, "the holder may claim again")

	require.NoError(t, repo.ReleaseWebhookKey(ctx, "k", "evt-2"))
	ok, _ = repo.ClaimWebhookKey(ctx, "k", "evt-3")
	assert.False(t, ok, "only the holder may release")

	require.NoError(t, repo.ReleaseWebhookKey(ctx, "k", "evt-1"))
	ok, _ = repo.ClaimWebhookKey(ctx, "k", "evt-3")
	assert.True(t, ok)
}

func TestMemoryRepository_ListStalePending(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	old := pendingTx("tx-old", "order-1", 1000)
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.CreateTransaction(ctx, old))
	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-new", "order-2", 1000)))

	stale, err := repo.ListStalePending(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "tx-old", stale[0].ID)
}

func TestMemoryRepository_ListStalePendingRefunds(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-1", "order-1", 1000)))
	_, err := repo.CompareAndSwap(ctx, "tx-1", models.StatusPending, models.TransactionUpdate{Status: models.StatusApproved})
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	for _, rf := range []*models.Refund{
		{ID: "rf-old", TransactionID: "tx-1", Amount: 100, Status: models.RefundPending, CreatedAt: old},
		{ID: "rf-settled", TransactionID: "tx-1", Amount: 100, Status: models.RefundPending, CreatedAt: old.Add(-time.Minute)},
		{ID: "rf-new", TransactionID: "tx-1", Amount: 100, Status: models.RefundPending, CreatedAt: time.Now()},
	} {
		require.NoError(t, repo.ReserveRefund(ctx, rf))
	}
	_, err = repo.CompleteRefund(ctx, "rf-settled", models.RefundApproved, nil, nil, nil)
	require.NoError(t, err)

	stale, err := repo.ListStalePendingRefunds(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "rf-old", stale[0].ID)
}
