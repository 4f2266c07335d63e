package refund

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/gateway"
	"github.com/akylbek/storefront-payments/internal/gateway/wompitest"
	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/repository"
	"github.com/akylbek/storefront-payments/internal/transition"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) count(typ models.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	srv     *wompitest.Server
	store   *repository.MemoryRepository
	pub     *recordingPublisher
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := wompitest.NewServer()
	t.Cleanup(srv.Close)

	cfg := gateway.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.PublicKey = wompitest.PublicKey
	cfg.PrivateKey = wompitest.PrivateKey
	cfg.MaxRetries = 1
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond

	store := repository.NewMemoryRepository()
	client := gateway.NewWompiClient(cfg, nil, store, zap.NewNop())
	pub := &recordingPublisher{}
	applier := transition.NewApplier(store, nil, pub, zap.NewNop())
	return &fixture{srv: srv, store: store, pub: pub, manager: NewManager(store, client, applier, zap.NewNop())}
}

// approved charges amount at the sandbox and stores the matching APPROVED transaction.
func (f *fixture) approved(t *testing.T, id string, amount int64) {
	t.Helper()
	client := f.manager.gateway
	result, err := client.CreateCharge(context.Background(), models.ChargeRequest{
		Reference: id, Amount: amount, Currency: "COP", Method: models.MethodCard,
		Customer:  models.Customer{Email: "buyer@example.com"},
		CardToken: wompitest.ApprovedCardToken,
	})
	require.NoError(t, err)
	require.Equal(t, models.GatewayApproved, result.Status)

	now := time.Now()
	require.NoError(t, f.store.CreateTransaction(context.Background(), &models.Transaction{
		ID: id, OrderID: "order-" + id, Amount: amount, Currency: "COP", Method: models.MethodCard,
		Gateway: gateway.WompiName, GatewayTransactionID: result.GatewayTransactionID,
		Status: models.StatusApproved, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestManager_PartialThenFullRefund(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "tx-1", 320000)
	ctx := context.Background()

	first, err := f.manager.Refund(ctx, "tx-1", 160000, "damaged item")
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, first.Status)
	require.NotNil(t, first.GatewayRefundID)

	tx, _ := f.store.GetTransaction(ctx, "tx-1")
	assert.Equal(t, models.StatusApproved, tx.Status, "partial refunds keep the transaction approved")

	second, err := f.manager.Refund(ctx, "tx-1", 160000, "rest of the order")
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, second.Status)

	tx, _ = f.store.GetTransaction(ctx, "tx-1")
	assert.Equal(t, models.StatusRefunded, tx.Status)

	_, err = f.manager.Refund(ctx, "tx-1", 1, "again")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRefundAmount)

	refunds, err := f.manager.List(ctx, "tx-1")
	require.NoError(t, err)
	assert.Len(t, refunds, 2)

	assert.Equal(t, 2, f.pub.count(models.EventRefunded))
	assert.Equal(t, 1, f.pub.count(models.EventTransitioned))
}

func TestManager_RejectsBeforeGateway(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "tx-1", 320000)
	ctx := context.Background()

	_, err := f.manager.Refund(ctx, "tx-1", 0, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRefundAmount)

	_, err = f.manager.Refund(ctx, "tx-1", 320001, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRefundAmount)

	_, err = f.manager.Refund(ctx, "missing", 100, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	now := time.Now()
	require.NoError(t, f.store.CreateTransaction(ctx, &models.Transaction{
		ID: "tx-pending", OrderID: "order-2", Amount: 1000, Currency: "COP", Method: models.MethodPSE,
		Gateway: gateway.WompiName, Status: models.StatusPending, CreatedAt: now, UpdatedAt: now,
	}))
	_, err = f.manager.Refund(ctx, "tx-pending", 100, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRefundAmount)

	assert.Equal(t, 0, f.srv.Calls("POST /transactions/void"))
}

func TestManager_GatewayUnavailableKeepsReservation(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "tx-1", 320000)
	ctx := context.Background()

	f.srv.FailNext(10, http.StatusServiceUnavailable)
	refund, err := f.manager.Refund(ctx, "tx-1", 300000, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsOutcomeUnknown(err))
	assert.False(t, apperrors.IsRetryable(err), "a void that may have landed is reconciled, not retried")
	assert.Equal(t, 1, f.srv.Calls("POST /transactions/void"))
	require.NotNil(t, refund)
	assert.Equal(t, models.RefundPending, refund.Status)

	totals, _ := f.store.RefundTotals(ctx, "tx-1")
	assert.Equal(t, int64(300000), totals.Pending)

	f.srv.FailNext(0, 0)
	_, err = f.manager.Refund(ctx, "tx-1", 30000, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRefundAmount, "the pending refund still counts")

	settled, err := f.manager.Reconcile(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, settled.Status)
	assert.Equal(t, int64(300000), f.srv.Voided(gatewayID(t, f, "tx-1")))
}

func TestManager_LostVoidResponseIsReconciledOnce(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "tx-1", 320000)
	ctx := context.Background()
	gwID := gatewayID(t, f, "tx-1")

	f.srv.LoseResponses("POST /transactions/void", 1)
	refund, err := f.manager.Refund(ctx, "tx-1", 320000, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsOutcomeUnknown(err))
	assert.Equal(t, models.RefundPending, refund.Status)
	assert.Equal(t, 1, f.srv.Calls("POST /transactions/void"), "a void is never resent blindly")
	assert.Equal(t, int64(320000), f.srv.Voided(gwID), "the gateway did void")

	settled, failed, err := f.manager.ReconcilePending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Zero(t, failed)
	assert.Equal(t, int64(320000), f.srv.Voided(gwID), "resubmitting under the same reference voids nothing more")

	refunds, _ := f.manager.List(ctx, "tx-1")
	require.Len(t, refunds, 1)
	assert.Equal(t, models.RefundApproved, refunds[0].Status)
	require.NotNil(t, refunds[0].GatewayRefundID)

	tx, _ := f.store.GetTransaction(ctx, "tx-1")
	assert.Equal(t, models.StatusRefunded, tx.Status)
	assert.Equal(t, 1, f.pub.count(models.EventRefunded))

	again, failed, err := f.manager.ReconcilePending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Zero(t, failed)
}

func gatewayID(t *testing.T, f *fixture, txID string) string {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	require.NotNil(t, tx.GatewayTransactionID)
	return *tx.GatewayTransactionID
}

type rejectingGateway struct {
	interfaces.GatewayClient
	err error
}

func (g rejectingGateway) Refund(context.Context, string, int64, string) (*models.GatewayResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	msg := "refund window closed"
	return &models.GatewayResult{Status: models.GatewayDeclined, StatusMessage: &msg}, nil
}

func TestManager_GatewayRejection(t *testing.T) {
	store := repository.NewMemoryRepository()
	applier := transition.NewApplier(store, nil, nil, zap.NewNop())
	m := NewManager(store, rejectingGateway{}, applier, zap.NewNop())
	ctx := context.Background()

	gwID := "gw-1"
	now := time.Now()
	require.NoError(t, store.CreateTransaction(ctx, &models.Transaction{
		ID: "tx-1", OrderID: "o1", Amount: 1000, Currency: "COP", Method: models.MethodCard,
		Gateway: gateway.WompiName, GatewayTransactionID: &gwID,
		Status: models.StatusApproved, CreatedAt: now, UpdatedAt: now,
	}))

	refund, err := m.Refund(ctx, "tx-1", 1000, "")
	require.NoError(t, err)
	assert.Equal(t, models.RefundRejected, refund.Status)
	assert.Equal(t, "refund window closed", *refund.FailureReason)

	tx, _ := store.GetTransaction(ctx, "tx-1")
	assert.Equal(t, models.StatusApproved, tx.Status)

	totals, _ := store.RefundTotals(ctx, "tx-1")
	assert.Zero(t, totals.Committed(), "a rejected refund frees its reservation")
}

func TestManager_RefusedVoidRequestIsRejected(t *testing.T) {
	store := repository.NewMemoryRepository()
	applier := transition.NewApplier(store, nil, nil, zap.NewNop())
	gw := rejectingGateway{err: apperrors.GatewayRejected("refund", "INPUT_VALIDATION_ERROR", "transaction is not approved")}
	m := NewManager(store, gw, applier, zap.NewNop())
	ctx := context.Background()

	gwID := "gw-1"
	now := time.Now()
	require.NoError(t, store.CreateTransaction(ctx, &models.Transaction{
		ID: "tx-1", OrderID: "o1", Amount: 1000, Currency: "COP", Method: models.MethodCard,
		Gateway: gateway.WompiName, GatewayTransactionID: &gwID,
		Status: models.StatusApproved, CreatedAt: now, UpdatedAt: now,
	}))

	refund, err := m.Refund(ctx, "tx-1", 400, "")
	require.NoError(t, err)
	assert.Equal(t, models.RefundRejected, refund.Status)
	require.NotNil(t, refund.FailureReason)
	assert.Contains(t, *refund.FailureReason, "transaction is not approved")

	totals, _ := store.RefundTotals(ctx, "tx-1")
	assert.Zero(t, totals.Committed())

	pending, _, err := m.ReconcilePending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, pending, "nothing is left pending")
}
