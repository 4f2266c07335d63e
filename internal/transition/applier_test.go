package transition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/repository"
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

func (p *recordingPublisher) Events() []models.PaymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PaymentEvent(nil), p.events...)
}

type orderRecorder struct {
	mu       sync.Mutex
	statuses map[string]models.OrderPaymentStatus
}

func (o *orderRecorder) GetPaymentStatus(_ context.Context, orderID string) (models.OrderPaymentStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.statuses[orderID]; ok {
		return s, nil
	}
	return models.OrderUnpaid, nil
}

func (o *orderRecorder) SetPaymentStatus(_ context.Context, orderID string, status models.OrderPaymentStatus, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[orderID] = status
	return nil
}

// racingStore commits a competing write right before the first compare-and-set.
type racingStore struct {
	*repository.MemoryRepository
	once   sync.Once
	racing models.TransactionUpdate
}

func (s *racingStore) CompareAndSwap(ctx context.Context, id string, expected models.TransactionStatus, upd models.TransactionUpdate) (*models.Transaction, error) {
	s.once.Do(func() {
		_, _ = s.MemoryRepository.CompareAndSwap(ctx, id, expected, s.racing)
	})
	return s.MemoryRepository.CompareAndSwap(ctx, id, expected, upd)
}

func setup(t *testing.T) (*repository.MemoryRepository, *Applier, *recordingPublisher, *orderRecorder) {
	t.Helper()
	store := repository.NewMemoryRepository()
	pub := &recordingPublisher{}
	orders := &orderRecorder{statuses: map[string]models.OrderPaymentStatus{}}
	return store, NewApplier(store, orders, pub, zap.NewNop()), pub, orders
}

func seed(t *testing.T, store interface {
	CreateTransaction(context.Context, *models.Transaction) error
}, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreateTransaction(context.Background(), &models.Transaction{
		ID: id, OrderID: "order-" + id, Amount: 450000, Currency: "COP",
		Method: models.MethodCard, Gateway: "wompi", Status: models.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestApplier_CommitsAndProjects(t *testing.T) {
	store, applier, pub, orders := setup(t)
	seed(t, store, "tx-1")

	gwID := "gw-1"
	res, err := applier.Apply(context.Background(), "tx-1", models.Observation{
		Status: models.StatusApproved, Source: models.SourceWebhook, GatewayTransactionID: &gwID,
	})
	require.NoError(t, err)

	assert.True(t, res.Committed)
	assert.Equal(t, models.StatusPending, res.Previous)
	assert.Equal(t, models.StatusApproved, res.Transaction.Status)
	assert.Equal(t, "gw-1", *res.Transaction.GatewayTransactionID)

	status, _ := orders.GetPaymentStatus(context.Background(), "order-tx-1")
	assert.Equal(t, models.OrderPaid, status)

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTransitioned, events[0].Type)
	assert.Equal(t, "4500.00", events[0].AmountDisplay)
}

func TestApplier_ConflictIsRecordedNotApplied(t *testing.T) {
	store, applier, pub, _ := setup(t)
	seed(t, store, "tx-1")
	ctx := context.Background()

	_, err := applier.Apply(ctx, "tx-1", models.Observation{Status: models.StatusFailed, Source: models.SourceCheckout})
	require.NoError(t, err)

	res, err := applier.Apply(ctx, "tx-1", models.Observation{Status: models.StatusApproved, Source: models.SourceWebhook})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.ActionConflict, res.Decision.Action)

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)

	conflicts := store.Conflicts("tx-1")
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.StatusFailed, conflicts[0].StoredStatus)
	assert.Equal(t, models.StatusApproved, conflicts[0].ObservedStatus)

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventConflict, events[1].Type)
}

func TestApplier_NewerGatewayDecisionOverridesApproved(t *testing.T) {
	store, applier, pub, orders := setup(t)
	seed(t, store, "tx-1")
	ctx := context.Background()

	approvedAt := time.Now().Add(-time.Hour)
	_, err := applier.Apply(ctx, "tx-1", models.Observation{
		Status: models.StatusApproved, Source: models.SourceCheckout, ObservedAt: &approvedAt,
	})
	require.NoError(t, err)

	declinedAt := time.Now()
	code := "DECLINED"
	res, err := applier.Apply(ctx, "tx-1", models.Observation{
		Status: models.StatusFailed, Source: models.SourceWebhook, ObservedAt: &declinedAt, FailureCode: &code,
	})
	require.NoError(t, err)

	assert.True(t, res.Committed)
	assert.Equal(t, models.ActionOverride, res.Decision.Action)
	assert.Equal(t, models.StatusApproved, res.Previous)
	assert.Equal(t, models.StatusFailed, res.Transaction.Status)
	assert.Equal(t, "DECLINED", *res.Transaction.FailureCode)
	assert.True(t, declinedAt.Equal(*res.Transaction.GatewayUpdatedAt))

	conflicts := store.Conflicts("tx-1")
	require.Len(t, conflicts, 1, "the override is still kept for review")
	assert.Equal(t, models.VerdictObservedNewer, conflicts[0].Verdict)
	assert.Equal(t, models.StatusApproved, conflicts[0].StoredStatus)
	assert.Equal(t, models.StatusFailed, conflicts[0].ObservedStatus)

	status, _ := orders.GetPaymentStatus(ctx, "order-tx-1")
	assert.Equal(t, models.OrderPaymentFailed, status)

	var types []models.EventType
	for _, evt := range pub.Events() {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []models.EventType{models.EventTransitioned, models.EventConflict, models.EventTransitioned}, types)

	later := time.Now().Add(time.Hour)
	res, err = applier.Apply(ctx, "tx-1", models.Observation{
		Status: models.StatusApproved, Source: models.SourceWebhook, ObservedAt: &later,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionConflict, res.Decision.Action, "FAILED is never left")
	assert.Equal(t, models.StatusFailed, res.Transaction.Status)
}

func TestApplier_OlderGatewayDecisionLeavesApproved(t *testing.T) {
	store, applier, _, _ := setup(t)
	seed(t, store, "tx-1")
	ctx := context.Background()

	approvedAt := time.Now()
	_, err := applier.Apply(ctx, "tx-1", models.Observation{
		Status: models.StatusApproved, Source: models.SourceCheckout, ObservedAt: &approvedAt,
	})
	require.NoError(t, err)

	declinedAt := approvedAt.Add(-time.Minute)
	res, err := applier.Apply(ctx, "tx-1", models.Observation{
		Status: models.StatusFailed, Source: models.SourceWebhook, ObservedAt: &declinedAt,
	})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.StatusApproved, res.Transaction.Status)

	conflicts := store.Conflicts("tx-1")
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.VerdictStoredNewer, conflicts[0].Verdict)
}

func TestApplier_LostCompareAndSetIsReevaluated(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &racingStore{MemoryRepository: mem, racing: models.TransactionUpdate{Status: models.StatusApproved}}
	seed(t, mem, "tx-1")
	applier := NewApplier(store, nil, nil, zap.NewNop())

	res, err := applier.Apply(context.Background(), "tx-1", models.Observation{
		Status: models.StatusFailed, Source: models.SourceVerify,
	})
	require.NoError(t, err)

	assert.False(t, res.Committed)
	assert.Equal(t, models.ActionConflict, res.Decision.Action, "re-evaluated against APPROVED")
	assert.Equal(t, models.StatusApproved, res.Transaction.Status)
	assert.Len(t, mem.Conflicts("tx-1"), 1)
}

func TestApplier_LostRaceToSameOutcomeIsNoop(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &racingStore{MemoryRepository: mem, racing: models.TransactionUpdate{Status: models.StatusApproved}}
	seed(t, mem, "tx-1")
	applier := NewApplier(store, nil, nil, zap.NewNop())

	res, err := applier.Apply(context.Background(), "tx-1", models.Observation{
		Status: models.StatusApproved, Source: models.SourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionNoop, res.Decision.Action)
	assert.Empty(t, mem.Conflicts("tx-1"))
}

func TestApplier_ConcurrentConflictingWriters(t *testing.T) {
	store, applier, _, _ := setup(t)
	seed(t, store, "tx-1")

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i, status := range []models.TransactionStatus{models.StatusApproved, models.StatusFailed} {
		wg.Add(1)
		go func(i int, status models.TransactionStatus) {
			defer wg.Done()
			results[i], errs[i] = applier.Apply(context.Background(), "tx-1", models.Observation{
				Status: status, Source: models.SourceWebhook,
			})
		}(i, status)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	committed := 0
	for _, r := range results {
		if r.Committed {
			committed++
		} else {
			assert.Equal(t, models.ActionConflict, r.Decision.Action, "the loser is never silently dropped")
		}
	}
	assert.Equal(t, 1, committed)
	assert.Len(t, store.Conflicts("tx-1"), 1)
}

func TestApplier_MissingTransaction(t *testing.T) {
	_, applier, _, _ := setup(t)
	_, err := applier.Apply(context.Background(), "nope", models.Observation{Status: models.StatusApproved})
	assert.Error(t, err)
}
