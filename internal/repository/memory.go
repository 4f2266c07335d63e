package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/storefront-payments/internal/models"
)

// MemoryRepository keeps everything in process. It backs local runs and tests and
// enforces the same uniqueness and compare-and-set rules as Postgres.
type MemoryRepository struct {
	mu           sync.RWMutex
	transactions map[string]*models.Transaction
	webhooks     map[string]*models.WebhookEvent
	dedup        map[string]string
	refunds      map[string]*models.Refund
	attempts     []*models.FailedAttempt
	gatewayLogs  []*models.GatewayLog
	conflicts    []*models.Conflict
	nextLogID    int64
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		transactions: make(map[string]*models.Transaction),
		webhooks:     make(map[string]*models.WebhookEvent),
		dedup:        make(map[string]string),
		refunds:      make(map[string]*models.Refund),
		now:          time.Now,
	}
}

func isActive(s models.TransactionStatus) bool {
	return s == models.StatusPending || s == models.StatusApproved
}

func (r *MemoryRepository) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	for _, existing := range r.transactions {
		if existing.OrderID == tx.OrderID && isActive(existing.Status) && isActive(tx.Status) {
			return ErrActivePaymentExists
		}
		if tx.GatewayTransactionID != nil && existing.Gateway == tx.Gateway &&
			existing.GatewayTransactionID != nil && *existing.GatewayTransactionID == *tx.GatewayTransactionID {
			return fmt.Errorf("gateway transaction %s already recorded", *tx.GatewayTransactionID)
		}
	}
	r.transactions[tx.ID] = tx.Clone()
	return nil
}

func (r *MemoryRepository) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

func (r *MemoryRepository) FindByGatewayTransactionID(_ context.Context, gateway, gatewayTransactionID string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tx := range r.transactions {
		if tx.Gateway == gateway && tx.GatewayTransactionID != nil && *tx.GatewayTransactionID == gatewayTransactionID {
			return tx.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) FindActiveByOrder(_ context.Context, orderID string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tx := range r.transactions {
		if tx.OrderID == orderID && isActive(tx.Status) {
			return tx.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) CompareAndSwap(_ context.Context, id string, expected models.TransactionStatus, upd models.TransactionUpdate) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if tx.Status != expected {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, expected, tx.Status)
	}
	if upd.GatewayTransactionID != nil {
		for otherID, other := range r.transactions {
			if otherID != id && other.Gateway == tx.Gateway && other.GatewayTransactionID != nil &&
				*other.GatewayTransactionID == *upd.GatewayTransactionID {
				return nil, fmt.Errorf("gateway transaction %s already recorded", *upd.GatewayTransactionID)
			}
		}
	}
	upd.ApplyTo(tx, r.now())
	return tx.Clone(), nil
}

func (r *MemoryRepository) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Transaction
	for _, tx := range r.transactions {
		if tx.Status == models.StatusPending && tx.CreatedAt.Before(createdBefore) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) RecordConflict(_ context.Context, c *models.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	r.conflicts = append(r.conflicts, &cp)
	return nil
}

// Conflicts returns the recorded conflicts of a transaction.
func (r *MemoryRepository) Conflicts(transactionID string) []models.Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Conflict
	for _, c := range r.conflicts {
		if c.TransactionID == transactionID {
			out = append(out, *c)
		}
	}
	return out
}

func (r *MemoryRepository) SaveWebhookEvent(_ context.Context, evt *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.webhooks[evt.ID]; exists {
		return fmt.Errorf("webhook event %s already exists", evt.ID)
	}
	cp := *evt
	cp.RawPayload = append([]byte(nil), evt.RawPayload...)
	cp.Metadata = evt.Metadata.Clone()
	r.webhooks[evt.ID] = &cp
	return nil
}

func (r *MemoryRepository) ClaimWebhookKey(_ context.Context, key, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, taken := r.dedup[key]; taken {
		return holder == eventID, nil
	}
	r.dedup[key] = eventID
	return true, nil
}

func (r *MemoryRepository) ReleaseWebhookKey(_ context.Context, key, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dedup[key] == eventID {
		delete(r.dedup, key)
	}
	return nil
}

func (r *MemoryRepository) MarkWebhookProcessed(_ context.Context, eventID, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	evt, ok := r.webhooks[eventID]
	if !ok {
		return ErrNotFound
	}
	if evt.ProcessedAt != nil {
		return nil
	}
	now := r.now()
	evt.ProcessedAt = &now
	evt.Note = &note
	return nil
}

func (r *MemoryRepository) ListUnprocessedWebhookEvents(_ context.Context, receivedBefore time.Time, limit int) ([]*models.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.WebhookEvent
	for _, evt := range r.webhooks {
		if evt.ProcessedAt == nil && evt.ReceivedAt.Before(receivedBefore) {
			cp := *evt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WebhookEvents returns a snapshot of every stored webhook event.
func (r *MemoryRepository) WebhookEvents() []models.WebhookEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.WebhookEvent, 0, len(r.webhooks))
	for _, evt := range r.webhooks {
		out = append(out, *evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (r *MemoryRepository) ReserveRefund(_ context.Context, refund *models.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[refund.TransactionID]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != models.StatusApproved {
		return fmt.Errorf("%w: status %s", ErrNotRefundable, tx.Status)
	}
	committed := r.totalsLocked(refund.TransactionID).Committed()
	if committed+refund.Amount > tx.Amount {
		return fmt.Errorf("%w: remaining %d", ErrRefundExceedsCaptured, tx.Amount-committed)
	}
	cp := *refund
	cp.Metadata = refund.Metadata.Clone()
	r.refunds[refund.ID] = &cp
	return nil
}

func (r *MemoryRepository) CompleteRefund(_ context.Context, id string, status models.RefundStatus, gatewayRefundID, failureReason *string, metadata models.Metadata) (*models.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, ok := r.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rf.Status != models.RefundPending {
		return nil, fmt.Errorf("%w: refund already %s", ErrStaleStatus, rf.Status)
	}
	rf.Status = status
	if gatewayRefundID != nil {
		v := *gatewayRefundID
		rf.GatewayRefundID = &v
	}
	if failureReason != nil {
		v := *failureReason
		rf.FailureReason = &v
	}
	if len(metadata) > 0 {
		rf.Metadata = rf.Metadata.Merge(metadata)
	}
	rf.UpdatedAt = r.now()
	cp := *rf
	return &cp, nil
}

func (r *MemoryRepository) ListStalePendingRefunds(_ context.Context, createdBefore time.Time, limit int) ([]*models.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Refund
	for _, rf := range r.refunds {
		if rf.Status == models.RefundPending && rf.CreatedAt.Before(createdBefore) {
			cp := *rf
			cp.Metadata = rf.Metadata.Clone()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListRefunds(_ context.Context, transactionID string) ([]*models.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Refund
	for _, rf := range r.refunds {
		if rf.TransactionID == transactionID {
			cp := *rf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) RefundTotals(_ context.Context, transactionID string) (models.RefundTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.totalsLocked(transactionID), nil
}

func (r *MemoryRepository) totalsLocked(transactionID string) models.RefundTotals {
	var totals models.RefundTotals
	for _, rf := range r.refunds {
		if rf.TransactionID != transactionID {
			continue
		}
		switch rf.Status {
		case models.RefundApproved:
			totals.Approved += rf.Amount
		case models.RefundPending:
			totals.Pending += rf.Amount
		}
	}
	return totals
}

func (r *MemoryRepository) AppendFailedAttempt(_ context.Context, a *models.FailedAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *a
	r.attempts = append(r.attempts, &cp)
	return nil
}

// FailedAttempts returns the failed attempts recorded for an order.
func (r *MemoryRepository) FailedAttempts(orderID string) []models.FailedAttempt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.FailedAttempt
	for _, a := range r.attempts {
		if a.OrderID == orderID {
			out = append(out, *a)
		}
	}
	return out
}

func (r *MemoryRepository) AppendGatewayLog(_ context.Context, l *models.GatewayLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextLogID++
	l.ID = r.nextLogID
	cp := *l
	r.gatewayLogs = append(r.gatewayLogs, &cp)
	return nil
}

// GatewayLogs returns every recorded gateway call in insertion order.
func (r *MemoryRepository) GatewayLogs() []models.GatewayLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.GatewayLog, 0, len(r.gatewayLogs))
	for _, l := range r.gatewayLogs {
		out = append(out, *l)
	}
	return out
}
