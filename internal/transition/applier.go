// Package transition commits status observations through the store's compare-and-set.
package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/repository"
	"github.com/akylbek/storefront-payments/internal/telemetry"
)

const defaultMaxAttempts = 5

// Result describes what happened to one observation.
type Result struct {
	Transaction *models.Transaction
	Decision    models.Decision
	Previous    models.TransactionStatus
	Committed   bool
}

// Applier is shared by every writer of transaction status: checkout, verification, webhooks,
// the sweeper and refunds.
type Applier struct {
	store       interfaces.TransactionStore
	orders      interfaces.OrderStore
	publisher   interfaces.EventPublisher
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func NewApplier(store interfaces.TransactionStore, orders interfaces.OrderStore, publisher interfaces.EventPublisher, logger *zap.Logger) *Applier {
	return &Applier{
		store:       store,
		orders:      orders,
		publisher:   publisher,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// Apply reads the transaction and applies obs to it.
func (a *Applier) Apply(ctx context.Context, transactionID string, obs models.Observation) (*Result, error) {
	current, err := a.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("transaction %s not found", transactionID)
		}
		return nil, apperrors.Internal("load transaction", err)
	}
	return a.ApplyTo(ctx, current, obs)
}

// ApplyTo evaluates obs against current, a snapshot the caller already holds. When the
// compare-and-set loses to a concurrent writer the transaction is re-read and the rule
// re-evaluated against the new status.
func (a *Applier) ApplyTo(ctx context.Context, current *models.Transaction, obs models.Observation) (*Result, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		decision := models.Decide(current, obs)

		switch decision.Action {
		case models.ActionNoop:
			return &Result{Transaction: current, Decision: decision, Previous: current.Status}, nil

		case models.ActionConflict:
			if err := a.recordConflict(ctx, current, obs, decision); err != nil {
				return nil, err
			}
			return &Result{Transaction: current, Decision: decision, Previous: current.Status}, nil
		}

		updated, err := a.store.CompareAndSwap(ctx, current.ID, current.Status, obs.Update(decision.Next))
		if err == nil {
			if decision.Action == models.ActionOverride {
				if err := a.recordConflict(ctx, current, obs, decision); err != nil {
					return nil, err
				}
			}
			a.committed(ctx, current.Status, updated, obs.Source)
			return &Result{Transaction: updated, Decision: decision, Previous: current.Status, Committed: true}, nil
		}
		if !errors.Is(err, repository.ErrStaleStatus) {
			return nil, apperrors.Internal("commit transition", err)
		}

		telemetry.CASRetries.WithLabelValues(string(obs.Source)).Inc()
		a.logger.Warn("Lost compare-and-set, re-evaluating",
			zap.String("transaction_id", current.ID),
			zap.String("expected", string(current.Status)),
			zap.String("observed", string(obs.Status)),
			zap.String("source", string(obs.Source)),
			zap.Int("attempt", attempt),
		)

		current, err = a.store.GetTransaction(ctx, current.ID)
		if err != nil {
			return nil, apperrors.Internal("reload transaction", err)
		}
	}

	return nil, apperrors.Internal("commit transition",
		fmt.Errorf("transaction %s still contended after %d attempts", current.ID, a.maxAttempts))
}

func (a *Applier) recordConflict(ctx context.Context, current *models.Transaction, obs models.Observation, decision models.Decision) error {
	conflict := &models.Conflict{
		ID:             uuid.NewString(),
		TransactionID:  current.ID,
		Source:         obs.Source,
		StoredStatus:   current.Status,
		ObservedStatus: obs.Status,
		StoredAt:       current.GatewayUpdatedAt,
		ObservedAt:     obs.ObservedAt,
		Verdict:        decision.Verdict,
		Reason:         decision.Reason,
		CreatedAt:      a.now(),
	}
	if err := a.store.RecordConflict(ctx, conflict); err != nil {
		return apperrors.Internal("record conflict", err)
	}

	telemetry.Conflicts.WithLabelValues(string(current.Status), string(obs.Status), string(obs.Source)).Inc()
	a.logger.Warn("Transition conflict recorded for review",
		zap.String("transaction_id", current.ID),
		zap.String("order_id", current.OrderID),
		zap.String("stored", string(current.Status)),
		zap.String("observed", string(obs.Status)),
		zap.String("source", string(obs.Source)),
		zap.String("verdict", string(decision.Verdict)),
		zap.String("reason", decision.Reason),
	)

	evt := a.event(models.EventConflict, current, current.Status, obs.Source)
	evt.ConflictReason = decision.Reason
	a.publish(ctx, evt)
	return nil
}

func (a *Applier) committed(ctx context.Context, from models.TransactionStatus, tx *models.Transaction, source models.Source) {
	if from == tx.Status {
		a.logger.Info("Pending transaction enriched",
			zap.String("transaction_id", tx.ID),
			zap.String("source", string(source)),
		)
		return
	}

	telemetry.Transitions.WithLabelValues(string(from), string(tx.Status), string(source)).Inc()
	a.logger.Info("Payment state transition",
		zap.String("transaction_id", tx.ID),
		zap.String("order_id", tx.OrderID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(tx.Status)),
		zap.String("source", string(source)),
	)

	a.ProjectOrder(ctx, tx)
	a.publish(ctx, a.event(models.EventTransitioned, tx, from, source))
}

// ProjectOrder writes the order's payment status. Failures are logged; the transaction
// store stays authoritative and the next transition overwrites the projection.
func (a *Applier) ProjectOrder(ctx context.Context, tx *models.Transaction) {
	if a.orders == nil {
		return
	}
	status := models.OrderStatusFor(tx.Status)
	if err := a.orders.SetPaymentStatus(ctx, tx.OrderID, status, tx.ID); err != nil {
		a.logger.Error("Failed to project order payment status",
			zap.String("order_id", tx.OrderID),
			zap.String("transaction_id", tx.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (a *Applier) event(typ models.EventType, tx *models.Transaction, previous models.TransactionStatus, source models.Source) models.PaymentEvent {
	return models.PaymentEvent{
		Type:          typ,
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		State:         tx.Status,
		PreviousState: previous,
		Source:        source,
		Amount:        tx.Amount,
		AmountDisplay: models.FormatAmount(tx.Amount, tx.Currency),
		Currency:      tx.Currency,
		Method:        tx.Method,
		Timestamp:     a.now(),
	}
}

// Publish sends evt to the publisher, logging failures.
func (a *Applier) Publish(ctx context.Context, evt models.PaymentEvent) {
	a.publish(ctx, evt)
}

// RefundEvent builds the event announcing a settled refund.
func (a *Applier) RefundEvent(tx *models.Transaction, refund *models.Refund) models.PaymentEvent {
	evt := a.event(models.EventRefunded, tx, tx.Status, models.SourceRefund)
	evt.RefundID = refund.ID
	evt.RefundAmount = refund.Amount
	return evt
}

func (a *Applier) publish(ctx context.Context, evt models.PaymentEvent) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, evt); err != nil {
		a.logger.Error("Failed to publish payment event",
			zap.String("transaction_id", evt.TransactionID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
