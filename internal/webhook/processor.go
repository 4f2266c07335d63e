// Package webhook turns signed gateway notifications into transaction transitions.
package webhook

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
	"github.com/akylbek/storefront-payments/internal/signature"
	"github.com/akylbek/storefront-payments/internal/telemetry"
	"github.com/akylbek/storefront-payments/internal/transition"
)

type Store interface {
	interfaces.TransactionStore
	interfaces.WebhookStore
}

// Gateway is what the processor needs to accept notifications from one provider.
type Gateway struct {
	Parser interfaces.WebhookParser
	Secret string
}

// Result is returned once the event is durably recorded, whatever happened to the
// transaction.
type Result struct {
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Note          string `json:"note"`
}

type Processor struct {
	store    Store
	gateways map[string]Gateway
	applier  *transition.Applier
	logger   *zap.Logger
	now      func() time.Time
}

func NewProcessor(store Store, gateways map[string]Gateway, applier *transition.Applier, logger *zap.Logger) *Processor {
	return &Processor{
		store:    store,
		gateways: gateways,
		applier:  applier,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle authenticates, records and applies one notification. A bad signature is rejected
// before anything is written.
func (p *Processor) Handle(ctx context.Context, gateway string, raw []byte, signatureHeader string) (*Result, error) {
	gw, ok := p.gateways[gateway]
	if !ok || !signature.Verify(raw, signatureHeader, gw.Secret) {
		telemetry.WebhookOutcomes.WithLabelValues(gateway, "rejected").Inc()
		p.logger.Warn("Webhook signature rejected", zap.String("gateway", gateway))
		return nil, apperrors.Authentication("invalid webhook signature")
	}

	evt, err := gw.Parser.ParseWebhook(raw)
	if err != nil {
		return p.malformed(ctx, gateway, raw, err)
	}
	evt.ID = uuid.NewString()
	evt.Gateway = gateway
	evt.ReceivedAt = p.now()
	evt.RawPayload = raw

	if err := p.store.SaveWebhookEvent(ctx, evt); err != nil {
		return nil, apperrors.Internal("persist webhook event", err)
	}
	return p.process(ctx, evt)
}

// Replay re-processes a stored event that was never marked processed.
func (p *Processor) Replay(ctx context.Context, evt *models.WebhookEvent) (*Result, error) {
	if gw, ok := p.gateways[evt.Gateway]; ok && evt.ClaimedStatus == "" {
		parsed, err := gw.Parser.ParseWebhook(evt.RawPayload)
		if err != nil {
			return p.finish(ctx, evt, "", models.NoteMalformed, "malformed")
		}
		parsed.ID, parsed.Gateway, parsed.ReceivedAt = evt.ID, evt.Gateway, evt.ReceivedAt
		evt = parsed
	}
	p.logger.Info("Replaying webhook event",
		zap.String("event_id", evt.ID),
		zap.String("gateway", evt.Gateway),
	)
	return p.process(ctx, evt)
}

func (p *Processor) malformed(ctx context.Context, gateway string, raw []byte, cause error) (*Result, error) {
	evt := &models.WebhookEvent{
		ID:         uuid.NewString(),
		Gateway:    gateway,
		EventType:  "malformed",
		RawPayload: raw,
		ReceivedAt: p.now(),
	}
	if err := p.store.SaveWebhookEvent(ctx, evt); err != nil {
		return nil, apperrors.Internal("persist webhook event", err)
	}
	p.logger.Warn("Malformed webhook payload",
		zap.String("gateway", gateway),
		zap.String("event_id", evt.ID),
		zap.Error(cause),
	)
	return p.finish(ctx, evt, "", models.NoteMalformed, "malformed")
}

func (p *Processor) process(ctx context.Context, evt *models.WebhookEvent) (*Result, error) {
	tx, err := p.lookup(ctx, evt)
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn("Webhook for unknown transaction",
			zap.String("event_id", evt.ID),
			zap.String("gateway", evt.Gateway),
			zap.String("gateway_transaction_id", evt.GatewayTransactionID),
		)
		return p.finish(ctx, evt, "", models.NoteNoTransaction, "orphan")
	}
	if err != nil {
		return nil, apperrors.Internal("find webhook transaction", err)
	}

	key := evt.DedupKey()
	claimed, err := p.store.ClaimWebhookKey(ctx, key, evt.ID)
	if err != nil {
		return nil, apperrors.Internal("claim webhook key", err)
	}
	if !claimed {
		p.logger.Info("Duplicate webhook event",
			zap.String("event_id", evt.ID),
			zap.String("transaction_id", tx.ID),
			zap.String("dedup_key", key),
		)
		return p.finish(ctx, evt, tx.ID, models.NoteDuplicate, "duplicate")
	}

	applied, err := p.applier.ApplyTo(ctx, tx, observation(evt))
	if err != nil {
		// Give the key back so the gateway's redelivery can apply it.
		if relErr := p.store.ReleaseWebhookKey(context.WithoutCancel(ctx), key, evt.ID); relErr != nil {
			p.logger.Error("Failed to release webhook key",
				zap.String("event_id", evt.ID),
				zap.Error(relErr),
			)
		}
		return nil, err
	}

	note, outcome := models.NoteNoop, "noop"
	switch applied.Decision.Action {
	case models.ActionApply:
		note, outcome = models.NoteApplied, "applied"
	case models.ActionConflict:
		note, outcome = models.NoteConflict, "conflict"
	case models.ActionOverride:
		note, outcome = models.NoteOverride, "override"
	}
	return p.finish(ctx, evt, tx.ID, note, outcome)
}

// lookup finds the transaction by gateway id and falls back to the reference, which is our
// transaction id. The fallback covers events that overtake the checkout response.
func (p *Processor) lookup(ctx context.Context, evt *models.WebhookEvent) (*models.Transaction, error) {
	tx, err := p.store.FindByGatewayTransactionID(ctx, evt.Gateway, evt.GatewayTransactionID)
	if err == nil || !errors.Is(err, repository.ErrNotFound) || evt.Reference == nil {
		return tx, err
	}

	tx, err = p.store.GetTransaction(ctx, *evt.Reference)
	if err != nil {
		return nil, err
	}
	if tx.Gateway != evt.Gateway {
		return nil, repository.ErrNotFound
	}
	if tx.GatewayTransactionID != nil && *tx.GatewayTransactionID != evt.GatewayTransactionID {
		return nil, repository.ErrNotFound
	}
	return tx, nil
}

func observation(evt *models.WebhookEvent) models.Observation {
	gwID := evt.GatewayTransactionID
	obs := models.Observation{
		Status:               evt.ClaimedStatus,
		Source:               models.SourceWebhook,
		GatewayTransactionID: &gwID,
		Metadata:             evt.Metadata,
		ObservedAt:           evt.GatewayTimestamp,
	}
	if evt.ClaimedStatus == models.StatusFailed {
		code := "DECLINED"
		obs.FailureCode = &code
		if msg, ok := evt.Metadata["status_message"].(string); ok && msg != "" {
			obs.FailureReason = &msg
		}
	}
	return obs
}

func (p *Processor) finish(ctx context.Context, evt *models.WebhookEvent, transactionID, note, outcome string) (*Result, error) {
	if err := p.store.MarkWebhookProcessed(ctx, evt.ID, note); err != nil {
		return nil, apperrors.Internal("mark webhook processed", err)
	}
	telemetry.WebhookOutcomes.WithLabelValues(evt.Gateway, outcome).Inc()
	p.logger.Info("Webhook event processed",
		zap.String("event_id", evt.ID),
		zap.String("gateway", evt.Gateway),
		zap.String("transaction_id", transactionID),
		zap.String("note", note),
	)
	return &Result{EventID: evt.ID, TransactionID: transactionID, Note: note}, nil
}
