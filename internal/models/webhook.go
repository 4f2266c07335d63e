package models

import (
	"strings"
	"time"
)

type WebhookEvent struct {
	ID                   string            `json:"id"`
	Gateway              string            `json:"gateway"`
	EventType            string            `json:"event_type"`
	GatewayTransactionID string            `json:"gateway_transaction_id"`
	Reference            *string           `json:"reference,omitempty"`
	ClaimedStatus        TransactionStatus `json:"claimed_status"`
	RawPayload           []byte            `json:"-"`
	Metadata             Metadata          `json:"metadata,omitempty"`
	GatewayTimestamp     *time.Time        `json:"gateway_timestamp,omitempty"`
	ReceivedAt           time.Time         `json:"received_at"`
	ProcessedAt          *time.Time        `json:"processed_at,omitempty"`
	Note                 *string           `json:"note,omitempty"`
}

// DedupKey is the idempotency key of an event: gateway, gateway transaction id and claimed status.
func (e *WebhookEvent) DedupKey() string {
	return strings.Join([]string{e.Gateway, e.GatewayTransactionID, string(e.ClaimedStatus)}, "|")
}

// Notes recorded on processed webhook events.
const (
	NoteApplied       = "applied"
	NoteNoop          = "no change"
	NoteNoTransaction = "no matching transaction"
	NoteDuplicate     = "duplicate"
	NoteMalformed     = "malformed payload"
	NoteConflict      = "conflict"
	NoteOverride      = "applied over conflict"
)
