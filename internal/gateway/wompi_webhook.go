package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/akylbek/storefront-payments/internal/models"
)

// ErrMalformedEvent is returned for bodies that are not a usable gateway event.
var ErrMalformedEvent = errors.New("malformed webhook event")

type wompiEvent struct {
	Event string `json:"event"`
	Data  struct {
		Transaction json.RawMessage `json:"transaction"`
	} `json:"data"`
	Environment string     `json:"environment"`
	Timestamp   *int64     `json:"timestamp"`
	SentAt      *time.Time `json:"sent_at"`
}

// ParseWebhook decodes a Wompi event notification. Only ids, status and timestamps become
// typed fields; everything else is kept as display metadata.
func (c *WompiClient) ParseWebhook(raw []byte) (*models.WebhookEvent, error) {
	var evt wompiEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Event == "" || len(evt.Data.Transaction) == 0 {
		return nil, fmt.Errorf("%w: missing event or transaction", ErrMalformedEvent)
	}

	var tx wompiTransaction
	if err := json.Unmarshal(evt.Data.Transaction, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if tx.ID == "" || tx.Status == "" {
		return nil, fmt.Errorf("%w: transaction id and status are required", ErrMalformedEvent)
	}

	var txRaw map[string]any
	if err := json.Unmarshal(evt.Data.Transaction, &txRaw); err != nil {
		return nil, fmt.Errorf("%w: transaction is not an object: %v", ErrMalformedEvent, err)
	}
	result := resultFromTransaction(tx, txRaw)

	metadata := result.Metadata
	if metadata == nil {
		metadata = models.Metadata{}
	}
	if evt.Environment != "" {
		metadata["environment"] = evt.Environment
	}

	out := &models.WebhookEvent{
		Gateway:              WompiName,
		EventType:            evt.Event,
		GatewayTransactionID: tx.ID,
		Reference:            tx.Reference,
		ClaimedStatus:        result.Status.TransactionStatus(),
		RawPayload:           raw,
		Metadata:             metadata,
		GatewayTimestamp:     eventTime(tx.FinalizedAt, evt.Timestamp, evt.SentAt),
	}
	return out, nil
}

// eventTime picks the most specific gateway-sourced time: the transaction's finalization,
// then the event timestamp, then the delivery time.
func eventTime(finalizedAt *time.Time, timestamp *int64, sentAt *time.Time) *time.Time {
	if finalizedAt != nil {
		return finalizedAt
	}
	if timestamp != nil {
		t := time.Unix(*timestamp, 0).UTC()
		return &t
	}
	return sentAt
}
