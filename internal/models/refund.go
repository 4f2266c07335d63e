package models

import "time"

type RefundStatus string

const (
	RefundPending  RefundStatus = "PENDING"
	RefundApproved RefundStatus = "APPROVED"
	RefundRejected RefundStatus = "REJECTED"
)

type Refund struct {
	ID              string       `json:"id"`
	TransactionID   string       `json:"transaction_id"`
	Amount          int64        `json:"amount"`
	Reason          string       `json:"reason"`
	Status          RefundStatus `json:"status"`
	GatewayRefundID *string      `json:"gateway_refund_id,omitempty"`
	FailureReason   *string      `json:"failure_reason,omitempty"`
	Metadata        Metadata     `json:"metadata,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// RefundTotals sums the refunds of one transaction by status.
type RefundTotals struct {
	Approved int64
	Pending  int64
}

// Committed is the amount no new refund may reuse.
func (t RefundTotals) Committed() int64 {
	return t.Approved + t.Pending
}
