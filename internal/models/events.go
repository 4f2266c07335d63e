package models

import "time"

type EventType string

const (
	EventTransitioned EventType = "payment.transitioned"
	EventConflict     EventType = "payment.conflict"
	EventRefunded     EventType = "payment.refund"
)

// PaymentEvent is published to downstream consumers (order projection, notifications).
type PaymentEvent struct {
	Type           EventType         `json:"type"`
	TransactionID  string            `json:"transaction_id"`
	OrderID        string            `json:"order_id"`
	State          TransactionStatus `json:"state"`
	PreviousState  TransactionStatus `json:"previous_state"`
	Source         Source            `json:"source"`
	Amount         int64             `json:"amount"`
	AmountDisplay  string            `json:"amount_display"`
	Currency       string            `json:"currency"`
	Method         PaymentMethod     `json:"method"`
	RefundID       string            `json:"refund_id,omitempty"`
	RefundAmount   int64             `json:"refund_amount,omitempty"`
	ConflictReason string            `json:"conflict_reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// OrderPaymentStatus is what the order collaborator stores for an order.
type OrderPaymentStatus string

const (
	OrderUnpaid         OrderPaymentStatus = "UNPAID"
	OrderPaymentPending OrderPaymentStatus = "PAYMENT_PENDING"
	OrderPaid           OrderPaymentStatus = "PAID"
	OrderPaymentFailed  OrderPaymentStatus = "PAYMENT_FAILED"
	OrderRefunded       OrderPaymentStatus = "REFUNDED"
)

// OrderStatusFor projects a transaction status onto the order.
func OrderStatusFor(s TransactionStatus) OrderPaymentStatus {
	switch s {
	case StatusApproved:
		return OrderPaid
	case StatusFailed:
		return OrderPaymentFailed
	case StatusRefunded:
		return OrderRefunded
	default:
		return OrderPaymentPending
	}
}
