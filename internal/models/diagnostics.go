package models

import "time"

// FailedAttempt is a diagnostic record of a rejected or errored payment try.
type FailedAttempt struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	TransactionID *string       `json:"transaction_id,omitempty"`
	Gateway       string        `json:"gateway"`
	Method        PaymentMethod `json:"method"`
	Amount        int64         `json:"amount"`
	ErrorCode     string        `json:"error_code"`
	ErrorMessage  string        `json:"error_message"`
	Metadata      Metadata      `json:"metadata,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// GatewayLog is one outbound HTTP attempt against a gateway.
type GatewayLog struct {
	ID           int64     `json:"id"`
	Gateway      string    `json:"gateway"`
	Operation    string    `json:"operation"`
	Attempt      int       `json:"attempt"`
	Request      string    `json:"request"`
	Response     string    `json:"response"`
	StatusCode   *int      `json:"status_code,omitempty"`
	ResponseTime int64     `json:"response_time_ms"`
	Success      bool      `json:"success"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conflict records a rejected transition for manual reconciliation.
type Conflict struct {
	ID             string            `json:"id"`
	TransactionID  string            `json:"transaction_id"`
	Source         Source            `json:"source"`
	StoredStatus   TransactionStatus `json:"stored_status"`
	ObservedStatus TransactionStatus `json:"observed_status"`
	StoredAt       *time.Time        `json:"stored_at,omitempty"`
	ObservedAt     *time.Time        `json:"observed_at,omitempty"`
	Verdict        ConflictVerdict   `json:"verdict"`
	Reason         string            `json:"reason"`
	CreatedAt      time.Time         `json:"created_at"`
}
