package models

import "time"

type TransactionStatus string

const (
	StatusPending  TransactionStatus = "PENDING"
	StatusApproved TransactionStatus = "APPROVED"
	StatusFailed   TransactionStatus = "FAILED"
	StatusRefunded TransactionStatus = "REFUNDED"
)

// IsTerminal reports whether no further transition may leave the status.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

// IsDecided reports whether the gateway has reached a final outcome for the charge.
// Decided statuses always win over PENDING.
func (s TransactionStatus) IsDecided() bool {
	return s != StatusPending
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

type PaymentMethod string

const (
	MethodCard  PaymentMethod = "CARD"
	MethodPSE   PaymentMethod = "PSE"
	MethodNequi PaymentMethod = "NEQUI"
)

// IsRedirect reports whether the customer completes the payment on a bank page.
func (m PaymentMethod) IsRedirect() bool {
	return m == MethodPSE
}

// IsAsync reports whether the decision arrives later through a webhook.
func (m PaymentMethod) IsAsync() bool {
	return m == MethodPSE || m == MethodNequi
}

// Failure codes recorded on transactions and failed attempts that do not come from the gateway.
const (
	FailureGatewayError    = "GATEWAY_ERROR"
	FailureGatewayRejected = "GATEWAY_REJECTED"
	FailureExpired         = "EXPIRED"
)

type Transaction struct {
	ID                   string            `json:"id"`
	OrderID              string            `json:"order_id"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	Method               PaymentMethod     `json:"method"`
	Gateway              string            `json:"gateway"`
	GatewayTransactionID *string           `json:"gateway_transaction_id,omitempty"`
	Status               TransactionStatus `json:"status"`
	RedirectURL          *string           `json:"redirect_url,omitempty"`
	FailureCode          *string           `json:"failure_code,omitempty"`
	FailureReason        *string           `json:"failure_reason,omitempty"`
	Metadata             Metadata          `json:"metadata,omitempty"`
	GatewayUpdatedAt     *time.Time        `json:"gateway_updated_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.GatewayTransactionID = cloneString(t.GatewayTransactionID)
	c.RedirectURL = cloneString(t.RedirectURL)
	c.FailureCode = cloneString(t.FailureCode)
	c.FailureReason = cloneString(t.FailureReason)
	c.Metadata = t.Metadata.Clone()
	if t.GatewayUpdatedAt != nil {
		ts := *t.GatewayUpdatedAt
		c.GatewayUpdatedAt = &ts
	}
	return &c
}

// TransactionUpdate is what a compare-and-set writes besides the status.
// Nil fields leave the stored value untouched.
type TransactionUpdate struct {
	Status               TransactionStatus
	GatewayTransactionID *string
	RedirectURL          *string
	FailureCode          *string
	FailureReason        *string
	Metadata             Metadata
	GatewayUpdatedAt     *time.Time
}

// ApplyTo writes the update onto t. Metadata keys are merged.
func (u TransactionUpdate) ApplyTo(t *Transaction, now time.Time) {
	t.Status = u.Status
	if u.GatewayTransactionID != nil {
		t.GatewayTransactionID = cloneString(u.GatewayTransactionID)
	}
	if u.RedirectURL != nil {
		t.RedirectURL = cloneString(u.RedirectURL)
	}
	if u.FailureCode != nil {
		t.FailureCode = cloneString(u.FailureCode)
	}
	if u.FailureReason != nil {
		t.FailureReason = cloneString(u.FailureReason)
	}
	if len(u.Metadata) > 0 {
		t.Metadata = t.Metadata.Merge(u.Metadata)
	}
	if u.GatewayUpdatedAt != nil {
		ts := *u.GatewayUpdatedAt
		t.GatewayUpdatedAt = &ts
	}
	t.UpdatedAt = now
}

// Outcome is the simplified tri-state returned to checkout.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
	OutcomePending Outcome = "pending"
)

func OutcomeOf(s TransactionStatus) Outcome {
	switch s {
	case StatusApproved, StatusRefunded:
		return OutcomeSuccess
	case StatusFailed:
		return OutcomeFail
	default:
		return OutcomePending
	}
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
