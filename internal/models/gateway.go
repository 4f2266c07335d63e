package models

import "time"

// GatewayStatus is the normalized status reported by a gateway.
type GatewayStatus string

const (
	GatewayApproved GatewayStatus = "APPROVED"
	GatewayDeclined GatewayStatus = "DECLINED"
	GatewayPending  GatewayStatus = "PENDING"
	GatewayError    GatewayStatus = "ERROR"
	GatewayVoided   GatewayStatus = "VOIDED"
)

// TransactionStatus maps a gateway status onto the local state machine.
// VOIDED is observed as a refund.
func (s GatewayStatus) TransactionStatus() TransactionStatus {
	switch s {
	case GatewayApproved:
		return StatusApproved
	case GatewayDeclined, GatewayError:
		return StatusFailed
	case GatewayVoided:
		return StatusRefunded
	default:
		return StatusPending
	}
}

type Customer struct {
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	LegalID     string `json:"legal_id,omitempty"`
	LegalIDType string `json:"legal_id_type,omitempty"`
}

// ChargeRequest covers methods with a charge call: CARD and NEQUI.
type ChargeRequest struct {
	Reference       string
	Amount          int64
	Currency        string
	Method          PaymentMethod
	Customer        Customer
	CardToken       string
	Installments    int
	WalletPhone     string
	AcceptanceToken string
	RedirectURL     string
}

type PSERequest struct {
	Reference       string
	Amount          int64
	Currency        string
	Customer        Customer
	BankCode        string
	UserType        int
	Description     string
	AcceptanceToken string
	RedirectURL     string
}

// GatewayResult is a decoded gateway response. Optional fields stay nil when the gateway
// omitted them; they are never defaulted to zero values.
type GatewayResult struct {
	Status               GatewayStatus
	GatewayTransactionID *string
	Reference            *string
	RedirectURL          *string
	StatusMessage        *string
	ErrorCode            *string
	AmountInCents        *int64
	FinalizedAt          *time.Time
	Metadata             Metadata
}

// Observation converts the result into a state machine observation.
func (r *GatewayResult) Observation(source Source) Observation {
	obs := Observation{
		Status:               r.Status.TransactionStatus(),
		Source:               source,
		GatewayTransactionID: r.GatewayTransactionID,
		RedirectURL:          r.RedirectURL,
		Metadata:             r.Metadata,
		ObservedAt:           r.FinalizedAt,
	}
	if obs.Status == StatusFailed {
		code := string(r.Status)
		if r.ErrorCode != nil {
			code = *r.ErrorCode
		}
		obs.FailureCode = &code
		obs.FailureReason = r.StatusMessage
	}
	return obs
}

type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
