package models

import (
	"fmt"
	"time"
)

// Source identifies who observed a status.
type Source string

const (
	SourceCheckout Source = "checkout"
	SourceVerify   Source = "verify"
	SourceWebhook  Source = "webhook"
	SourceSweep    Source = "sweep"
	SourceRefund   Source = "refund"
)

// Observation is a status reported for a transaction together with the gateway data that
// came with it.
type Observation struct {
	Status               TransactionStatus
	Source               Source
	GatewayTransactionID *string
	RedirectURL          *string
	FailureCode          *string
	FailureReason        *string
	Metadata             Metadata
	// ObservedAt is the gateway-sourced timestamp of the status, nil when the gateway did
	// not send one.
	ObservedAt *time.Time
}

type Action int

const (
	// ActionNoop leaves the stored transaction untouched.
	ActionNoop Action = iota
	// ActionApply commits Decision.Next through compare-and-set.
	ActionApply
	// ActionConflict records the disagreement for manual review without mutating.
	ActionConflict
	// ActionOverride commits Decision.Next and records the disagreement it settled.
	ActionOverride
)

func (a Action) String() string {
	switch a {
	case ActionApply:
		return "apply"
	case ActionConflict:
		return "conflict"
	case ActionOverride:
		return "override"
	default:
		return "noop"
	}
}

type Decision struct {
	Action  Action
	Next    TransactionStatus
	Reason  string
	Verdict ConflictVerdict
}

// Decide evaluates an observation against the stored transaction.
//
//	PENDING  -> APPROVED | FAILED        (any source)
//	PENDING  -> PENDING                  (only when the observation carries new gateway data)
//	APPROVED -> REFUNDED                 (refund source only)
//
// Decided statuses win over PENDING. Two decided statuses that disagree are a conflict.
// A stored APPROVED gives way to a gateway observation with a strictly newer timestamp, and
// the conflict is recorded all the same. FAILED and REFUNDED are never left.
func Decide(current *Transaction, obs Observation) Decision {
	from, to := current.Status, obs.Status

	if from == to {
		if from == StatusPending && carriesNewData(current, obs) {
			return Decision{Action: ActionApply, Next: StatusPending, Reason: "pending enrichment"}
		}
		return Decision{Action: ActionNoop, Next: from, Reason: "already " + string(from)}
	}

	switch from {
	case StatusPending:
		switch to {
		case StatusApproved, StatusFailed:
			return Decision{Action: ActionApply, Next: to, Reason: "gateway decision"}
		}
		return conflict(current, obs, "refund observed on an unsettled transaction")

	case StatusApproved:
		switch to {
		case StatusPending:
			return Decision{Action: ActionNoop, Next: from, Reason: "stale pending observation"}
		case StatusRefunded:
			if obs.Source == SourceRefund {
				return Decision{Action: ActionApply, Next: to, Reason: "full refund"}
			}
			return override(current, obs, "gateway reports a refund not issued through the refund manager")
		}
		return override(current, obs, "gateway outcomes disagree")

	case StatusFailed:
		if to == StatusPending {
			return Decision{Action: ActionNoop, Next: from, Reason: "stale pending observation"}
		}
		return conflict(current, obs, "transition out of terminal FAILED")

	case StatusRefunded:
		if to == StatusApproved {
			// The gateway keeps reporting the original capture of a refunded charge.
			return Decision{Action: ActionNoop, Next: from, Reason: "capture of refunded transaction"}
		}
		return conflict(current, obs, "transition out of terminal REFUNDED")
	}

	return conflict(current, obs, fmt.Sprintf("unknown status %q", from))
}

func carriesNewData(current *Transaction, obs Observation) bool {
	if obs.GatewayTransactionID != nil && !equalString(current.GatewayTransactionID, obs.GatewayTransactionID) {
		return true
	}
	if obs.RedirectURL != nil && !equalString(current.RedirectURL, obs.RedirectURL) {
		return true
	}
	return false
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type ConflictVerdict string

const (
	VerdictStoredNewer   ConflictVerdict = "stored_newer"
	VerdictObservedNewer ConflictVerdict = "observed_newer"
	VerdictUndetermined  ConflictVerdict = "undetermined"
)

func conflict(current *Transaction, obs Observation, reason string) Decision {
	return Decision{
		Action:  ActionConflict,
		Next:    current.Status,
		Reason:  reason,
		Verdict: verdict(current.GatewayUpdatedAt, obs.ObservedAt),
	}
}

// override lets a newer gateway observation replace a stored APPROVED.
func override(current *Transaction, obs Observation, reason string) Decision {
	d := conflict(current, obs, reason)
	if d.Verdict == VerdictObservedNewer {
		d.Action = ActionOverride
		d.Next = obs.Status
	}
	return d
}

// verdict applies the timestamp rule: the more recent gateway-sourced timestamp wins.
// Missing or equal timestamps cannot decide.
func verdict(stored, observed *time.Time) ConflictVerdict {
	if stored == nil || observed == nil || stored.Equal(*observed) {
		return VerdictUndetermined
	}
	if observed.After(*stored) {
		return VerdictObservedNewer
	}
	return VerdictStoredNewer
}

// Update builds the compare-and-set payload for an applied decision.
func (o Observation) Update(next TransactionStatus) TransactionUpdate {
	upd := TransactionUpdate{
		Status:               next,
		GatewayTransactionID: o.GatewayTransactionID,
		RedirectURL:          o.RedirectURL,
		Metadata:             o.Metadata,
		GatewayUpdatedAt:     o.ObservedAt,
	}
	if next == StatusFailed {
		upd.FailureCode = o.FailureCode
		upd.FailureReason = o.FailureReason
	}
	return upd
}
