package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindAuthentication      Kind = "authentication_error"
	KindGatewayUnavailable  Kind = "gateway_unavailable"
	KindGatewayDeclined     Kind = "gateway_declined"
	KindGatewayRejected     Kind = "gateway_rejected"
	KindConflict            Kind = "conflict"
	KindInvalidRefundAmount Kind = "invalid_refund_amount"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal_error"
)

// Error is the classified error crossing component boundaries.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict) works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrAuthentication      = &Error{Kind: KindAuthentication}
	ErrGatewayUnavailable  = &Error{Kind: KindGatewayUnavailable}
	ErrGatewayDeclined     = &Error{Kind: KindGatewayDeclined}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInvalidRefundAmount = &Error{Kind: KindInvalidRefundAmount}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrGatewayRejected     = &Error{Kind: KindGatewayRejected}
)

// ErrOutcomeUnknown marks a non-idempotent gateway call that may have taken effect even though
// no answer came back. It travels inside a GatewayUnavailable error.
var ErrOutcomeUnknown = errors.New("gateway outcome unknown")

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Authentication(format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Message: fmt.Sprintf(format, args...)}
}

// GatewayUnavailable marks network and timeout failures; the caller may retry.
func GatewayUnavailable(operation string, err error) *Error {
	return &Error{
		Kind:      KindGatewayUnavailable,
		Message:   "gateway " + operation + " failed",
		Retryable: true,
		Err:       err,
	}
}

func GatewayDeclined(format string, args ...any) *Error {
	return &Error{Kind: KindGatewayDeclined, Message: fmt.Sprintf(format, args...)}
}

// GatewayRejected is a request the gateway refused as malformed or invalid. It is not a
// business decline and resending it unchanged will not help.
func GatewayRejected(operation, code, reason string) *Error {
	return &Error{
		Kind:    KindGatewayRejected,
		Message: fmt.Sprintf("gateway %s rejected the request: %s %s", operation, code, reason),
	}
}

// OutcomeUnknown marks a create or refund call whose answer was lost. Resending it could act
// twice, so it is not retryable; the outcome is recovered from the gateway instead.
func OutcomeUnknown(operation string, err error) *Error {
	return &Error{
		Kind:    KindGatewayUnavailable,
		Message: "gateway " + operation + " outcome unknown",
		Err:     fmt.Errorf("%w: %w", ErrOutcomeUnknown, err),
	}
}

// IsOutcomeUnknown reports whether err leaves it open if the gateway acted on the call.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func InvalidRefundAmount(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRefundAmount, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// HTTPStatus maps an error onto the response code for API callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case KindGatewayDeclined:
		return http.StatusPaymentRequired
	case KindConflict:
		return http.StatusConflict
	case KindInvalidRefundAmount, KindGatewayRejected:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to show outside the service.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}
