package repository

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus means the compare-and-set lost: the stored status is no longer the expected one.
	ErrStaleStatus = errors.New("stale transaction status")
	// ErrActivePaymentExists means the order already has a PENDING or APPROVED transaction.
	ErrActivePaymentExists   = errors.New("order already has an active payment")
	ErrRefundExceedsCaptured = errors.New("refund exceeds refundable amount")
	ErrNotRefundable         = errors.New("transaction is not refundable")
)
