// Package orchestrator accepts checkout payment requests and keeps transactions in step with
// the gateway.
package orchestrator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/repository"
	"github.com/akylbek/storefront-payments/internal/telemetry"
	"github.com/akylbek/storefront-payments/internal/transition"
)

type Config struct {
	SupportedCurrencies []string
	Methods             []models.PaymentMethod
	// RedirectURL is where the gateway sends the customer back after a bank redirect.
	RedirectURL string
}

type Store interface {
	interfaces.TransactionStore
	interfaces.DiagnosticsStore
}

type CreatePaymentRequest struct {
	OrderID         string
	Amount          int64
	Currency        string
	Method          models.PaymentMethod
	Customer        models.Customer
	CardToken       string
	Installments    int
	WalletPhone     string
	AcceptanceToken string
}

type CreatePSERequest struct {
	OrderID         string
	Amount          int64
	Currency        string
	Customer        models.Customer
	BankCode        string
	UserType        int
	Description     string
	AcceptanceToken string
}

// PaymentResult is what checkout sees of a payment attempt.
type PaymentResult struct {
	Transaction *models.Transaction
	Outcome     models.Outcome
	RedirectURL *string
}

type Orchestrator struct {
	store   Store
	gateway interfaces.GatewayClient
	orders  interfaces.OrderStore
	applier *transition.Applier
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(store Store, gateway interfaces.GatewayClient, orders interfaces.OrderStore, applier *transition.Applier, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		gateway: gateway,
		orders:  orders,
		applier: applier,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Methods lists the payment methods checkout may offer.
func (o *Orchestrator) Methods() []models.PaymentMethod {
	return slices.Clone(o.cfg.Methods)
}

// CreatePayment charges a card or starts a wallet payment. A decline is returned as a failed
// result, not an error. A gateway failure marks the transaction FAILED and returns a
// retryable GatewayUnavailable error together with the result. When the gateway may have
// charged without the answer reaching us the transaction stays PENDING and the result is
// pending; verification settles it by reference.
func (o *Orchestrator) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentResult, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := o.validate(req.OrderID, req.Amount, req.Currency, req.Method, req.Customer); err != nil {
		return nil, err
	}
	switch req.Method {
	case models.MethodCard:
		if req.CardToken == "" {
			return nil, apperrors.Validation("card token is required")
		}
	case models.MethodNequi:
		if req.WalletPhone == "" {
			return nil, apperrors.Validation("wallet phone number is required")
		}
	default:
		return nil, apperrors.Validation("method %s is not charged through this operation", req.Method)
	}

	tx, err := o.start(ctx, req.OrderID, req.Amount, req.Currency, req.Method)
	if err != nil {
		return nil, err
	}

	result, gwErr := o.gateway.CreateCharge(ctx, models.ChargeRequest{
		Reference:       tx.ID,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Method:          tx.Method,
		Customer:        req.Customer,
		CardToken:       req.CardToken,
		Installments:    req.Installments,
		WalletPhone:     req.WalletPhone,
		AcceptanceToken: req.AcceptanceToken,
		RedirectURL:     o.cfg.RedirectURL,
	})
	return o.settle(ctx, tx, result, gwErr)
}

// CreatePSEPayment opens a bank redirect. The transaction stays PENDING until the gateway
// reports the bank's decision.
func (o *Orchestrator) CreatePSEPayment(ctx context.Context, req CreatePSERequest) (*PaymentResult, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := o.validate(req.OrderID, req.Amount, req.Currency, models.MethodPSE, req.Customer); err != nil {
		return nil, err
	}
	if req.BankCode == "" || req.BankCode == "0" {
		return nil, apperrors.Validation("bank is required")
	}
	if req.Customer.LegalID == "" || req.Customer.LegalIDType == "" {
		return nil, apperrors.Validation("customer legal id is required")
	}
	if req.UserType != 0 && req.UserType != 1 {
		return nil, apperrors.Validation("user type must be 0 (natural) or 1 (legal)")
	}

	tx, err := o.start(ctx, req.OrderID, req.Amount, req.Currency, models.MethodPSE)
	if err != nil {
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = "Order " + req.OrderID
	}
	result, gwErr := o.gateway.CreatePSERedirect(ctx, models.PSERequest{
		Reference:       tx.ID,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Customer:        req.Customer,
		BankCode:        req.BankCode,
		UserType:        req.UserType,
		Description:     description,
		AcceptanceToken: req.AcceptanceToken,
		RedirectURL:     o.cfg.RedirectURL,
	})
	return o.settle(ctx, tx, result, gwErr)
}

func (o *Orchestrator) validate(orderID string, amount int64, currency string, method models.PaymentMethod, customer models.Customer) error {
	if strings.TrimSpace(orderID) == "" {
		return apperrors.Validation("order id is required")
	}
	if amount <= 0 {
		return apperrors.Validation("amount must be greater than zero")
	}
	if !slices.Contains(o.cfg.SupportedCurrencies, currency) {
		return apperrors.Validation("currency %q is not supported", currency)
	}
	if !slices.Contains(o.cfg.Methods, method) {
		return apperrors.Validation("payment method %q is not available", method)
	}
	if !strings.Contains(customer.Email, "@") {
		return apperrors.Validation("customer email is required")
	}
	return nil
}

// start checks that the order can take a payment and records the PENDING transaction before
// any gateway call.
func (o *Orchestrator) start(ctx context.Context, orderID string, amount int64, currency string, method models.PaymentMethod) (*models.Transaction, error) {
	status, err := o.orders.GetPaymentStatus(ctx, orderID)
	if err != nil {
		return nil, apperrors.Internal("read order payment status", err)
	}
	if status == models.OrderPaid {
		return nil, apperrors.Validation("order %s is already paid", orderID)
	}

	if err := o.guardActive(ctx, orderID); err != nil {
		return nil, err
	}

	now := o.now()
	tx := &models.Transaction{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		Method:    method,
		Gateway:   o.gateway.Name(),
		Status:    models.StatusPending,
		Metadata:  models.Metadata{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrActivePaymentExists) {
			return nil, apperrors.Conflict("order %s has a payment in progress", orderID)
		}
		return nil, apperrors.Internal("create transaction", err)
	}

	o.logger.Info("Payment attempt created",
		zap.String("transaction_id", tx.ID),
		zap.String("order_id", orderID),
		zap.String("method", string(method)),
		zap.Int64("amount", amount),
		zap.String("currency", currency),
		zap.String("trace_id", telemetry.TraceID(ctx)),
	)
	o.applier.ProjectOrder(ctx, tx)
	return tx, nil
}

// guardActive refuses a new attempt while the order has an APPROVED transaction, or a PENDING
// one that the gateway still reports as pending.
func (o *Orchestrator) guardActive(ctx context.Context, orderID string) error {
	active, err := o.store.FindActiveByOrder(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperrors.Internal("find active transaction", err)
	}

	if active.Status == models.StatusPending {
		refreshed, err := o.VerifyPayment(ctx, active.ID)
		if err != nil {
			o.logger.Warn("Could not re-verify pending payment",
				zap.String("transaction_id", active.ID),
				zap.Error(err),
			)
			return apperrors.Conflict("order %s has a payment in progress", orderID)
		}
		active = refreshed
	}

	switch active.Status {
	case models.StatusApproved:
		return apperrors.Validation("order %s is already paid", orderID)
	case models.StatusPending:
		return apperrors.Conflict("order %s has a payment in progress", orderID)
	}
	return nil
}

func (o *Orchestrator) settle(ctx context.Context, tx *models.Transaction, result *models.GatewayResult, gwErr error) (*PaymentResult, error) {
	if gwErr != nil {
		return o.settleGatewayError(ctx, tx, gwErr)
	}

	applied, err := o.applier.ApplyTo(ctx, tx, result.Observation(models.SourceCheckout))
	if err != nil {
		return nil, err
	}
	current := applied.Transaction

	if result.Status.TransactionStatus() == models.StatusFailed {
		code := string(result.Status)
		if result.ErrorCode != nil {
			code = *result.ErrorCode
		}
		message := ""
		if result.StatusMessage != nil {
			message = *result.StatusMessage
		}
		o.recordFailedAttempt(ctx, tx, code, message, result.Metadata)
		o.logger.Warn("Payment declined",
			zap.String("transaction_id", tx.ID),
			zap.String("order_id", tx.OrderID),
			zap.String("error_code", code),
		)
	}

	outcome := models.OutcomeOf(current.Status)
	telemetry.PaymentsCreated.WithLabelValues(string(tx.Method), string(outcome)).Inc()
	return &PaymentResult{Transaction: current, Outcome: outcome, RedirectURL: current.RedirectURL}, nil
}

func (o *Orchestrator) settleGatewayError(ctx context.Context, tx *models.Transaction, gwErr error) (*PaymentResult, error) {
	if apperrors.IsOutcomeUnknown(gwErr) {
		o.logger.Warn("Gateway outcome unknown, payment left pending",
			zap.String("transaction_id", tx.ID),
			zap.String("order_id", tx.OrderID),
			zap.Error(gwErr),
		)
		telemetry.PaymentsCreated.WithLabelValues(string(tx.Method), string(models.OutcomePending)).Inc()
		return &PaymentResult{Transaction: tx, Outcome: models.OutcomePending}, nil
	}

	reason := gwErr.Error()
	code := models.FailureGatewayError
	rejected := apperrors.KindOf(gwErr) == apperrors.KindGatewayRejected
	if rejected {
		code = models.FailureGatewayRejected
	}
	obs := models.Observation{
		Status:        models.StatusFailed,
		Source:        models.SourceCheckout,
		FailureCode:   &code,
		FailureReason: &reason,
	}

	// The caller's context may be the one that timed out.
	commitCtx := context.WithoutCancel(ctx)
	applied, err := o.applier.ApplyTo(commitCtx, tx, obs)
	if err != nil {
		return nil, err
	}
	o.recordFailedAttempt(commitCtx, tx, code, reason, nil)

	if rejected {
		o.logger.Warn("Gateway rejected payment request",
			zap.String("transaction_id", tx.ID),
			zap.String("order_id", tx.OrderID),
			zap.Error(gwErr),
		)
	} else {
		o.logger.Error("Gateway unavailable during checkout",
			zap.String("transaction_id", tx.ID),
			zap.String("order_id", tx.OrderID),
			zap.Error(gwErr),
		)
	}
	telemetry.PaymentsCreated.WithLabelValues(string(tx.Method), string(models.OutcomeFail)).Inc()

	result := &PaymentResult{
		Transaction: applied.Transaction,
		Outcome:     models.OutcomeOf(applied.Transaction.Status),
	}
	switch apperrors.KindOf(gwErr) {
	case apperrors.KindGatewayUnavailable, apperrors.KindGatewayRejected:
		return result, gwErr
	}
	return result, apperrors.GatewayUnavailable("charge", gwErr)
}

func (o *Orchestrator) recordFailedAttempt(ctx context.Context, tx *models.Transaction, code, message string, metadata models.Metadata) {
	transactionID := tx.ID
	attempt := &models.FailedAttempt{
		ID:            uuid.NewString(),
		OrderID:       tx.OrderID,
		TransactionID: &transactionID,
		Gateway:       tx.Gateway,
		Method:        tx.Method,
		Amount:        tx.Amount,
		ErrorCode:     code,
		ErrorMessage:  message,
		Metadata:      metadata,
		CreatedAt:     o.now(),
	}
	if err := o.store.AppendFailedAttempt(ctx, attempt); err != nil {
		o.logger.Error("Failed to record failed attempt",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}

// VerifyPayment re-checks the transaction with the gateway and returns the authoritative
// status. It is safe to call repeatedly and concurrently. A PENDING transaction the gateway
// never acknowledged is looked up by its reference, which is the transaction id.
func (o *Orchestrator) VerifyPayment(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("transaction %s not found", transactionID)
		}
		return nil, apperrors.Internal("load transaction", err)
	}

	var result *models.GatewayResult
	switch {
	case tx.GatewayTransactionID != nil:
		result, err = o.gateway.Verify(ctx, *tx.GatewayTransactionID)
	case tx.Status == models.StatusPending:
		result, err = o.gateway.FindByReference(ctx, tx.ID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return tx, nil
		}
	default:
		return tx, nil
	}
	if err != nil {
		o.logger.Warn("Payment verification failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		return nil, err
	}

	applied, err := o.applier.ApplyTo(ctx, tx, result.Observation(models.SourceVerify))
	if err != nil {
		return nil, err
	}
	return applied.Transaction, nil
}

// RetryPayment re-runs verification of an existing attempt. It never creates a new charge;
// a new attempt after a decline is a new CreatePayment.
func (o *Orchestrator) RetryPayment(ctx context.Context, transactionID string) (*models.Transaction, error) {
	o.logger.Info("Retrying payment verification", zap.String("transaction_id", transactionID))
	return o.VerifyPayment(ctx, transactionID)
}

// GetTransaction returns the stored transaction without contacting the gateway.
func (o *Orchestrator) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, apperrors.Internal("load transaction", err)
	}
	return tx, nil
}

// ListPSEBanks returns the banks available for PSE.
func (o *Orchestrator) ListPSEBanks(ctx context.Context) ([]models.Bank, error) {
	return o.gateway.ListPSEBanks(ctx)
}
