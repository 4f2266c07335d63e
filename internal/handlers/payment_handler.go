package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/orchestrator"
	"github.com/akylbek/storefront-payments/internal/telemetry"
)

// RefundLister is what the payment details endpoint needs from the refund manager.
type RefundLister interface {
	List(ctx context.Context, transactionID string) ([]*models.Refund, error)
}

type PaymentHandler struct {
	orch    *orchestrator.Orchestrator
	refunds RefundLister
}

func NewPaymentHandler(orch *orchestrator.Orchestrator, refunds RefundLister) *PaymentHandler {
	return &PaymentHandler{orch: orch, refunds: refunds}
}

type customerRequest struct {
	Email       string `json:"email" binding:"required"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
	LegalID     string `json:"legal_id"`
	LegalIDType string `json:"legal_id_type"`
}

func (r customerRequest) model() models.Customer {
	return models.Customer{
		Email:       r.Email,
		FullName:    r.FullName,
		PhoneNumber: r.PhoneNumber,
		LegalID:     r.LegalID,
		LegalIDType: r.LegalIDType,
	}
}

type createPaymentRequest struct {
	OrderID         string          `json:"order_id" binding:"required"`
	Amount          int64           `json:"amount" binding:"required"`
	Currency        string          `json:"currency" binding:"required"`
	Method          string          `json:"method" binding:"required"`
	Customer        customerRequest `json:"customer"`
	CardToken       string          `json:"card_token"`
	Installments    int             `json:"installments"`
	WalletPhone     string          `json:"wallet_phone"`
	AcceptanceToken string          `json:"acceptance_token"`
}

type createPSERequest struct {
	OrderID         string          `json:"order_id" binding:"required"`
	Amount          int64           `json:"amount" binding:"required"`
	Currency        string          `json:"currency" binding:"required"`
	Customer        customerRequest `json:"customer"`
	BankCode        string          `json:"bank_code" binding:"required"`
	UserType        int             `json:"user_type"`
	Description     string          `json:"description"`
	AcceptanceToken string          `json:"acceptance_token"`
}

// checkoutResponse is the simplified view checkout gets of an attempt.
type checkoutResponse struct {
	TransactionID string         `json:"transaction_id"`
	OrderID       string         `json:"order_id"`
	Outcome       models.Outcome `json:"outcome"`
	RedirectURL   *string        `json:"redirect_url,omitempty"`
	Message       string         `json:"message"`
	Retryable     bool           `json:"retryable,omitempty"`
}

var outcomeMessages = map[models.Outcome]string{
	models.OutcomeSuccess: "Payment approved",
	models.OutcomePending: "Payment is being processed",
	models.OutcomeFail:    "Payment was not approved",
}

func checkout(tx *models.Transaction, redirectURL *string) checkoutResponse {
	outcome := models.OutcomeOf(tx.Status)
	return checkoutResponse{
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		Outcome:       outcome,
		RedirectURL:   redirectURL,
		Message:       outcomeMessages[outcome],
	}
}

func invalidRequest(c *gin.Context, err error) {
	telemetry.Logger.Warn("Invalid payment request", zap.Error(err))
	respondError(c, apperrors.Validation("invalid request body"))
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}

	result, err := h.orch.CreatePayment(c.Request.Context(), orchestrator.CreatePaymentRequest{
		OrderID:         req.OrderID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Method:          models.PaymentMethod(req.Method),
		Customer:        req.Customer.model(),
		CardToken:       req.CardToken,
		Installments:    req.Installments,
		WalletPhone:     req.WalletPhone,
		AcceptanceToken: req.AcceptanceToken,
	})
	h.respondCheckout(c, result, err)
}

func (h *PaymentHandler) CreatePSEPayment(c *gin.Context) {
	var req createPSERequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}

	result, err := h.orch.CreatePSEPayment(c.Request.Context(), orchestrator.CreatePSERequest{
		OrderID:         req.OrderID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Customer:        req.Customer.model(),
		BankCode:        req.BankCode,
		UserType:        req.UserType,
		Description:     req.Description,
		AcceptanceToken: req.AcceptanceToken,
	})
	h.respondCheckout(c, result, err)
}

func (h *PaymentHandler) respondCheckout(c *gin.Context, result *orchestrator.PaymentResult, err error) {
	if err != nil && result != nil {
		// The attempt was recorded as failed; checkout may start a new one.
		resp := checkout(result.Transaction, nil)
		resp.Retryable = apperrors.IsRetryable(err)
		resp.Message = "Payment provider unavailable, please try again"
		if apperrors.KindOf(err) == apperrors.KindGatewayRejected {
			resp.Message = "Payment could not be processed"
		}
		c.JSON(apperrors.HTTPStatus(err), resp)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, checkout(result.Transaction, result.RedirectURL))
}

func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	tx, err := h.orch.VerifyPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout(tx, tx.RedirectURL))
}

func (h *PaymentHandler) RetryPayment(c *gin.Context) {
	tx, err := h.orch.RetryPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout(tx, tx.RedirectURL))
}

// GetPayment is the support view: the full transaction with its refunds.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	ctx := c.Request.Context()
	tx, err := h.orch.GetTransaction(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	refunds, err := h.refunds.List(ctx, tx.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if refunds == nil {
		refunds = []*models.Refund{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction":    tx,
		"amount_display": models.FormatAmount(tx.Amount, tx.Currency),
		"refunds":        refunds,
	})
}

type methodResponse struct {
	Method   models.PaymentMethod `json:"method"`
	Redirect bool                 `json:"redirect"`
	Async    bool                 `json:"async"`
}

func (h *PaymentHandler) ListMethods(c *gin.Context) {
	methods := h.orch.Methods()
	out := make([]methodResponse, 0, len(methods))
	for _, m := range methods {
		out = append(out, methodResponse{Method: m, Redirect: m.IsRedirect(), Async: m.IsAsync()})
	}
	c.JSON(http.StatusOK, gin.H{"methods": out})
}

func (h *PaymentHandler) ListPSEBanks(c *gin.Context) {
	banks, err := h.orch.ListPSEBanks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"banks": banks})
}
