package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/refund"
	"github.com/akylbek/storefront-payments/internal/telemetry"
)

type RefundHandler struct {
	manager *refund.Manager
}

func NewRefundHandler(manager *refund.Manager) *RefundHandler {
	return &RefundHandler{manager: manager}
}

type createRefundRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func (h *RefundHandler) CreateRefund(c *gin.Context) {
	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid refund request", zap.Error(err))
		respondError(c, apperrors.Validation("invalid request body"))
		return
	}

	rf, err := h.manager.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil && rf != nil {
		// Reserved but unconfirmed by the gateway.
		c.JSON(http.StatusAccepted, gin.H{"refund": rf, "retryable": apperrors.IsRetryable(err)})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if rf.Status == models.RefundPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"refund": rf})
}
