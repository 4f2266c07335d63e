package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/telemetry"
	"github.com/akylbek/storefront-payments/internal/webhook"
)

type WebhookHandler struct {
	processor       *webhook.Processor
	signatureHeader string
}

func NewWebhookHandler(processor *webhook.Processor, signatureHeader string) *WebhookHandler {
	return &WebhookHandler{processor: processor, signatureHeader: signatureHeader}
}

// Receive hands the unparsed body to the processor; the signature covers the exact bytes.
// Once the event is recorded the gateway gets 200, whatever happened to the transaction.
func (h *WebhookHandler) Receive(c *gin.Context) {
	gateway := c.Param("gateway")
	raw, err := c.GetRawData()
	if err != nil {
		telemetry.Logger.Warn("Unreadable webhook body", zap.String("gateway", gateway), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, err := h.processor.Handle(c.Request.Context(), gateway, raw, c.GetHeader(h.signatureHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": result.EventID, "note": result.Note})
}
