package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/telemetry"
)

// respondError writes the classified error without internal detail.
func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		telemetry.Logger.Error("Request failed",
			zap.String("route", c.FullPath()),
			zap.String("trace_id", telemetry.TraceID(c.Request.Context())),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{
		"error":     apperrors.PublicMessage(err),
		"kind":      apperrors.KindOf(err),
		"retryable": apperrors.IsRetryable(err),
	})
}
