package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/handlers"
	"github.com/akylbek/storefront-payments/internal/middleware"
	"github.com/akylbek/storefront-payments/internal/telemetry"
)

type Dependencies struct {
	Payments *handlers.PaymentHandler
	Refunds  *handlers.RefundHandler
	Webhooks *handlers.WebhookHandler
	// Redis backs checkout idempotency; nil turns it off.
	Redis          *redis.Client
	IdempotencyTTL time.Duration
	Logger         *zap.Logger
}

func NewRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())
	r.Use(middleware.MetricsMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "storefront-payments"})
	})

	create := []gin.HandlerFunc{}
	if deps.Redis != nil {
		create = append(create, middleware.IdempotencyMiddleware(deps.Redis, deps.IdempotencyTTL, deps.Logger))
	}

	payments := r.Group("/payments")
	{
		payments.POST("/create", append(create, deps.Payments.CreatePayment)...)
		payments.POST("/pse/create", append(create, deps.Payments.CreatePSEPayment)...)
		payments.GET("/pse/banks", deps.Payments.ListPSEBanks)
		payments.GET("/methods", deps.Payments.ListMethods)
		payments.GET("/:id", deps.Payments.GetPayment)
		payments.GET("/:id/verify", deps.Payments.VerifyPayment)
		payments.POST("/:id/retry", deps.Payments.RetryPayment)
		payments.POST("/:id/refunds", append(create, deps.Refunds.CreateRefund)...)

		// Gateway notifications are authenticated by payload signature, not by transport.
		payments.POST("/webhook/:gateway", deps.Webhooks.Receive)
	}

	return r
}
