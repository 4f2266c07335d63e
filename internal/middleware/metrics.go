package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/storefront-payments/internal/telemetry"
)

// MetricsMiddleware records request counts and latency by route template, so /payments/:id
// stays one series.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		telemetry.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route).
			Observe(time.Since(start).Seconds())
		telemetry.HTTPRequestsTotal.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Inc()
	}
}
