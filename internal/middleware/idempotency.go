package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	lockTTL           = 30 * time.Second
)

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response for a repeated Idempotency-Key on the
// same route. A request whose twin is still running gets 409. Server errors are not stored
// so the client can retry them.
func IdempotencyMiddleware(redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header is required"})
			return
		}

		ctx := c.Request.Context()
		cacheKey := fmt.Sprintf("idempotency:%s:%s", c.FullPath(), key)
		lockKey := cacheKey + ":lock"

		cached, err := redisClient.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var resp cachedResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				c.Header("Idempotent-Replayed", "true")
				c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
				c.Abort()
				return
			}
		} else if err != redis.Nil {
			logger.Warn("Idempotency cache unavailable", zap.Error(err))
			c.Next()
			return
		}

		locked, err := redisClient.SetNX(ctx, lockKey, "1", lockTTL).Result()
		if err != nil {
			logger.Warn("Idempotency lock unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !locked {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this Idempotency-Key is in progress"})
			return
		}
		defer redisClient.Del(ctx, lockKey)

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Set("idempotency_key", key)
		c.Next()

		// A conflict reflects state at the time of the call; the retry must see the settled state.
		status := rec.Status()
		if status >= http.StatusInternalServerError || status == http.StatusConflict || !json.Valid(rec.body.Bytes()) {
			return
		}
		payload, _ := json.Marshal(cachedResponse{Status: status, Body: rec.body.Bytes()})
		if err := redisClient.Set(ctx, cacheKey, payload, ttl).Err(); err != nil {
			logger.Error("Failed to store idempotent response",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		}
	}
}
