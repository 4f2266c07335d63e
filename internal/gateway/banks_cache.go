package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
)

// CachedBanks serves ListPSEBanks from Redis and passes every other call through.
// A cache outage falls back to the gateway.
type CachedBanks struct {
	interfaces.GatewayClient
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedBanks(client interfaces.GatewayClient, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedBanks {
	return &CachedBanks{GatewayClient: client, redis: redisClient, ttl: ttl, logger: logger}
}

func (c *CachedBanks) key() string {
	return fmt.Sprintf("pse_banks:%s", c.Name())
}

func (c *CachedBanks) ListPSEBanks(ctx context.Context) ([]models.Bank, error) {
	cached, err := c.redis.Get(ctx, c.key()).Bytes()
	if err == nil {
		var banks []models.Bank
		if err := json.Unmarshal(cached, &banks); err == nil {
			return banks, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("Bank list cache unavailable", zap.Error(err))
	}

	banks, err := c.GatewayClient.ListPSEBanks(ctx)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(banks)
	if err := c.redis.Set(ctx, c.key(), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache bank list", zap.Error(err))
	}
	return banks, nil
}
