// Package orders adapts the order CRUD layer: the payment core only reads and writes an
// order's payment status.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akylbek/storefront-payments/internal/models"
)

const (
	fieldPaymentStatus = "payment_status"
	fieldTransactionID = "transaction_id"
	fieldUpdatedAt     = "payment_updated_at"
)

// RedisStore keeps the payment status as fields of the hash order:{id}.
// A missing hash or field reads as UNPAID.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order:%s", orderID)
}

func (s *RedisStore) GetPaymentStatus(ctx context.Context, orderID string) (models.OrderPaymentStatus, error) {
	status, err := s.client.HGet(ctx, orderKey(orderID), fieldPaymentStatus).Result()
	if errors.Is(err, redis.Nil) {
		return models.OrderUnpaid, nil
	}
	if err != nil {
		return "", fmt.Errorf("read order %s: %w", orderID, err)
	}
	return models.OrderPaymentStatus(status), nil
}

func (s *RedisStore) SetPaymentStatus(ctx context.Context, orderID string, status models.OrderPaymentStatus, transactionID string) error {
	err := s.client.HSet(ctx, orderKey(orderID),
		fieldPaymentStatus, string(status),
		fieldTransactionID, transactionID,
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("write order %s: %w", orderID, err)
	}
	return nil
}

// MemoryStore is the order collaborator for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]models.OrderPaymentStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]models.OrderPaymentStatus)}
}

func (s *MemoryStore) GetPaymentStatus(_ context.Context, orderID string) (models.OrderPaymentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.statuses[orderID]; ok {
		return status, nil
	}
	return models.OrderUnpaid, nil
}

func (s *MemoryStore) SetPaymentStatus(_ context.Context, orderID string, status models.OrderPaymentStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[orderID] = status
	return nil
}
