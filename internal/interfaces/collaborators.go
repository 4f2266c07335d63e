package interfaces

import (
	"context"

	"github.com/akylbek/storefront-payments/internal/models"
)

// OrderStore is the order CRUD layer seen as an opaque key/value record.
type OrderStore interface {
	GetPaymentStatus(ctx context.Context, orderID string) (models.OrderPaymentStatus, error)
	SetPaymentStatus(ctx context.Context, orderID string, status models.OrderPaymentStatus, transactionID string) error
}

// EventPublisher delivers payment events to consumers. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, evt models.PaymentEvent) error
}
