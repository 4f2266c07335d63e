package interfaces

import (
	"context"

	"github.com/akylbek/storefront-payments/internal/models"
)

// GatewayClient is pure I/O against a payment provider. A business decline is a result,
// not an error; errors are network or protocol failures and requests the gateway refused.
// Creates and refunds failing with apperrors.ErrOutcomeUnknown may have taken effect.
type GatewayClient interface {
	Name() string
	CreateCharge(ctx context.Context, req models.ChargeRequest) (*models.GatewayResult, error)
	CreatePSERedirect(ctx context.Context, req models.PSERequest) (*models.GatewayResult, error)
	Verify(ctx context.Context, gatewayTransactionID string) (*models.GatewayResult, error)
	// FindByReference looks a transaction up by the reference it was created with.
	FindByReference(ctx context.Context, reference string) (*models.GatewayResult, error)
	// Refund is safe to resubmit with the same reference.
	Refund(ctx context.Context, gatewayTransactionID string, amount int64, reference string) (*models.GatewayResult, error)
	ListPSEBanks(ctx context.Context) ([]models.Bank, error)
}

// WebhookParser decodes a gateway-specific notification body.
type WebhookParser interface {
	ParseWebhook(raw []byte) (*models.WebhookEvent, error)
}
