package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/storefront-payments/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8085", cfg.Port)
	assert.Equal(t, "payment.state.changed", cfg.KafkaTopic)
	assert.Equal(t, "X-Wompi-Signature", cfg.SignatureHeader)
	assert.Equal(t, []string{"COP"}, cfg.SupportedCurrencies)
	assert.Equal(t, []models.PaymentMethod{models.MethodCard, models.MethodPSE, models.MethodNequi}, cfg.Methods)
	assert.Equal(t, 10*time.Second, cfg.Wompi.Timeout)
	assert.Equal(t, 3, cfg.Wompi.MaxRetries)
	assert.Equal(t, "/transactions", cfg.Wompi.LookupPath)
	assert.Equal(t, 30*time.Minute, cfg.PendingExpiry)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 5*time.Minute, cfg.RefundRecheckAfter)
	assert.Error(t, cfg.ValidateServe(), "gateway keys have no default")
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("WOMPI_PUBLIC_KEY", "pub")
	t.Setenv("WOMPI_PRIVATE_KEY", "prv")
	t.Setenv("WOMPI_EVENTS_SECRET", "secret")
	t.Setenv("GATEWAY_TIMEOUT", "8s")
	t.Setenv("SUPPORTED_CURRENCIES", "cop, usd")
	t.Setenv("PAYMENT_METHODS", "CARD,NEQUI")
	t.Setenv("PENDING_EXPIRY", "45m")
	t.Setenv("REFUND_RECHECK_AFTER", "2m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 8*time.Second, cfg.Wompi.Timeout)
	assert.Equal(t, []string{"COP", "USD"}, cfg.SupportedCurrencies)
	assert.Equal(t, []models.PaymentMethod{models.MethodCard, models.MethodNequi}, cfg.Methods)
	assert.Equal(t, 45*time.Minute, cfg.PendingExpiry)
	assert.Equal(t, 2*time.Minute, cfg.RefundRecheckAfter)
	assert.NoError(t, cfg.ValidateServe())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\nsweep_batch: 10\nwompi_public_key: pub_file\n"), 0o600))
	t.Setenv("WOMPI_PUBLIC_KEY", "pub_env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, 10, cfg.SweepBatch)
	assert.Equal(t, "pub_env", cfg.Wompi.PublicKey)
}

func TestLoad_UnknownMethod(t *testing.T) {
	t.Setenv("PAYMENT_METHODS", "CARD,CRYPTO")
	_, err := Load("")
	assert.ErrorContains(t, err, "CRYPTO")
}
