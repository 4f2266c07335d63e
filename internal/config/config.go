package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/akylbek/storefront-payments/internal/gateway"
	"github.com/akylbek/storefront-payments/internal/models"
)

type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	KafkaTopic   string
	NATSURL      string
	NATSSubject  string
	OTLPEndpoint string

	Wompi           gateway.Config
	EventsSecret    string
	SignatureHeader string
	RedirectURL     string

	SupportedCurrencies []string
	Methods             []models.PaymentMethod

	PendingExpiry  time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
	ReplayAfter    time.Duration
	IdempotencyTTL time.Duration
	BanksCacheTTL  time.Duration
	// RefundRecheckAfter is how long a refund may stay PENDING before the sweeper resubmits it.
	RefundRecheckAfter time.Duration
}

func defaults(v *viper.Viper) {
	gw := gateway.DefaultConfig()

	v.SetDefault("port", "8085")
	v.SetDefault("kafka_topic", "payment.state.changed")
	v.SetDefault("nats_subject", "payments.notifications")

	v.SetDefault("wompi_base_url", gw.BaseURL)
	v.SetDefault("wompi_signature_header", "X-Wompi-Signature")
	v.SetDefault("wompi_charge_path", gw.ChargePath)
	v.SetDefault("wompi_verify_path", gw.VerifyPath)
	v.SetDefault("wompi_lookup_path", gw.LookupPath)
	v.SetDefault("wompi_refund_path", gw.RefundPath)
	v.SetDefault("wompi_banks_path", gw.BanksPath)
	v.SetDefault("wompi_merchant_path", gw.MerchantPath)
	v.SetDefault("gateway_timeout", gw.Timeout)
	v.SetDefault("gateway_max_retries", gw.MaxRetries)
	v.SetDefault("gateway_backoff_initial", gw.BackoffInitial)
	v.SetDefault("gateway_backoff_max", gw.BackoffMax)

	v.SetDefault("supported_currencies", "COP")
	v.SetDefault("payment_methods", "CARD,PSE,NEQUI")

	v.SetDefault("pending_expiry", 30*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("sweep_batch", 50)
	v.SetDefault("webhook_replay_after", time.Minute)
	v.SetDefault("idempotency_ttl", 24*time.Hour)
	v.SetDefault("banks_cache_ttl", time.Hour)
	v.SetDefault("refund_recheck_after", 5*time.Minute)
}

// Load reads the environment and, when path is set, a YAML file whose keys are the
// lower-cased variable names. The environment wins over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:         v.GetString("port"),
		DatabaseURL:  v.GetString("database_url"),
		RedisURL:     v.GetString("redis_url"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		KafkaTopic:   v.GetString("kafka_topic"),
		NATSURL:      v.GetString("nats_url"),
		NATSSubject:  v.GetString("nats_subject"),
		OTLPEndpoint: v.GetString("otlp_endpoint"),

		Wompi: gateway.Config{
			BaseURL:        v.GetString("wompi_base_url"),
			PublicKey:      v.GetString("wompi_public_key"),
			PrivateKey:     v.GetString("wompi_private_key"),
			IntegrityKey:   v.GetString("wompi_integrity_key"),
			ChargePath:     v.GetString("wompi_charge_path"),
			VerifyPath:     v.GetString("wompi_verify_path"),
			LookupPath:     v.GetString("wompi_lookup_path"),
			RefundPath:     v.GetString("wompi_refund_path"),
			BanksPath:      v.GetString("wompi_banks_path"),
			MerchantPath:   v.GetString("wompi_merchant_path"),
			Timeout:        v.GetDuration("gateway_timeout"),
			MaxRetries:     v.GetInt("gateway_max_retries"),
			BackoffInitial: v.GetDuration("gateway_backoff_initial"),
			BackoffMax:     v.GetDuration("gateway_backoff_max"),
		},
		EventsSecret:    v.GetString("wompi_events_secret"),
		SignatureHeader: v.GetString("wompi_signature_header"),
		RedirectURL:     v.GetString("payment_redirect_url"),

		SupportedCurrencies: splitList(v.GetString("supported_currencies")),

		PendingExpiry:  v.GetDuration("pending_expiry"),
		SweepInterval:  v.GetDuration("sweep_interval"),
		SweepBatch:     v.GetInt("sweep_batch"),
		ReplayAfter:    v.GetDuration("webhook_replay_after"),
		IdempotencyTTL: v.GetDuration("idempotency_ttl"),
		BanksCacheTTL:  v.GetDuration("banks_cache_ttl"),

		RefundRecheckAfter: v.GetDuration("refund_recheck_after"),
	}

	for _, m := range splitList(v.GetString("payment_methods")) {
		method := models.PaymentMethod(m)
		switch method {
		case models.MethodCard, models.MethodPSE, models.MethodNequi:
			cfg.Methods = append(cfg.Methods, method)
		default:
			return nil, fmt.Errorf("unknown payment method %q", m)
		}
	}
	if cfg.SweepInterval <= 0 || cfg.PendingExpiry <= 0 {
		return nil, errors.New("sweep interval and pending expiry must be positive")
	}
	return cfg, nil
}

// ValidateServe checks what the API cannot run without.
func (c *Config) ValidateServe() error {
	var missing []string
	if c.Wompi.PublicKey == "" {
		missing = append(missing, "WOMPI_PUBLIC_KEY")
	}
	if c.Wompi.PrivateKey == "" {
		missing = append(missing, "WOMPI_PRIVATE_KEY")
	}
	if c.EventsSecret == "" {
		missing = append(missing, "WOMPI_EVENTS_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// splitList splits a comma separated value, upper-cases and drops empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
