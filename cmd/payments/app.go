package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/config"
	"github.com/akylbek/storefront-payments/internal/events"
	"github.com/akylbek/storefront-payments/internal/gateway"
	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/orchestrator"
	"github.com/akylbek/storefront-payments/internal/orders"
	"github.com/akylbek/storefront-payments/internal/refund"
	"github.com/akylbek/storefront-payments/internal/repository"
	"github.com/akylbek/storefront-payments/internal/sweeper"
	"github.com/akylbek/storefront-payments/internal/telemetry"
	"github.com/akylbek/storefront-payments/internal/transition"
	"github.com/akylbek/storefront-payments/internal/webhook"
)

// app is the wired process. Infrastructure with an empty URL falls back to its in-process
// stand-in so the service runs locally without it.
type app struct {
	cfg    *config.Config
	redis  *redis.Client
	store  interfaces.Store
	orders interfaces.OrderStore

	orchestrator *orchestrator.Orchestrator
	refunds      *refund.Manager
	webhooks     *webhook.Processor
	sweeper      *sweeper.Sweeper

	closers []func()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func redisOptions(url string) (*redis.Options, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return redis.ParseURL(url)
	}
	return &redis.Options{Addr: url}, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	logger := telemetry.Logger

	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		if err := repository.InitDB(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		a.store = repository.NewPaymentRepository(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		a.store = repository.NewMemoryRepository()
	}

	if cfg.RedisURL != "" {
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, func() { a.redis.Close() })
		a.orders = orders.NewRedisStore(a.redis)
	} else {
		logger.Warn("REDIS_URL not set, order status kept in memory and idempotency disabled")
		a.orders = orders.NewMemoryStore()
	}

	var publishers events.MultiPublisher
	if cfg.KafkaBrokers != "" {
		writer := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, func() { writer.Close() })
		publishers = append(publishers, events.NewKafkaPublisher(writer))
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("storefront-payments"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, nc.Close)
		publishers = append(publishers, events.NewNATSNotifier(nc, cfg.NATSSubject))
	}
	var publisher interfaces.EventPublisher = events.NoopPublisher{}
	if len(publishers) > 0 {
		publisher = publishers
	}

	wompi := gateway.NewWompiClient(cfg.Wompi, nil, a.store, logger)
	var gw interfaces.GatewayClient = wompi
	if a.redis != nil {
		gw = gateway.NewCachedBanks(wompi, a.redis, cfg.BanksCacheTTL, logger)
	}

	applier := transition.NewApplier(a.store, a.orders, publisher, logger)
	a.orchestrator = orchestrator.New(a.store, gw, a.orders, applier, orchestrator.Config{
		SupportedCurrencies: cfg.SupportedCurrencies,
		Methods:             cfg.Methods,
		RedirectURL:         cfg.RedirectURL,
	}, logger)
	a.refunds = refund.NewManager(a.store, gw, applier, logger)
	a.webhooks = webhook.NewProcessor(a.store, map[string]webhook.Gateway{
		gateway.WompiName: {Parser: wompi, Secret: cfg.EventsSecret},
	}, applier, logger)
	a.sweeper = sweeper.New(a.store, a.orchestrator, a.webhooks, a.refunds, applier, sweeper.Config{
		PendingExpiry:      cfg.PendingExpiry,
		Interval:           cfg.SweepInterval,
		Batch:              cfg.SweepBatch,
		ReplayAfter:        cfg.ReplayAfter,
		RefundRecheckAfter: cfg.RefundRecheckAfter,
	}, logger)

	logger.Info("Payments wired",
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("kafka", cfg.KafkaBrokers != ""),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.Strings("currencies", cfg.SupportedCurrencies),
	)
	return a, nil
}

// Close releases infrastructure in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
