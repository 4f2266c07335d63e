package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(64) PRIMARY KEY,
		order_id VARCHAR(255) NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		currency VARCHAR(3) NOT NULL,
		method VARCHAR(32) NOT NULL,
		gateway VARCHAR(64) NOT NULL,
		gateway_transaction_id VARCHAR(255),
		status VARCHAR(32) NOT NULL,
		redirect_url TEXT,
		failure_code VARCHAR(128),
		failure_reason TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		gateway_updated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_order_id ON transactions(order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status_created ON transactions(status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_gateway_ref
		ON transactions(gateway, gateway_transaction_id) WHERE gateway_transaction_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + activeOrderConstraint + `
		ON transactions(order_id) WHERE status IN ('PENDING', 'APPROVED')`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		id VARCHAR(64) PRIMARY KEY,
		gateway VARCHAR(64) NOT NULL,
		event_type VARCHAR(128) NOT NULL,
		gateway_transaction_id VARCHAR(255) NOT NULL DEFAULT '',
		reference VARCHAR(255),
		claimed_status VARCHAR(32) NOT NULL DEFAULT '',
		raw_payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		gateway_timestamp TIMESTAMPTZ,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		note TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_unprocessed ON webhook_events(received_at) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS webhook_dedup (
		dedup_key VARCHAR(512) PRIMARY KEY,
		event_id VARCHAR(64) NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS refunds (
		id VARCHAR(64) PRIMARY KEY,
		transaction_id VARCHAR(64) NOT NULL REFERENCES transactions(id),
		amount BIGINT NOT NULL CHECK (amount > 0),
		reason TEXT NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		gateway_refund_id VARCHAR(255),
		failure_reason TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refunds_transaction_id ON refunds(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_refunds_pending ON refunds(created_at) WHERE status = 'PENDING'`,

	`CREATE TABLE IF NOT EXISTS failed_attempts (
		id VARCHAR(64) PRIMARY KEY,
		order_id VARCHAR(255) NOT NULL,
		transaction_id VARCHAR(64),
		gateway VARCHAR(64) NOT NULL,
		method VARCHAR(32) NOT NULL,
		amount BIGINT NOT NULL,
		error_code VARCHAR(128) NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_failed_attempts_order_id ON failed_attempts(order_id)`,

	`CREATE TABLE IF NOT EXISTS gateway_logs (
		id BIGSERIAL PRIMARY KEY,
		gateway VARCHAR(64) NOT NULL,
		operation VARCHAR(64) NOT NULL,
		attempt INTEGER NOT NULL,
		request TEXT NOT NULL,
		response TEXT NOT NULL,
		status_code INTEGER,
		response_time_ms BIGINT NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_logs_created_at ON gateway_logs(created_at)`,

	`CREATE TABLE IF NOT EXISTS transaction_conflicts (
		id VARCHAR(64) PRIMARY KEY,
		transaction_id VARCHAR(64) NOT NULL REFERENCES transactions(id),
		source VARCHAR(32) NOT NULL,
		stored_status VARCHAR(32) NOT NULL,
		observed_status VARCHAR(32) NOT NULL,
		stored_at TIMESTAMPTZ,
		observed_at TIMESTAMPTZ,
		verdict VARCHAR(32) NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transaction_conflicts_transaction_id ON transaction_conflicts(transaction_id)`,
}

// InitDB creates the payment schema. Statements are idempotent.
func InitDB(ctx context.Context, db *sql.DB) error {
	for i, query := range schema {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
