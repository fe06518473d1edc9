package postgres

import (
	"context"
	"fmt"

	pgplatform "github.com/hanko-field/commerce/internal/platform/postgres"
)

// Order items restrict deletion of their order, so removing an order must delete its items first.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		price      NUMERIC(14, 2) NOT NULL CHECK (price >= 0),
		stock      INTEGER NOT NULL CHECK (stock >= 0),
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users (id),
		status       TEXT NOT NULL,
		total        NUMERIC(14, 2) NOT NULL,
		ordered_at   TIMESTAMPTZ NOT NULL,
		shipped_at   TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL,
		version      BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS orders_user_ordered_idx ON orders (user_id, ordered_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS orders_status_ordered_idx ON orders (status, ordered_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS orders_ordered_idx ON orders (ordered_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id         TEXT PRIMARY KEY,
		order_id   TEXT NOT NULL REFERENCES orders (id) ON DELETE RESTRICT,
		position   INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products (id),
		quantity   INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(14, 2) NOT NULL,
		discount   NUMERIC(14, 2) NOT NULL DEFAULT 0 CHECK (discount >= 0),
		UNIQUE (order_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS order_outbox (
		id           TEXT PRIMARY KEY,
		topic        TEXT NOT NULL,
		key          TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload      JSONB NOT NULL,
		attributes   JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL,
		sent_at      TIMESTAMPTZ,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS order_outbox_pending_idx ON order_outbox (created_at, id) WHERE sent_at IS NULL`,
}

// Migrate creates the tables used by the order repositories when they do not exist.
func Migrate(ctx context.Context, provider *pgplatform.Provider) error {
	return provider.RunInTx(ctx, func(ctx context.Context) error {
		tx, _ := pgplatform.TxFromContext(ctx)
		for i, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return pgplatform.WrapError(fmt.Sprintf("migrate[%d]", i), err)
			}
		}
		return nil
	})
}
