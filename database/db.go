package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// schema bootstraps the five tables. The unique index on orders.auction_id
// and the primary key on webhook_events.event_id are the compare-and-swap
// primitives the whole concurrency model rests on; everything else is
// conventional.
const schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id BIGSERIAL PRIMARY KEY,
	listing_id BIGINT NOT NULL,
	seller_id BIGINT NOT NULL,
	status VARCHAR(20) NOT NULL DEFAULT 'scheduled',
	current_price_cents BIGINT NOT NULL DEFAULT 0,
	reserve_price_cents BIGINT NOT NULL DEFAULT 0,
	reserve_met BOOLEAN NOT NULL DEFAULT FALSE,
	high_bid_id BIGINT,
	high_bidder_id BIGINT,
	bid_count INTEGER NOT NULL DEFAULT 0,
	extension_count INTEGER NOT NULL DEFAULT 0,
	increment_scheme VARCHAR(50) NOT NULL DEFAULT 'standard',
	end_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS bids (
	id BIGSERIAL PRIMARY KEY,
	auction_id BIGINT NOT NULL REFERENCES auctions(id),
	bidder_id BIGINT NOT NULL,
	amount_cents BIGINT NOT NULL,
	proxy_max_cents BIGINT,
	accepted BOOLEAN NOT NULL DEFAULT FALSE,
	placed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_bids_auction_amount ON bids (auction_id, amount_cents DESC, placed_at ASC);

CREATE TABLE IF NOT EXISTS orders (
	id BIGSERIAL PRIMARY KEY,
	listing_id BIGINT NOT NULL,
	buyer_id BIGINT NOT NULL,
	seller_id BIGINT NOT NULL,
	amount_cents BIGINT NOT NULL,
	platform_fee_cents BIGINT NOT NULL,
	seller_amount_cents BIGINT NOT NULL,
	state VARCHAR(30) NOT NULL DEFAULT 'pending_payment',
	auction_id BIGINT UNIQUE REFERENCES auctions(id),
	winning_bid_id BIGINT REFERENCES bids(id),
	payment_intent_id VARCHAR(255),
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id VARCHAR(255) PRIMARY KEY,
	type VARCHAR(100) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	processing_status VARCHAR(20) NOT NULL DEFAULT 'processing',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	received_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	order_id BIGINT NOT NULL REFERENCES orders(id),
	type VARCHAR(50) NOT NULL,
	amount_cents BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

func InitDB(dsn string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}
