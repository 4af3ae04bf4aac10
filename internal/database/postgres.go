package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	_ "github.com/lib/pq"
)

// PostgresClient wraps the PostgreSQL database connection
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresClient{db: db}, nil
}

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS units (
		id VARCHAR(128) PRIMARY KEY,
		auction_id VARCHAR(128),
		lot_number INT,
		seller_id VARCHAR(255) NOT NULL,
		current_price NUMERIC(14, 2) NOT NULL,
		leading_bidder_id VARCHAR(255),
		close_time TIMESTAMPTZ NOT NULL,
		extension_count INT NOT NULL DEFAULT 0,
		bid_count INT NOT NULL DEFAULT 0,
		ended BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bids (
		id VARCHAR(64) PRIMARY KEY,
		unit_id VARCHAR(128) NOT NULL,
		bidder_id VARCHAR(255) NOT NULL,
		amount NUMERIC(14, 2) NOT NULL,
		bid_type VARCHAR(16) NOT NULL DEFAULT 'standard',
		extension_applied BOOLEAN NOT NULL DEFAULT FALSE,
		resulting_close_time TIMESTAMPTZ NOT NULL,
		placed_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (unit_id) REFERENCES units(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_units_auction_id ON units(auction_id);
	CREATE INDEX IF NOT EXISTS idx_bids_unit_id ON bids(unit_id);
	CREATE INDEX IF NOT EXISTS idx_bids_bidder_id ON bids(bidder_id);
	CREATE INDEX IF NOT EXISTS idx_bids_placed_at ON bids(placed_at);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// ArchiveEvent records the unit state carried by event and, for placed bids,
// the bid itself, in one transaction. Redelivered or out-of-order events never
// move the archived state backwards.
func (c *PostgresClient) ArchiveEvent(ctx context.Context, event *models.BidEvent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertUnit(ctx, tx, event); err != nil {
		return err
	}
	if event.Type == models.EventBidPlaced && event.BidID != "" {
		if err := insertBid(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// upsertUnit only ever raises price, close time and counters
func upsertUnit(ctx context.Context, tx *sql.Tx, event *models.BidEvent) error {
	query := `
		INSERT INTO units (id, auction_id, lot_number, seller_id, current_price, leading_bidder_id,
		                   close_time, extension_count, bid_count, ended, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, 0), $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    leading_bidder_id = CASE WHEN EXCLUDED.bid_count > units.bid_count
		                             THEN EXCLUDED.leading_bidder_id
		                             ELSE units.leading_bidder_id END,
		    current_price = GREATEST(units.current_price, EXCLUDED.current_price),
		    close_time = GREATEST(units.close_time, EXCLUDED.close_time),
		    extension_count = GREATEST(units.extension_count, EXCLUDED.extension_count),
		    bid_count = GREATEST(units.bid_count, EXCLUDED.bid_count),
		    ended = units.ended OR EXCLUDED.ended,
		    updated_at = GREATEST(units.updated_at, EXCLUDED.updated_at)
	`

	closeTime := event.CloseTime
	if event.NewCloseTime != nil {
		closeTime = *event.NewCloseTime
	}

	_, err := tx.ExecContext(
		ctx,
		query,
		event.UnitID,
		event.AuctionID,
		event.LotNumber,
		event.SellerID,
		event.CurrentPrice,
		event.BidderID,
		closeTime,
		event.ExtensionCount,
		event.BidCount,
		event.Ended,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert unit: %w", err)
	}
	return nil
}

// insertBid inserts a bid record; redelivered events are ignored
func insertBid(ctx context.Context, tx *sql.Tx, event *models.BidEvent) error {
	query := `
		INSERT INTO bids (id, unit_id, bidder_id, amount, bid_type, extension_applied,
		                  resulting_close_time, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	bidType := event.BidType
	if bidType == "" {
		bidType = models.BidTypeStandard
	}

	_, err := tx.ExecContext(
		ctx,
		query,
		event.BidID,
		event.UnitID,
		event.BidderID,
		event.Amount,
		string(bidType),
		event.TimeExtended,
		event.CloseTime,
		event.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// GetBidHistory retrieves the archived bids of a unit, newest first
func (c *PostgresClient) GetBidHistory(ctx context.Context, unitID string, limit int) ([]models.Bid, error) {
	query := `
		SELECT id, unit_id, bidder_id, amount, bid_type, extension_applied, resulting_close_time, placed_at
		FROM bids
		WHERE unit_id = $1
		ORDER BY placed_at DESC
		LIMIT $2
	`

	rows, err := c.db.QueryContext(ctx, query, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var bid models.Bid
		var bidType string
		err := rows.Scan(
			&bid.ID,
			&bid.UnitID,
			&bid.BidderID,
			&bid.Amount,
			&bidType,
			&bid.ExtensionApplied,
			&bid.ResultingCloseTime,
			&bid.PlacedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bid.Type = models.BidType(bidType)
		bid.PlacedAt = bid.PlacedAt.UTC()
		bid.ResultingCloseTime = bid.ResultingCloseTime.UTC()
		bids = append(bids, bid)
	}

	return bids, rows.Err()
}

// Ping checks the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}
