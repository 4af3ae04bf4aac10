package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real database when POSTGRES_TEST_URL is set
func newTestClient(t *testing.T) *PostgresClient {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	c, err := NewPostgresClient(url)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func TestArchiveEventIsMonotonic(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	unitID := "archive-test-" + uuid.New().String()[:8]
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event := func(bidder string, price int64, count int, closeAt time.Time) *models.BidEvent {
		return &models.BidEvent{
			Type:         models.EventBidPlaced,
			EventID:      uuid.New().String(),
			UnitID:       unitID,
			SellerID:     "seller",
			BidID:        uuid.New().String(),
			BidderID:     bidder,
			Amount:       decimal.NewFromInt(price),
			CurrentPrice: decimal.NewFromInt(price),
			BidCount:     count,
			CloseTime:    closeAt,
			PlacedAt:     t0,
			Timestamp:    t0,
		}
	}

	newer := event("bob", 120, 2, t0.Add(12*time.Minute))
	older := event("alice", 110, 1, t0.Add(10*time.Minute))

	// delivered out of order, and the newer one twice
	require.NoError(t, c.ArchiveEvent(ctx, newer))
	require.NoError(t, c.ArchiveEvent(ctx, older))
	require.NoError(t, c.ArchiveEvent(ctx, newer))

	var price decimal.Decimal
	var leader string
	var closeTime time.Time
	err := c.db.QueryRowContext(ctx,
		`SELECT current_price, leading_bidder_id, close_time FROM units WHERE id = $1`, unitID).
		Scan(&price, &leader, &closeTime)
	require.NoError(t, err)
	assert.Equal(t, "120", price.String())
	assert.Equal(t, "bob", leader)
	assert.True(t, closeTime.Equal(t0.Add(12*time.Minute)))

	bids, err := c.GetBidHistory(ctx, unitID, 10)
	require.NoError(t, err)
	assert.Len(t, bids, 2)

	assert.NoError(t, c.Ping(ctx))
}
