package mongodb

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aaronwang/bidding-app/internal/clock"
	"github.com/aaronwang/bidding-app/internal/engine"
	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real replica set when MONGO_TEST_URI is set, e.g.
// mongodb://localhost:27017/?replicaSet=rs0
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, uri)
	require.NoError(t, err)

	dbName := "bidding_test_" + uuid.New().String()[:8]
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	s := NewStore(client, dbName)
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func liveUnit(id string) *models.Unit {
	return &models.Unit{
		ID:           id,
		Title:        "Oak desk",
		SellerID:     "seller",
		CurrentPrice: decimal.NewFromInt(100),
		StartTime:    t0.Add(-time.Hour),
		CloseTime:    t0.Add(10 * time.Minute),
		CreatedAt:    t0.Add(-time.Hour),
		UpdatedAt:    t0.Add(-time.Hour),
	}
}

func bidCommit(u *models.Unit, bidder, amount string) *store.Commit {
	a := decimal.RequireFromString(amount)
	return &store.Commit{
		UnitID:          u.ID,
		ExpectedVersion: u.Version,
		Price:           a,
		LeadingBidder:   bidder,
		CloseTime:       u.CloseTime,
		Bid: models.Bid{
			ID:                 uuid.New().String(),
			UnitID:             u.ID,
			BidderID:           bidder,
			Amount:             a,
			Type:               models.BidTypeStandard,
			PlacedAt:           t0,
			ResultingCloseTime: u.CloseTime,
		},
		At: t0,
	}
}

func TestMongoCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, liveUnit("a-lot-1"), liveUnit("a-lot-2")))

	got, err := s.Get(ctx, "a-lot-2")
	require.NoError(t, err)
	assert.Equal(t, "seller", got.SellerID)
	assert.Equal(t, "100", got.CurrentPrice.String())

	// all or nothing
	err = s.Create(ctx, liveUnit("a-lot-3"), liveUnit("a-lot-1"))
	assert.ErrorIs(t, err, store.ErrExists)
	_, err = s.Get(ctx, "a-lot-3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMongoCommitConflictAndNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := liveUnit("item-1")
	require.NoError(t, s.Create(ctx, u))

	next, err := s.Commit(ctx, bidCommit(u, "alice", "101"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Version)
	assert.Equal(t, "101", next.CurrentPrice.String())
	assert.Equal(t, "alice", next.LeadingBidder)
	assert.Equal(t, 1, next.BidCount)

	// u still carries version 0
	_, err = s.Commit(ctx, bidCommit(u, "bob", "102"))
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Commit(ctx, bidCommit(liveUnit("ghost"), "bob", "102"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	bids, err := s.History(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "alice", bids[0].BidderID)

	_, err = s.History(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMongoForceEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, liveUnit("item-1")))

	u, err := s.ForceEnd(ctx, "item-1", t0)
	require.NoError(t, err)
	assert.True(t, u.ForcedEnded)
	assert.Equal(t, int64(1), u.Version)

	u, err = s.ForceEnd(ctx, "item-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Version)

	_, err = s.ForceEnd(ctx, "ghost", t0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngineOnMongo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, liveUnit("item-1")))

	cfg := engine.DefaultConfig()
	cfg.LockTimeout = 5 * time.Second
	e := engine.New(engine.Deps{Store: s, Clock: clock.NewManual(t0)}, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := decimal.NewFromInt(int64(101 + i))
			_, _ = e.PlaceBid(ctx, engine.BidCommand{UnitID: "item-1", BidderID: "b" + amount.String(), Amount: amount})
		}(i)
	}
	wg.Wait()

	view, err := e.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "110", view.CurrentPrice.String())

	bids, err := e.History(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, view.BidCount, len(bids))
	for i := 1; i < len(bids); i++ {
		assert.True(t, bids[i].Amount.GreaterThan(bids[i-1].Amount))
	}
}
