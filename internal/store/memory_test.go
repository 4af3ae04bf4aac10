package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newUnit(id string) *models.Unit {
	return &models.Unit{
		ID:           id,
		SellerID:     "seller",
		CurrentPrice: decimal.NewFromInt(100),
		StartTime:    t0.Add(-time.Hour),
		CloseTime:    t0.Add(time.Hour),
		CreatedAt:    t0,
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	assert.NoError(t, s.Create(ctx, newUnit("a"), newUnit("b")))
	check.True(t, errors.Is(s.Create(ctx, newUnit("c"), newUnit("a")), ErrExists))

	// c must not have been written by the failed batch
	_, err := s.Get(ctx, "c")
	check.True(t, errors.Is(err, ErrNotFound))

	u, err := s.Get(ctx, "a")
	assert.NoError(t, err)
	check.Equal(t, "seller", u.SellerID)

	// returned copies do not alias stored state
	u.SellerID = "mutated"
	again, _ := s.Get(ctx, "a")
	check.Equal(t, "seller", again.SellerID)
}

func TestMemoryCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	assert.NoError(t, s.Create(ctx, newUnit("a")))

	c := &Commit{
		UnitID:          "a",
		ExpectedVersion: 0,
		Price:           decimal.NewFromInt(150),
		LeadingBidder:   "bob",
		CloseTime:       t0.Add(2 * time.Hour),
		Extended:        true,
		Bid:             models.Bid{ID: "bid-1", UnitID: "a", BidderID: "bob", Amount: decimal.NewFromInt(150)},
		At:              t0,
	}
	u, err := s.Commit(ctx, c)
	assert.NoError(t, err)
	check.Equal(t, "150", u.CurrentPrice.String())
	check.Equal(t, 1, u.ExtensionCount)
	check.Equal(t, 1, u.BidCount)
	check.Equal(t, int64(1), u.Version)
	check.Equal(t, "bob", u.LeadingBidder)

	// stale version is rejected and nothing changes
	_, err = s.Commit(ctx, c)
	check.True(t, errors.Is(err, ErrConflict))

	history, err := s.History(ctx, "a")
	assert.NoError(t, err)
	check.Equal(t, 1, len(history))
	check.Equal(t, "bid-1", history[0].ID)

	_, err = s.Commit(ctx, &Commit{UnitID: "missing"})
	check.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryForceEnd(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	assert.NoError(t, s.Create(ctx, newUnit("a")))

	u, err := s.ForceEnd(ctx, "a", t0)
	assert.NoError(t, err)
	check.True(t, u.ForcedEnded)
	check.Equal(t, int64(1), u.Version)
	check.Equal(t, models.UnitStatusEnded, u.Status(t0))

	// idempotent
	u, err = s.ForceEnd(ctx, "a", t0.Add(time.Minute))
	assert.NoError(t, err)
	check.Equal(t, int64(1), u.Version)

	_, err = s.ForceEnd(ctx, "missing", t0)
	check.True(t, errors.Is(err, ErrNotFound))
}
