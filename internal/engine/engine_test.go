package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aaronwang/bidding-app/internal/clock"
	"github.com/aaronwang/bidding-app/internal/ratelimit"
	"github.com/aaronwang/bidding-app/internal/settings"
	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

// closeT is the close time of the unit used by most tests ("T")
var closeT = t0.Add(10 * time.Minute)

type recorder struct {
	mu     sync.Mutex
	events []*models.BidEvent
}

func (r *recorder) Notify(ev *models.BidEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []*models.BidEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.BidEvent(nil), r.events...)
}

// hookStore runs beforeCommit ahead of every commit
type hookStore struct {
	*store.Memory
	mu           sync.Mutex
	commits      int
	beforeCommit func(ctx context.Context, c *store.Commit)
}

func (h *hookStore) Commit(ctx context.Context, c *store.Commit) (*models.Unit, error) {
	h.mu.Lock()
	h.commits++
	hook := h.beforeCommit
	h.mu.Unlock()
	if hook != nil {
		hook(ctx, c)
	}
	return h.Memory.Commit(ctx, c)
}

type fixture struct {
	engine *Engine
	store  *hookStore
	clock  *clock.Manual
	events *recorder
}

type fixtureOption func(*Deps, *Config)

func withFlags(f settings.Flags) fixtureOption {
	return func(d *Deps, _ *Config) { d.Flags = settings.Static(f) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  &hookStore{Memory: store.NewMemory()},
		clock:  clock.NewManual(t0),
		events: &recorder{},
	}
	deps := Deps{Store: f.store, Clock: f.clock, Notifier: f.events}
	cfg := DefaultConfig()
	cfg.LockTimeout = 5 * time.Second
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	f.engine = New(deps, cfg)

	_, err := f.engine.RegisterListing(context.Background(), &models.ListingRequest{
		ID:          "item-1",
		SellerID:    "seller",
		StartPrice:  dec("100"),
		BuyNowPrice: dec("500"),
		StartTime:   t0.Add(-time.Hour),
		CloseTime:   closeT,
	})
	assert.NoError(t, err)
	return f
}

func (f *fixture) bid(bidder, amount string) (*models.BidResult, error) {
	return f.engine.PlaceBid(context.Background(), BidCommand{UnitID: "item-1", BidderID: bidder, Amount: dec(amount)})
}

func reasonOf(err error) Reason {
	var bidErr *BidError
	if errors.As(err, &bidErr) {
		return bidErr.Reason
	}
	return ""
}

func TestPlaceBid_NoExtensionOutsideWindow(t *testing.T) {
	f := newFixture(t)

	res, err := f.bid("alice", "150")
	assert.NoError(t, err)
	check.Equal(t, "150", res.CurrentPrice.String())
	check.False(t, res.ExtensionApplied)
	check.Nil(t, res.NewAuctionEnd)
	check.Equal(t, 1, res.BidCount)

	u, err := f.engine.Get(context.Background(), "item-1")
	assert.NoError(t, err)
	check.True(t, u.CloseTime.Equal(closeT))
	check.Equal(t, 0, u.ExtensionCount)
	check.Equal(t, models.UnitStatusActive, u.Status)
}

func TestPlaceBid_RepeatedLateBidsExtend(t *testing.T) {
	f := newFixture(t)

	// bid at T-90s inside the 120s window pushes the close to T+30s
	f.clock.Set(closeT.Add(-90 * time.Second))
	res, err := f.bid("alice", "150")
	assert.NoError(t, err)
	check.True(t, res.ExtensionApplied)
	if check.NotNil(t, res.NewAuctionEnd) {
		check.True(t, res.NewAuctionEnd.Equal(closeT.Add(30*time.Second)))
	}

	// T+10s is past the original close but inside the window of the new one
	f.clock.Set(closeT.Add(10 * time.Second))
	res, err = f.bid("bob", "200")
	assert.NoError(t, err)
	check.True(t, res.ExtensionApplied)
	if check.NotNil(t, res.NewAuctionEnd) {
		check.True(t, res.NewAuctionEnd.Equal(closeT.Add(130*time.Second)))
	}

	u, err := f.engine.Get(context.Background(), "item-1")
	assert.NoError(t, err)
	check.Equal(t, 2, u.ExtensionCount)
	check.True(t, u.CloseTime.Equal(closeT.Add(130*time.Second)))

	history, err := f.engine.History(context.Background(), "item-1")
	assert.NoError(t, err)
	check.Equal(t, 2, len(history))
	check.True(t, history[0].ExtensionApplied)
	check.True(t, history[0].ResultingCloseTime.Equal(closeT.Add(30*time.Second)))
	check.True(t, history[1].ResultingCloseTime.Equal(closeT.Add(130*time.Second)))

	events := f.events.all()
	if check.Equal(t, 2, len(events)) {
		check.True(t, events[1].TimeExtended)
		check.Equal(t, models.ExtensionReasonAntiSniping, events[1].ExtensionReason)
		check.Equal(t, "200", events[1].CurrentPrice.String())
		check.Equal(t, "150", events[1].PreviousPrice.String())
		check.Equal(t, 2, events[1].BidCount)
	}
}

func TestPlaceBid_BidTooLow(t *testing.T) {
	f := newFixture(t)
	_, err := f.bid("alice", "150")
	assert.NoError(t, err)

	_, err = f.bid("bob", "90")
	check.Equal(t, ReasonBidTooLow, reasonOf(err))
	var bidErr *BidError
	if check.True(t, errors.As(err, &bidErr)) {
		check.Equal(t, "151.00", bidErr.MinimumBid.StringFixed(2))
	}

	// equal amount is a tie and rejected
	_, err = f.bid("bob", "150")
	check.Equal(t, ReasonBidTooLow, reasonOf(err))

	u, _ := f.engine.Get(context.Background(), "item-1")
	check.Equal(t, "150", u.CurrentPrice.String())
	check.Equal(t, 1, u.BidCount)
}

func TestPlaceBid_SelfBid(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []string{"1", "150", "100000"} {
		_, err := f.bid("seller", amount)
		check.Equal(t, ReasonSelfBid, reasonOf(err))
	}
	f.clock.Set(closeT.Add(-time.Second))
	_, err := f.bid("seller", "150")
	check.Equal(t, ReasonSelfBid, reasonOf(err))
	check.Equal(t, 0, len(f.events.all()))
}

func TestPlaceBid_AfterClose(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(closeT.Add(time.Second))

	_, err := f.bid("alice", "150")
	check.Equal(t, ReasonAuctionClosed, reasonOf(err))

	u, _ := f.engine.Get(context.Background(), "item-1")
	check.Equal(t, "100", u.CurrentPrice.String())
	check.Equal(t, int64(0), u.Version)
	check.Equal(t, models.UnitStatusEnded, u.Status)
	check.Equal(t, 0, len(f.events.all()))
}

func TestPlaceBid_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.PlaceBid(context.Background(), BidCommand{UnitID: "nope", BidderID: "alice", Amount: dec("10")})
	check.Equal(t, ReasonNotFound, reasonOf(err))
}

func TestPlaceBid_FeatureToggles(t *testing.T) {
	f := newFixture(t, withFlags(settings.Flags{Bidding: false, AntiSniping: true}))
	_, err := f.bid("alice", "150")
	check.Equal(t, ReasonFeatureDisabled, reasonOf(err))

	// anti-sniping off: late bids are accepted but never extend
	f = newFixture(t, withFlags(settings.Flags{Bidding: true, AntiSniping: false}))
	f.clock.Set(closeT.Add(-30 * time.Second))
	res, err := f.bid("alice", "150")
	assert.NoError(t, err)
	check.False(t, res.ExtensionApplied)
	u, _ := f.engine.Get(context.Background(), "item-1")
	check.True(t, u.CloseTime.Equal(closeT))
}

func TestPlaceBid_RateLimited(t *testing.T) {
	f := newFixture(t, func(d *Deps, _ *Config) {
		d.Limiter = ratelimit.NewMemory(2, time.Minute, d.Clock)
	})
	_, err := f.bid("alice", "110")
	assert.NoError(t, err)
	_, err = f.bid("alice", "120")
	assert.NoError(t, err)
	_, err = f.bid("alice", "130")
	check.Equal(t, ReasonRateLimited, reasonOf(err))

	_, err = f.bid("bob", "130")
	check.NoError(t, err)
}

func TestPlaceBid_SiblingLotsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := closeT
	t2 := closeT.Add(60 * time.Second)

	_, err := f.engine.RegisterAuction(ctx, &models.AuctionRequest{
		ID:        "estate",
		SellerID:  "seller",
		StartTime: t0.Add(-time.Hour),
		Lots: []models.LotRequest{
			{LotNumber: 1, StartPrice: dec("10"), CloseTime: t1},
			{LotNumber: 2, StartPrice: dec("10"), CloseTime: t2},
		},
	})
	assert.NoError(t, err)

	lot1 := models.LotUnitID("estate", 1)
	lot2 := models.LotUnitID("estate", 2)

	f.clock.Set(t1.Add(-30 * time.Second))
	res, err := f.engine.PlaceBid(ctx, BidCommand{UnitID: lot1, BidderID: "alice", Amount: dec("20")})
	assert.NoError(t, err)
	check.True(t, res.ExtensionApplied)

	l1, _ := f.engine.Get(ctx, lot1)
	l2, _ := f.engine.Get(ctx, lot2)
	check.True(t, l1.CloseTime.Equal(t1.Add(90*time.Second)))
	check.Equal(t, 1, l1.ExtensionCount)
	check.True(t, l2.CloseTime.Equal(t2))
	check.Equal(t, 0, l2.ExtensionCount)
	check.Equal(t, int64(0), l2.Version)

	events := f.events.all()
	if check.Equal(t, 1, len(events)) {
		check.Equal(t, lot1, events[0].UnitID)
		check.Equal(t, "estate", events[0].AuctionID)
		check.Equal(t, 1, events[0].LotNumber)
	}
}

func TestPlaceBid_ConcurrentIncreasingBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(bidder string) {
			defer wg.Done()
			for {
				u, err := f.engine.Get(ctx, "item-1")
				if err != nil {
					t.Error(err)
					return
				}
				_, err = f.engine.PlaceBid(ctx, BidCommand{
					UnitID:   "item-1",
					BidderID: bidder,
					Amount:   u.CurrentPrice.Add(decimal.NewFromInt(1)),
				})
				switch reasonOf(err) {
				case "":
					if err != nil {
						t.Error(err)
					}
					return
				case ReasonBidTooLow, ReasonConcurrencyConflict:
					continue
				default:
					t.Error(err)
					return
				}
			}
		}("bidder-" + string(rune('A'+i%26)) + string(rune('a'+i/26)))
	}
	wg.Wait()

	u, err := f.engine.Get(ctx, "item-1")
	assert.NoError(t, err)
	check.Equal(t, "150", u.CurrentPrice.String())

	history, err := f.engine.History(ctx, "item-1")
	assert.NoError(t, err)
	check.Equal(t, n, len(history))
	for i := 1; i < len(history); i++ {
		check.True(t, history[i].Amount.GreaterThan(history[i-1].Amount))
	}
}

func TestPlaceBid_ConcurrentDistinctAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := f.engine.PlaceBid(ctx, BidCommand{
				UnitID:   "item-1",
				BidderID: "bidder",
				Amount:   decimal.NewFromInt(100 + amount),
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if reasonOf(err) != ReasonBidTooLow {
				t.Error(err)
			}
		}(int64(i))
	}
	wg.Wait()

	u, _ := f.engine.Get(ctx, "item-1")
	history, _ := f.engine.History(ctx, "item-1")
	check.Equal(t, accepted, len(history))
	check.Equal(t, accepted, u.BidCount)
	if check.True(t, len(history) > 0) {
		check.True(t, history[len(history)-1].Amount.Equal(u.CurrentPrice))
	}
	for i := 1; i < len(history); i++ {
		check.True(t, history[i].Amount.GreaterThan(history[i-1].Amount))
	}
}

func TestPlaceBid_RetriesOnConflictAndRevalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// an admin closes the unit between our read and our commit
	f.store.beforeCommit = func(ctx context.Context, c *store.Commit) {
		f.store.beforeCommit = nil
		_, err := f.store.ForceEnd(ctx, c.UnitID, f.clock.Now())
		assert.NoError(t, err)
	}

	_, err := f.bid("alice", "150")
	check.Equal(t, ReasonAuctionClosed, reasonOf(err))
	check.Equal(t, 1, f.store.commits)

	history, _ := f.engine.History(ctx, "item-1")
	check.Equal(t, 0, len(history))
	check.Equal(t, 0, len(f.events.all()))
}

func TestPlaceBid_ConflictExhaustsAttempts(t *testing.T) {
	f := newFixture(t)

	// every commit races with an external writer bumping the version
	f.store.beforeCommit = func(ctx context.Context, c *store.Commit) {
		f.store.Memory.Commit(ctx, &store.Commit{
			UnitID:          c.UnitID,
			ExpectedVersion: c.ExpectedVersion,
			Price:           dec("100"),
			CloseTime:       closeT,
			At:              c.At,
		})
	}

	_, err := f.bid("alice", "150")
	check.Equal(t, ReasonConcurrencyConflict, reasonOf(err))
	var bidErr *BidError
	if check.True(t, errors.As(err, &bidErr)) {
		check.True(t, bidErr.Retryable())
	}
	check.Equal(t, 3, f.store.commits)
	check.Equal(t, 0, len(f.events.all()))
}

func TestPlaceBid_LockTimeoutIsRetryable(t *testing.T) {
	locker := NewLocalLocker()
	f := newFixture(t, func(d *Deps, c *Config) {
		d.Locker = locker
		c.LockTimeout = 20 * time.Millisecond
	})

	unlock, err := locker.Lock(context.Background(), "item-1")
	assert.NoError(t, err)
	_, err = f.bid("alice", "150")
	unlock()
	check.Equal(t, ReasonConcurrencyConflict, reasonOf(err))

	_, err = f.bid("alice", "150")
	check.NoError(t, err)
}

func TestPlaceBid_CallerCancellationInsideLock(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.store.beforeCommit = func(context.Context, *store.Commit) { cancel() }

	res, err := f.engine.PlaceBid(ctx, BidCommand{UnitID: "item-1", BidderID: "alice", Amount: dec("150")})
	assert.NoError(t, err)
	check.Equal(t, "150", res.CurrentPrice.String())

	u, _ := f.engine.Get(context.Background(), "item-1")
	check.Equal(t, "150", u.CurrentPrice.String())
}

func TestBuyNow(t *testing.T) {
	f := newFixture(t, withFlags(settings.Flags{Bidding: true, AntiSniping: true, BuyNow: true}))
	ctx := context.Background()

	_, err := f.engine.BuyNow(ctx, "item-1", "seller")
	check.Equal(t, ReasonSelfBid, reasonOf(err))

	res, err := f.engine.BuyNow(ctx, "item-1", "alice")
	assert.NoError(t, err)
	check.True(t, res.Ended)
	check.Equal(t, "500", res.CurrentPrice.String())

	u, _ := f.engine.Get(ctx, "item-1")
	check.Equal(t, models.UnitStatusEnded, u.Status)
	check.Equal(t, "alice", u.LeadingBidder)

	_, err = f.bid("bob", "600")
	check.Equal(t, ReasonAuctionClosed, reasonOf(err))

	history, _ := f.engine.History(ctx, "item-1")
	if check.Equal(t, 1, len(history)) {
		check.Equal(t, models.BidTypeBuyNow, history[0].Type)
	}
	events := f.events.all()
	if check.Equal(t, 1, len(events)) {
		check.True(t, events[0].Ended)
	}
}

func TestBuyNowUnavailable(t *testing.T) {
	f := newFixture(t, withFlags(settings.Flags{Bidding: true, BuyNow: true}))
	_, err := f.bid("alice", "500")
	assert.NoError(t, err)

	_, err = f.engine.BuyNow(context.Background(), "item-1", "bob")
	check.Equal(t, ReasonBuyNowUnavailable, reasonOf(err))
}

func TestBuyNowDisabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.BuyNow(context.Background(), "item-1", "alice")
	check.Equal(t, ReasonFeatureDisabled, reasonOf(err))
	var bidErr *BidError
	if check.True(t, errors.As(err, &bidErr)) {
		check.Equal(t, "Buy now is currently disabled", bidErr.Message)
	}
}

func TestForceClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.engine.ForceClose(ctx, "item-1")
	assert.NoError(t, err)
	check.Equal(t, models.UnitStatusEnded, view.Status)

	_, err = f.bid("alice", "150")
	check.Equal(t, ReasonAuctionClosed, reasonOf(err))

	events := f.events.all()
	if check.Equal(t, 1, len(events)) {
		check.Equal(t, models.EventUnitClosed, events[0].Type)
	}

	_, err = f.engine.ForceClose(ctx, "missing")
	check.Equal(t, ReasonNotFound, reasonOf(err))
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RegisterListing(ctx, &models.ListingRequest{
		ID: "item-1", SellerID: "seller", StartPrice: dec("1"), CloseTime: closeT,
	})
	check.Equal(t, ReasonInvalidBid, reasonOf(err))

	_, err = f.engine.RegisterListing(ctx, &models.ListingRequest{
		ID: "item.2", SellerID: "seller", CloseTime: closeT,
	})
	check.Equal(t, ReasonInvalidBid, reasonOf(err))

	_, err = f.engine.RegisterListing(ctx, &models.ListingRequest{
		ID: "item-3", SellerID: "seller", StartPrice: dec("10"), BuyNowPrice: dec("5"), CloseTime: closeT,
	})
	check.Equal(t, ReasonInvalidBid, reasonOf(err))

	_, err = f.engine.RegisterAuction(ctx, &models.AuctionRequest{
		ID: "dup", SellerID: "seller",
		Lots: []models.LotRequest{{LotNumber: 1, CloseTime: closeT}, {LotNumber: 1, CloseTime: closeT}},
	})
	check.Equal(t, ReasonInvalidBid, reasonOf(err))

	views, err := f.engine.RegisterAuction(ctx, &models.AuctionRequest{
		ID: "ok", SellerID: "seller", StartTime: t0.Add(time.Minute),
		Lots: []models.LotRequest{{LotNumber: 1, CloseTime: closeT}},
	})
	assert.NoError(t, err)
	if check.Equal(t, 1, len(views)) {
		check.Equal(t, "ok-lot-1", views[0].ID)
		check.Equal(t, models.UnitStatusUpcoming, views[0].Status)
	}
}
