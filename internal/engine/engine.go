// Package engine implements bid placement: validation, per-unit serialization,
// anti-sniping extensions, atomic commit and event notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aaronwang/bidding-app/internal/clock"
	"github.com/aaronwang/bidding-app/internal/ratelimit"
	"github.com/aaronwang/bidding-app/internal/settings"
	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/config"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the business parameters of the engine
type Config struct {
	ExtensionWindow   time.Duration
	ExtensionDuration time.Duration
	MinIncrement      decimal.Decimal
	LockTimeout       time.Duration
	MaxCommitAttempts int
}

// DefaultConfig is the "2-minute rule" with a $1.00 increment
func DefaultConfig() Config {
	return Config{
		ExtensionWindow:   2 * time.Minute,
		ExtensionDuration: 2 * time.Minute,
		MinIncrement:      decimal.NewFromInt(1),
		LockTimeout:       250 * time.Millisecond,
		MaxCommitAttempts: 3,
	}
}

// ConfigFromEnv reads the engine parameters, falling back to DefaultConfig
func ConfigFromEnv() Config {
	d := DefaultConfig()
	return Config{
		ExtensionWindow:   config.GetEnvDuration("EXTENSION_WINDOW", d.ExtensionWindow),
		ExtensionDuration: config.GetEnvDuration("EXTENSION_DURATION", d.ExtensionDuration),
		MinIncrement:      config.GetEnvDecimal("MIN_BID_INCREMENT", d.MinIncrement),
		LockTimeout:       config.GetEnvDuration("LOCK_TIMEOUT", d.LockTimeout),
		MaxCommitAttempts: config.GetEnvInt("MAX_COMMIT_ATTEMPTS", d.MaxCommitAttempts),
	}
}

// Notifier receives events after a commit. Notify must not block on delivery.
type Notifier interface {
	Notify(event *models.BidEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(*models.BidEvent) {}

// Deps are the collaborators of the engine. Store is required; the rest default
// to a local locker, the real clock, static default flags, no rate limit and no
// notifications.
type Deps struct {
	Store    store.Store
	Locker   Locker
	Clock    clock.Clock
	Flags    settings.Provider
	Limiter  ratelimit.Limiter
	Notifier Notifier
	Logger   *slog.Logger
}

// Engine places bids on sellable units
type Engine struct {
	store    store.Store
	gate     *Gate
	clock    clock.Clock
	flags    settings.Provider
	limiter  ratelimit.Limiter
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

// New creates an engine
func New(deps Deps, cfg Config) *Engine {
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Flags == nil {
		deps.Flags = settings.Static(settings.Defaults)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Unlimited{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxCommitAttempts <= 0 {
		cfg.MaxCommitAttempts = 1
	}
	return &Engine{
		store:    deps.Store,
		gate:     NewGate(deps.Locker, cfg.LockTimeout),
		clock:    deps.Clock,
		flags:    deps.Flags,
		limiter:  deps.Limiter,
		notifier: deps.Notifier,
		logger:   deps.Logger.With("component", "engine"),
		cfg:      cfg,
	}
}

// BidCommand is a request to bid amount on a unit
type BidCommand struct {
	UnitID   string
	BidderID string
	Amount   decimal.Decimal
}

// buildFunc turns the latest unit state into a commit, or rejects
type buildFunc func(u *models.Unit, now time.Time) (*store.Commit, *BidError)

// PlaceBid handles the complete bid placement workflow:
// 1. Check feature toggles and the bidder's rate limit
// 2. Validate against a snapshot (fast rejection, no lock)
// 3. Lock the unit, re-validate on fresh state, apply the extension rule
// 4. Commit price, close time and bid record together
// 5. Hand the event to the notifier without waiting for delivery
func (e *Engine) PlaceBid(ctx context.Context, cmd BidCommand) (*models.BidResult, error) {
	flags, err := e.flags.Flags(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature flags: %w", err)
	}
	if !flags.Bidding {
		return nil, errFeatureDisabled("Bidding")
	}
	if !cmd.Amount.IsPositive() {
		return nil, ErrInvalid("Bid amount must be positive")
	}
	if err := e.allow(ctx, cmd.BidderID); err != nil {
		return nil, err
	}

	snapshot, err := e.get(ctx, cmd.UnitID)
	if err != nil {
		return nil, err
	}
	if rej := Validate(snapshot, cmd.BidderID, cmd.Amount, e.clock.Now(), e.cfg.MinIncrement); rej != nil {
		e.logger.Debug("bid rejected before lock",
			"unit_id", cmd.UnitID, "bidder_id", cmd.BidderID, "amount", cmd.Amount.String(), "reason", rej.Reason)
		return nil, rej
	}

	build := func(u *models.Unit, now time.Time) (*store.Commit, *BidError) {
		if rej := Validate(u, cmd.BidderID, cmd.Amount, now, e.cfg.MinIncrement); rej != nil {
			return nil, rej
		}
		closeTime, extended := u.CloseTime, false
		if flags.AntiSniping {
			closeTime, extended = MaybeExtend(u, now, e.cfg.ExtensionWindow, e.cfg.ExtensionDuration)
		}
		return &store.Commit{
			UnitID:          u.ID,
			ExpectedVersion: u.Version,
			Price:           cmd.Amount,
			LeadingBidder:   cmd.BidderID,
			CloseTime:       closeTime,
			Extended:        extended,
			Bid: models.Bid{
				ID:                 uuid.New().String(),
				UnitID:             u.ID,
				BidderID:           cmd.BidderID,
				Amount:             cmd.Amount,
				Type:               models.BidTypeStandard,
				PlacedAt:           now,
				ExtensionApplied:   extended,
				ResultingCloseTime: closeTime,
			},
			At: now,
		}, nil
	}

	return e.commit(ctx, cmd.UnitID, build)
}

// BuyNow ends the unit immediately at its buy-now price. It is only offered
// while the buy-now price is above the current price.
func (e *Engine) BuyNow(ctx context.Context, unitID, buyerID string) (*models.BidResult, error) {
	flags, err := e.flags.Flags(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature flags: %w", err)
	}
	if !flags.BuyNow {
		return nil, errFeatureDisabled("Buy now")
	}
	if err := e.allow(ctx, buyerID); err != nil {
		return nil, err
	}

	build := func(u *models.Unit, now time.Time) (*store.Commit, *BidError) {
		if rej := checkOpen(u, buyerID, now); rej != nil {
			return nil, rej
		}
		if !u.HasBuyNow() || !u.BuyNowPrice.GreaterThan(u.CurrentPrice) {
			return nil, errBuyNowUnavailable()
		}
		return &store.Commit{
			UnitID:          u.ID,
			ExpectedVersion: u.Version,
			Price:           u.BuyNowPrice,
			LeadingBidder:   buyerID,
			CloseTime:       u.CloseTime,
			End:             true,
			Bid: models.Bid{
				ID:                 uuid.New().String(),
				UnitID:             u.ID,
				BidderID:           buyerID,
				Amount:             u.BuyNowPrice,
				Type:               models.BidTypeBuyNow,
				PlacedAt:           now,
				ResultingCloseTime: u.CloseTime,
			},
			At: now,
		}, nil
	}

	return e.commit(ctx, unitID, build)
}

// commit runs build and the store commit inside the unit lock, retrying from a
// fresh read when the store reports a version conflict
func (e *Engine) commit(ctx context.Context, unitID string, build buildFunc) (*models.BidResult, error) {
	var (
		previous *models.Unit
		updated  *models.Unit
		applied  *store.Commit
	)

	err := e.gate.WithUnitLock(ctx, unitID, func(ctx context.Context) error {
		for attempt := 1; attempt <= e.cfg.MaxCommitAttempts; attempt++ {
			u, err := e.get(ctx, unitID)
			if err != nil {
				return err
			}
			c, rej := build(u, e.clock.Now())
			if rej != nil {
				return rej
			}

			next, err := e.store.Commit(ctx, c)
			if errors.Is(err, store.ErrConflict) {
				e.logger.Warn("commit conflict, retrying",
					"unit_id", unitID, "attempt", attempt, "expected_version", c.ExpectedVersion)
				continue
			}
			if errors.Is(err, store.ErrNotFound) {
				return errNotFound(unitID)
			}
			if err != nil {
				return fmt.Errorf("failed to commit bid: %w", err)
			}
			previous, updated, applied = u, next, c
			return nil
		}
		return errConflict()
	})
	if errors.Is(err, ErrLockTimeout) {
		e.logger.Warn("unit lock timeout", "unit_id", unitID, "timeout", e.cfg.LockTimeout)
		return nil, errConflict()
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("bid committed",
		"unit_id", unitID,
		"bid_id", applied.Bid.ID,
		"bidder_id", applied.Bid.BidderID,
		"amount", applied.Price.String(),
		"extended", applied.Extended,
		"close_time", updated.CloseTime,
		"bid_count", updated.BidCount)

	e.notifier.Notify(bidEvent(previous, updated, applied))

	result := &models.BidResult{
		BidID:            applied.Bid.ID,
		UnitID:           unitID,
		Amount:           applied.Bid.Amount,
		CurrentPrice:     updated.CurrentPrice,
		ExtensionApplied: applied.Extended,
		BidCount:         updated.BidCount,
		Ended:            applied.End,
	}
	if applied.Extended {
		end := updated.CloseTime
		result.NewAuctionEnd = &end
	}
	return result, nil
}

// ForceClose ends a unit by administrative action. A bid racing with it loses
// its commit on the version check and is re-validated against the ended unit.
func (e *Engine) ForceClose(ctx context.Context, unitID string) (*models.UnitView, error) {
	now := e.clock.Now()
	u, err := e.store.ForceEnd(ctx, unitID, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound(unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close unit: %w", err)
	}

	e.logger.Info("unit closed by admin", "unit_id", unitID)
	e.notifier.Notify(&models.BidEvent{
		Type:           models.EventUnitClosed,
		EventID:        uuid.New().String(),
		UnitID:         u.ID,
		AuctionID:      u.AuctionID,
		LotNumber:      u.LotNumber,
		SellerID:       u.SellerID,
		BidderID:       u.LeadingBidder,
		Amount:         u.CurrentPrice,
		PreviousPrice:  u.CurrentPrice,
		CurrentPrice:   u.CurrentPrice,
		BidCount:       u.BidCount,
		ExtensionCount: u.ExtensionCount,
		CloseTime:      u.CloseTime,
		Ended:          true,
		Timestamp:      now,
	})
	return models.NewUnitView(u, now), nil
}

// Get returns the current state of a unit
func (e *Engine) Get(ctx context.Context, unitID string) (*models.UnitView, error) {
	u, err := e.get(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return models.NewUnitView(u, e.clock.Now()), nil
}

// History returns the committed bids of a unit, oldest first
func (e *Engine) History(ctx context.Context, unitID string) ([]models.Bid, error) {
	bids, err := e.store.History(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound(unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bid history: %w", err)
	}
	return bids, nil
}

func (e *Engine) get(ctx context.Context, unitID string) (*models.Unit, error) {
	u, err := e.store.Get(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound(unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unit: %w", err)
	}
	return u, nil
}

func (e *Engine) allow(ctx context.Context, bidderID string) error {
	ok, err := e.limiter.Allow(ctx, "bidder:"+bidderID)
	if err != nil {
		// fail open when the limiter backend is down
		e.logger.Warn("rate limiter unavailable", "bidder_id", bidderID, "error", err)
		return nil
	}
	if !ok {
		return errRateLimited()
	}
	return nil
}

func bidEvent(previous, updated *models.Unit, c *store.Commit) *models.BidEvent {
	ev := &models.BidEvent{
		Type:           models.EventBidPlaced,
		EventID:        uuid.New().String(),
		UnitID:         updated.ID,
		AuctionID:      updated.AuctionID,
		LotNumber:      updated.LotNumber,
		SellerID:       updated.SellerID,
		BidID:          c.Bid.ID,
		BidderID:       c.Bid.BidderID,
		BidType:        c.Bid.Type,
		Amount:         c.Bid.Amount,
		PreviousPrice:  previous.CurrentPrice,
		CurrentPrice:   updated.CurrentPrice,
		BidCount:       updated.BidCount,
		TimeExtended:   c.Extended,
		ExtensionCount: updated.ExtensionCount,
		CloseTime:      updated.CloseTime,
		Ended:          c.End,
		PlacedAt:       c.Bid.PlacedAt,
		Timestamp:      c.At,
	}
	if c.Extended {
		t := updated.CloseTime
		ev.NewCloseTime = &t
		ev.ExtensionReason = models.ExtensionReasonAntiSniping
	}
	return ev
}
