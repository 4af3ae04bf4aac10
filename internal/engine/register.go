package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
)

// RegisterListing creates the unit of a single-item listing
func (e *Engine) RegisterListing(ctx context.Context, req *models.ListingRequest) (*models.UnitView, error) {
	if err := models.ValidateUnitID(req.ID); err != nil {
		return nil, ErrInvalid("%v", err)
	}
	if req.SellerID == "" {
		return nil, ErrInvalid("seller_id is required")
	}
	if err := checkPrices(req.StartPrice, req.BuyNowPrice); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	start := req.StartTime
	if start.IsZero() {
		start = now
	}
	if !req.CloseTime.After(start) {
		return nil, ErrInvalid("close_time must be after start_time")
	}

	u := &models.Unit{
		ID:           req.ID,
		Title:        req.Title,
		SellerID:     req.SellerID,
		CurrentPrice: req.StartPrice,
		BuyNowPrice:  req.BuyNowPrice,
		StartTime:    start.UTC(),
		CloseTime:    req.CloseTime.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.create(ctx, u); err != nil {
		return nil, err
	}
	e.logger.Info("listing registered", "unit_id", u.ID, "close_time", u.CloseTime)
	return models.NewUnitView(u, now), nil
}

// RegisterAuction creates one unit per lot. Lots share the seller and start time
// but each gets its own close time.
func (e *Engine) RegisterAuction(ctx context.Context, req *models.AuctionRequest) ([]*models.UnitView, error) {
	if err := models.ValidateUnitID(req.ID); err != nil {
		return nil, ErrInvalid("%v", err)
	}
	if req.SellerID == "" {
		return nil, ErrInvalid("seller_id is required")
	}
	if len(req.Lots) == 0 {
		return nil, ErrInvalid("an auction needs at least one lot")
	}

	now := e.clock.Now()
	start := req.StartTime
	if start.IsZero() {
		start = now
	}

	seen := make(map[int]bool, len(req.Lots))
	units := make([]*models.Unit, 0, len(req.Lots))
	for _, lot := range req.Lots {
		if lot.LotNumber <= 0 {
			return nil, ErrInvalid("lot_number must be positive")
		}
		if seen[lot.LotNumber] {
			return nil, ErrInvalid("lot %d is listed twice", lot.LotNumber)
		}
		seen[lot.LotNumber] = true
		if err := checkPrices(lot.StartPrice, lot.BuyNowPrice); err != nil {
			return nil, err
		}
		if !lot.CloseTime.After(start) {
			return nil, ErrInvalid("lot %d: close_time must be after start_time", lot.LotNumber)
		}
		units = append(units, &models.Unit{
			ID:           models.LotUnitID(req.ID, lot.LotNumber),
			AuctionID:    req.ID,
			LotNumber:    lot.LotNumber,
			Title:        lot.Title,
			SellerID:     req.SellerID,
			CurrentPrice: lot.StartPrice,
			BuyNowPrice:  lot.BuyNowPrice,
			StartTime:    start.UTC(),
			CloseTime:    lot.CloseTime.UTC(),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := e.create(ctx, units...); err != nil {
		return nil, err
	}
	e.logger.Info("auction registered", "auction_id", req.ID, "lots", len(units))

	views := make([]*models.UnitView, 0, len(units))
	for _, u := range units {
		views = append(views, models.NewUnitView(u, now))
	}
	return views, nil
}

func (e *Engine) create(ctx context.Context, units ...*models.Unit) error {
	err := e.store.Create(ctx, units...)
	if errors.Is(err, store.ErrExists) {
		return ErrInvalid("a unit with this id already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to create units: %w", err)
	}
	return nil
}

func checkPrices(start, buyNow decimal.Decimal) *BidError {
	if start.IsNegative() {
		return ErrInvalid("start_price must not be negative")
	}
	if buyNow.IsNegative() {
		return ErrInvalid("buy_now_price must not be negative")
	}
	if buyNow.IsPositive() && !buyNow.GreaterThan(start) {
		return ErrInvalid("buy_now_price must be above start_price")
	}
	return nil
}
