package engine

import (
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
)

// smallestIncrement is used when no positive increment is configured
var smallestIncrement = decimal.New(1, -2)

// MinimumBid is the lowest amount that would take the lead on u
func MinimumBid(u *models.Unit, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		increment = smallestIncrement
	}
	return u.CurrentPrice.Add(increment)
}

// checkOpen verifies the unit accepts bids at now and that bidder is not the seller
func checkOpen(u *models.Unit, bidderID string, now time.Time) *BidError {
	switch u.Status(now) {
	case models.UnitStatusActive:
	case models.UnitStatusUpcoming:
		return errNotStarted()
	default:
		return errAuctionClosed()
	}
	if bidderID == u.SellerID {
		return errSelfBid()
	}
	return nil
}

// Validate checks a proposed bid against a snapshot of the unit. Checks run in
// order and the first failure is returned:
//  1. the unit is active and now is before its close time
//  2. the bidder is not the seller
//  3. the amount is at least the current price plus the increment
//
// It has no side effects and returns nil when the bid is acceptable.
func Validate(u *models.Unit, bidderID string, amount decimal.Decimal, now time.Time, increment decimal.Decimal) *BidError {
	if err := checkOpen(u, bidderID, now); err != nil {
		return err
	}
	minimum := MinimumBid(u, increment)
	if amount.LessThan(minimum) {
		return errBidTooLow(minimum)
	}
	return nil
}
