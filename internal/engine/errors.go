package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Reason is the machine-readable code of a bid rejection
type Reason string

// Reason constants
const (
	ReasonAuctionClosed       Reason = "AUCTION_CLOSED"
	ReasonSelfBid             Reason = "SELF_BID"
	ReasonBidTooLow           Reason = "BID_TOO_LOW"
	ReasonFeatureDisabled     Reason = "FEATURE_DISABLED"
	ReasonConcurrencyConflict Reason = "CONCURRENCY_CONFLICT"
	ReasonNotFound            Reason = "NOT_FOUND"
	ReasonBuyNowUnavailable   Reason = "BUY_NOW_UNAVAILABLE"
	ReasonRateLimited         Reason = "RATE_LIMITED"
	ReasonInvalidBid          Reason = "INVALID_BID"
)

// BidError is a rejection the caller can act on. Message is safe to show to users.
type BidError struct {
	Reason  Reason
	Message string
	// MinimumBid is set for BID_TOO_LOW
	MinimumBid *decimal.Decimal
}

func (e *BidError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Retryable reports whether the same request may succeed if sent again
func (e *BidError) Retryable() bool {
	return e.Reason == ReasonConcurrencyConflict || e.Reason == ReasonRateLimited
}

func errAuctionClosed() *BidError {
	return &BidError{Reason: ReasonAuctionClosed, Message: "Bidding is closed for this item"}
}

func errNotStarted() *BidError {
	return &BidError{Reason: ReasonAuctionClosed, Message: "Bidding has not started for this item yet"}
}

func errSelfBid() *BidError {
	return &BidError{Reason: ReasonSelfBid, Message: "Cannot bid on your own listing"}
}

func errBidTooLow(minimum decimal.Decimal) *BidError {
	return &BidError{
		Reason:     ReasonBidTooLow,
		Message:    fmt.Sprintf("Your bid must be at least $%s to lead", minimum.StringFixed(2)),
		MinimumBid: &minimum,
	}
}

func errFeatureDisabled(feature string) *BidError {
	return &BidError{Reason: ReasonFeatureDisabled, Message: fmt.Sprintf("%s is currently disabled", feature)}
}

func errNotFound(unitID string) *BidError {
	return &BidError{Reason: ReasonNotFound, Message: fmt.Sprintf("Item %s was not found", unitID)}
}

func errConflict() *BidError {
	return &BidError{
		Reason:  ReasonConcurrencyConflict,
		Message: "Too many bids are arriving on this item right now, please try again",
	}
}

func errBuyNowUnavailable() *BidError {
	return &BidError{Reason: ReasonBuyNowUnavailable, Message: "Buy now is not available for this item"}
}

func errRateLimited() *BidError {
	return &BidError{Reason: ReasonRateLimited, Message: "You are bidding too fast, please wait a moment"}
}

// ErrInvalid builds an INVALID_BID rejection for malformed input
func ErrInvalid(format string, args ...interface{}) *BidError {
	return &BidError{Reason: ReasonInvalidBid, Message: fmt.Sprintf(format, args...)}
}
