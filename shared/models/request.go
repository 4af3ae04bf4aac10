package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BidType is the closed set of bid kinds accepted at the API boundary
type BidType string

// BidType constants
const (
	BidTypeStandard BidType = "standard"
	BidTypeBuyNow   BidType = "buy_now"
)

// ParseBidType maps the wire value onto a BidType. An empty value means standard.
func ParseBidType(s string) (BidType, error) {
	switch BidType(s) {
	case "", BidTypeStandard:
		return BidTypeStandard, nil
	case BidTypeBuyNow:
		return BidTypeBuyNow, nil
	default:
		return "", fmt.Errorf("unknown bid_type %q (expected %q or %q)", s, BidTypeStandard, BidTypeBuyNow)
	}
}

// UnmarshalJSON only accepts a JSON string naming a known bid type
func (t *BidType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("bid_type must be a string")
	}
	parsed, err := ParseBidType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// maxAmountPlaces is the number of decimal places a currency amount may carry
const maxAmountPlaces = 2

// ErrAmountNotNumber is returned when the amount arrives quoted or in any non-numeric form
var ErrAmountNotNumber = errors.New("amount must be a JSON number, not a string")

// ParseAmount parses a raw JSON value into a currency amount. Strings are rejected
// instead of coerced, and the value must be positive with at most two decimal places.
func ParseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, errors.New("amount is required")
	}
	if raw[0] == '"' {
		return decimal.Zero, ErrAmountNotNumber
	}
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return decimal.Zero, ErrAmountNotNumber
	}
	amount, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q is not a valid number", num.String())
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("amount must be positive")
	}
	if !amount.Equal(amount.Truncate(maxAmountPlaces)) {
		return decimal.Zero, fmt.Errorf("amount may have at most %d decimal places", maxAmountPlaces)
	}
	return amount, nil
}

// BidRequest represents the incoming bid request from API.
// The bidder comes from the authenticated caller, never from the body.
type BidRequest struct {
	Amount  json.RawMessage `json:"amount"`
	BidType BidType         `json:"bid_type"`
}

// ParsedBid is a BidRequest after boundary validation
type ParsedBid struct {
	Amount decimal.Decimal
	Type   BidType
}

// Parse validates the request. Buy-now requests carry no amount; the unit's
// buy-now price is used instead.
func (r *BidRequest) Parse() (*ParsedBid, error) {
	bidType := r.BidType
	if bidType == "" {
		bidType = BidTypeStandard
	}
	if bidType == BidTypeBuyNow {
		return &ParsedBid{Type: BidTypeBuyNow}, nil
	}
	amount, err := ParseAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	return &ParsedBid{Amount: amount, Type: bidType}, nil
}

// ListingRequest registers a single-item listing with the bid engine
type ListingRequest struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	SellerID    string          `json:"seller_id"`
	StartPrice  decimal.Decimal `json:"start_price"`
	BuyNowPrice decimal.Decimal `json:"buy_now_price"`
	StartTime   time.Time       `json:"start_time"`
	CloseTime   time.Time       `json:"close_time"`
}

// LotRequest describes one lot of a multi-lot auction
type LotRequest struct {
	LotNumber   int             `json:"lot_number"`
	Title       string          `json:"title"`
	StartPrice  decimal.Decimal `json:"start_price"`
	BuyNowPrice decimal.Decimal `json:"buy_now_price"`
	CloseTime   time.Time       `json:"close_time"`
}

// AuctionRequest registers a multi-lot auction with the bid engine
type AuctionRequest struct {
	ID        string       `json:"id"`
	SellerID  string       `json:"seller_id"`
	StartTime time.Time    `json:"start_time"`
	Lots      []LotRequest `json:"lots"`
}
