package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a committed bid on a unit. It is never modified after the commit.
type Bid struct {
	ID                 string          `json:"bid_id"`
	UnitID             string          `json:"unit_id"`
	BidderID           string          `json:"bidder_id"`
	Amount             decimal.Decimal `json:"amount"`
	Type               BidType         `json:"bid_type"`
	PlacedAt           time.Time       `json:"placed_at"`
	ExtensionApplied   bool            `json:"extension_applied"`
	ResultingCloseTime time.Time       `json:"resulting_close_time"`
}

// BidResult is returned to the bidder after a successful commit
type BidResult struct {
	BidID            string          `json:"bid_id"`
	UnitID           string          `json:"unit_id"`
	Amount           decimal.Decimal `json:"amount"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	ExtensionApplied bool            `json:"extension_applied"`
	NewAuctionEnd    *time.Time      `json:"new_auction_end,omitempty"`
	BidCount         int             `json:"bid_count"`
	Ended            bool            `json:"ended,omitempty"`
}

// EventType constants
const (
	EventBidPlaced  = "bid_placed"
	EventUnitClosed = "unit_closed"
)

// ExtensionReasonAntiSniping tags events whose close time moved because of a late bid
const ExtensionReasonAntiSniping = "anti_sniping"

// BidEvent is published after a unit changed. It is sent to:
// 1. the broadcast channel of the unit (Redis Pub/Sub or NATS) for WebSocket fan-out
// 2. JetStream for archival to PostgreSQL
//
// BidderStatus is empty on the wire from the gateway; the broadcast service fills it
// in per recipient.
type BidEvent struct {
	Type            string          `json:"type"`
	EventID         string          `json:"event_id"`
	UnitID          string          `json:"unit_id"`
	AuctionID       string          `json:"auction_id,omitempty"`
	LotNumber       int             `json:"lot_number,omitempty"`
	SellerID        string          `json:"seller_id,omitempty"`
	BidID           string          `json:"bid_id,omitempty"`
	BidderID        string          `json:"bidder_id,omitempty"`
	BidType         BidType         `json:"bid_type,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	PreviousPrice   decimal.Decimal `json:"previous_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	BidCount        int             `json:"bid_count"`
	BidderStatus    string          `json:"bidder_status,omitempty"`
	TimeExtended    bool            `json:"time_extended"`
	NewCloseTime    *time.Time      `json:"new_close_time,omitempty"`
	ExtensionReason string          `json:"extension_reason,omitempty"`
	ExtensionCount  int             `json:"extension_count"`
	CloseTime       time.Time       `json:"close_time"`
	Ended           bool            `json:"ended,omitempty"`
	PlacedAt        time.Time       `json:"placed_at"`
	Timestamp       time.Time       `json:"timestamp"`
}

// BidderStatus values computed per recipient
const (
	BidderStatusLeading = "leading"
	BidderStatusOutbid  = "outbid"
)
