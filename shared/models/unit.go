package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnitStatus is the derived lifecycle state of a sellable unit
type UnitStatus string

// UnitStatus constants
const (
	UnitStatusUpcoming UnitStatus = "upcoming"
	UnitStatusActive   UnitStatus = "active"
	UnitStatusEnded    UnitStatus = "ended"
)

// lotSeparator joins an auction id and a lot number into a unit id
const lotSeparator = "-lot-"

// Unit is the thing bids are placed against: a single-item listing, or one lot
// inside a multi-lot auction. Each lot keeps its own close time and extension count.
type Unit struct {
	ID           string          `json:"unit_id"`
	AuctionID    string          `json:"auction_id,omitempty"`
	LotNumber    int             `json:"lot_number,omitempty"`
	Title        string          `json:"title,omitempty"`
	SellerID     string          `json:"seller_id"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	// "0" when the unit has no buy-now price
	BuyNowPrice    decimal.Decimal `json:"buy_now_price"`
	LeadingBidder  string          `json:"leading_bidder_id,omitempty"`
	StartTime      time.Time       `json:"start_time"`
	CloseTime      time.Time       `json:"close_time"`
	ExtensionCount int             `json:"extension_count"`
	BidCount       int             `json:"bid_count"`
	ForcedEnded    bool            `json:"forced_ended,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Status derives the lifecycle state at now. A forced end wins over the clock.
func (u *Unit) Status(now time.Time) UnitStatus {
	switch {
	case u.ForcedEnded:
		return UnitStatusEnded
	case now.Before(u.StartTime):
		return UnitStatusUpcoming
	case !now.Before(u.CloseTime):
		return UnitStatusEnded
	default:
		return UnitStatusActive
	}
}

// HasBuyNow reports whether a buy-now price was configured for the unit
func (u *Unit) HasBuyNow() bool {
	return u.BuyNowPrice.IsPositive()
}

// IsLot reports whether the unit belongs to a multi-lot auction
func (u *Unit) IsLot() bool {
	return u.AuctionID != ""
}

// Clone returns a copy that can be mutated without touching the original
func (u *Unit) Clone() *Unit {
	c := *u
	if u.EndedAt != nil {
		t := *u.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// UnitView is the read-side representation returned to API callers
type UnitView struct {
	*Unit
	Status UnitStatus `json:"status"`
}

// NewUnitView snapshots a unit together with its status at now
func NewUnitView(u *Unit, now time.Time) *UnitView {
	return &UnitView{Unit: u, Status: u.Status(now)}
}

// LotUnitID builds the unit id of a lot inside a multi-lot auction
// Example: ("spring-sale", 3) -> "spring-sale-lot-3"
func LotUnitID(auctionID string, lotNumber int) string {
	return auctionID + lotSeparator + strconv.Itoa(lotNumber)
}

// ValidateUnitID rejects ids that cannot be used as a Redis key suffix or a NATS subject token
func ValidateUnitID(id string) error {
	if id == "" {
		return fmt.Errorf("unit id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("unit id is longer than 128 characters")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("unit id %q contains a reserved character", id)
	}
	return nil
}
