// Package store defines how sellable units and their bid history are persisted.
// Every implementation must apply a Commit atomically and only when the unit's
// version still matches the version the caller read.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
)

// Sentinel errors shared by all implementations
var (
	ErrNotFound = errors.New("unit not found")
	ErrConflict = errors.New("unit was modified concurrently")
	ErrExists   = errors.New("unit already exists")
)

// Commit is the all-or-nothing mutation recorded for one accepted bid:
// new price and leader, the possibly extended close time, and the bid record.
type Commit struct {
	UnitID          string
	ExpectedVersion int64
	Price           decimal.Decimal
	LeadingBidder   string
	CloseTime       time.Time
	Extended        bool
	// End marks the unit as ended in the same write (buy-now)
	End bool
	Bid models.Bid
	At  time.Time
}

// Store persists units and their append-only bid history
type Store interface {
	// Create inserts new units. No unit is written if any id already exists.
	Create(ctx context.Context, units ...*models.Unit) error

	// Get returns the latest state of a unit
	Get(ctx context.Context, unitID string) (*models.Unit, error)

	// History returns committed bids in commit order
	History(ctx context.Context, unitID string) ([]models.Bid, error)

	// Commit applies c if the unit is still at c.ExpectedVersion and returns the
	// updated unit. It returns ErrConflict when the version moved.
	Commit(ctx context.Context, c *Commit) (*models.Unit, error)

	// ForceEnd marks a unit as ended by administrative action
	ForceEnd(ctx context.Context, unitID string, at time.Time) (*models.Unit, error)
}

// Apply returns the unit state produced by c. Implementations that cannot run
// the mutation server-side use it to build the document they write back.
func Apply(u *models.Unit, c *Commit) *models.Unit {
	next := u.Clone()
	next.CurrentPrice = c.Price
	next.LeadingBidder = c.LeadingBidder
	next.CloseTime = c.CloseTime
	if c.Extended {
		next.ExtensionCount++
	}
	if c.End {
		next.ForcedEnded = true
		at := c.At
		next.EndedAt = &at
	}
	next.BidCount++
	next.Version++
	next.UpdatedAt = c.At
	return next
}
