package engine

import (
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
)

// MaybeExtend applies the anti-sniping rule to one unit. A bid placed in
// [close-window, close) moves the close time to placedAt+duration, but only when
// that is strictly later than the current close time. Only u.CloseTime is read,
// so sibling lots are never involved.
func MaybeExtend(u *models.Unit, placedAt time.Time, window, duration time.Duration) (time.Time, bool) {
	closeTime := u.CloseTime
	if window <= 0 || duration <= 0 {
		return closeTime, false
	}
	if placedAt.Before(closeTime.Add(-window)) || !placedAt.Before(closeTime) {
		return closeTime, false
	}
	next := placedAt.Add(duration)
	if !next.After(closeTime) {
		return closeTime, false
	}
	return next, true
}
