// Package settings exposes the global feature toggles the bid engine checks
// before doing any work.
package settings

import (
	"context"

	"github.com/aaronwang/bidding-app/shared/config"
)

// Feature names, also used as field names of the Redis settings hash
const (
	FeatureBidding     = "enable_bidding"
	FeatureAntiSniping = "enable_anti_sniping"
	FeatureBuyNow      = "enable_buy_now"
)

// Flags is a snapshot of the feature toggles
type Flags struct {
	Bidding     bool `json:"enable_bidding"`
	AntiSniping bool `json:"enable_anti_sniping"`
	BuyNow      bool `json:"enable_buy_now"`
}

// Defaults are the toggles used when nothing else is configured
var Defaults = Flags{Bidding: true, AntiSniping: true, BuyNow: false}

// FromEnv reads the toggles from ENABLE_BIDDING, ENABLE_ANTI_SNIPING and ENABLE_BUY_NOW
func FromEnv() Flags {
	return Flags{
		Bidding:     config.GetEnvBool("ENABLE_BIDDING", Defaults.Bidding),
		AntiSniping: config.GetEnvBool("ENABLE_ANTI_SNIPING", Defaults.AntiSniping),
		BuyNow:      config.GetEnvBool("ENABLE_BUY_NOW", Defaults.BuyNow),
	}
}

// Provider returns the current toggles
type Provider interface {
	Flags(ctx context.Context) (Flags, error)
}

// Static always returns the same toggles
type Static Flags

// Flags returns the static toggles
func (s Static) Flags(context.Context) (Flags, error) {
	return Flags(s), nil
}
