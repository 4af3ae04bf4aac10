package settings

import (
	"context"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestFromEnv(t *testing.T) {
	check.Equal(t, Defaults, FromEnv())

	t.Setenv("ENABLE_BUY_NOW", "true")
	t.Setenv("ENABLE_ANTI_SNIPING", "false")
	f := FromEnv()
	check.True(t, f.Bidding)
	check.False(t, f.AntiSniping)
	check.True(t, f.BuyNow)
}

func TestStatic(t *testing.T) {
	want := Flags{Bidding: false, AntiSniping: true}
	got, err := Static(want).Flags(context.Background())
	assert.NoError(t, err)
	check.Equal(t, want, got)
}
