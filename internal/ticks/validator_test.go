package ticks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
)

func validTick() broker.Tick {
	return broker.Tick{Token: 256265, LastPrice: 22150.5, Volume: 1200, OI: 50000}
}

func TestCheckAcceptsValidTick(t *testing.T) {
	v := NewValidator(false, nil)
	ok, err := v.Check(validTick(), true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckReasons(t *testing.T) {
	cases := []struct {
		name       string
		mutate     func(*broker.Tick)
		underlying bool
	}{
		{"zero token", func(tk *broker.Tick) { tk.Token = 0 }, true},
		{"zero underlying price", func(tk *broker.Tick) { tk.LastPrice = 0 }, true},
		{"negative price", func(tk *broker.Tick) { tk.LastPrice = -1 }, false},
		{"oi out of range", func(tk *broker.Tick) { tk.OI = maxOpenInterest }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tick := validTick()
			tc.mutate(&tick)

			// Lenient: dropped quietly.
			ok, err := NewValidator(false, nil).Check(tick, tc.underlying)
			assert.NoError(t, err)
			assert.False(t, ok)

			// Strict: surfaced as a validation error.
			ok, err = NewValidator(true, nil).Check(tick, tc.underlying)
			assert.False(t, ok)
			require.Error(t, err)
			assert.Equal(t, errs.CategoryValidation, errs.CategoryOf(err))
		})
	}
}

func TestCheckZeroPriceOptionAllowed(t *testing.T) {
	// A worthless option can legitimately trade at zero; only underlyings
	// require a positive price.
	tick := validTick()
	tick.LastPrice = 0

	ok, err := NewValidator(true, nil).Check(tick, false)
	require.NoError(t, err)
	assert.True(t, ok)
}
