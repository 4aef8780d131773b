package pricing

import (
	"testing"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func spotEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Mode: ModeSpot, Spot: SpotConfig{
		PriceEntity:    "sensor.nordpool",
		AdditionalCost: 0.85,
		VATMultiplier:  1.25,
		FallbackPrice:  2.50,
	}})
	require.NoError(t, err)
	return e
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Mode: "flat"})
	assert.Error(t, err)
	_, err = New(Config{Mode: ModeSpot})
	assert.Error(t, err, "spot needs a VAT multiplier")
}

func TestStatic(t *testing.T) {
	testCases := []struct {
		name   string
		energy float64
		price  float64
		want   float64
	}{
		{"typical", 10, 2.5, 25},
		{"fractional", 7.123, 1.99, 14.1748},
		{"zero price", 12, 0, 0},
		{"negative price", 4, -0.5, -2},
		{"zero energy", 0, 3, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := New(Config{Mode: ModeStatic, StaticPrice: tc.price})
			require.NoError(t, err)
			assert.InDelta(t, tc.want, e.Static(tc.energy), 1e-9)
		})
	}
}

func TestSpotHour(t *testing.T) {
	e := spotEngine(t)
	hour := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	d := e.SpotHour(hour, 1.2, ptr(0.89))
	assert.InDelta(t, 2.175, d.Rate, 1e-9)
	assert.InDelta(t, 2.61, d.Cost, 0.01)
	assert.False(t, d.Fallback)
	assert.Equal(t, hour, d.Hour)
	require.NotNil(t, d.SpotPrice)
	assert.Equal(t, 0.89, *d.SpotPrice)
}

func TestSpotHour_Fallback(t *testing.T) {
	e := spotEngine(t)
	d := e.SpotHour(time.Time{}, 3.6, nil)

	assert.True(t, d.Fallback)
	assert.Nil(t, d.SpotPrice)
	assert.Equal(t, 2.50, d.Rate)
	assert.InDelta(t, 9.00, d.Cost, 1e-9)
}

func TestSpotTotal(t *testing.T) {
	details := []HourDetail{{Cost: 2.61}, {Cost: 9}, {Cost: 0.0001}}
	assert.InDelta(t, 11.6101, SpotTotal(details), 1e-9)
	assert.Zero(t, SpotTotal(nil))
}

func TestGuestPrice(t *testing.T) {
	fixed := &identity.GuestPricing{Method: identity.GuestPricingFixed, PricePerKWh: ptr(4.50)}
	markup := &identity.GuestPricing{Method: identity.GuestPricingMarkup, MarkupFactor: ptr(1.8)}

	got := GuestPrice(fixed, 32.1, 0)
	require.NotNil(t, got)
	assert.Equal(t, 144.45, Round2(*got))

	got = GuestPrice(markup, 0, 80.25)
	require.NotNil(t, got)
	assert.Equal(t, 144.45, Round2(*got))

	assert.Nil(t, GuestPrice(nil, 10, 10))
	assert.Nil(t, GuestPrice(&identity.GuestPricing{Method: identity.GuestPricingFixed}, 10, 10))
	assert.Nil(t, GuestPrice(&identity.GuestPricing{Method: "bogus"}, 10, 10))
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 1.2346, Round4(1.23456))
	assert.Equal(t, 1.23, Round2(1.2349))
	assert.Equal(t, -2.5, Round2(-2.4951))
}
