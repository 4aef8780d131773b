package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/identity"
	"github.com/jkaberg/ev-charging-manager/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2026, 5, 2, 18, 20, 0, 0, time.UTC)

func sampleSession() *Session {
	attr := AttributionFrom(identity.Resolution{
		UserName:          "Petra",
		UserType:          identity.UserTypeRegular,
		VehicleName:       ptr("Tesla Model Y"),
		VehicleBatteryKWh: ptr(75.0),
		EfficiencyFactor:  ptr(0.9),
		RfidIndex:         ptr(1),
		Reason:            identity.ReasonMatched,
	}, ptr("04:A2:9B"))
	s := NewSession("abc", attr, "Garage", t0, 1000.5, pricing.ModeStatic)
	s.EnergyKWh = 12.345
	s.CostTotal = 30.8625
	return s
}

func TestEstimateChargeAdded(t *testing.T) {
	got := EstimateChargeAdded(12.4, ptr(0.88), ptr(14.4))
	require.NotNil(t, got)
	assert.InDelta(t, 75.78, *got, 0.01)

	assert.Nil(t, EstimateChargeAdded(10, nil, ptr(50.0)))
	assert.Nil(t, EstimateChargeAdded(10, ptr(0.9), nil))
	assert.Nil(t, EstimateChargeAdded(10, ptr(0.9), ptr(0.0)))
}

func TestAttributionFrom_GuestAndUID(t *testing.T) {
	rule := &identity.GuestPricing{Method: identity.GuestPricingMarkup, MarkupFactor: ptr(1.5)}
	a := AttributionFrom(identity.Resolution{
		UserName:     "Guest",
		UserType:     identity.UserTypeGuest,
		CardUID:      ptr("configured"),
		GuestPricing: rule,
	}, nil)
	require.NotNil(t, a.ChargePriceMethod)
	assert.Equal(t, identity.GuestPricingMarkup, *a.ChargePriceMethod)
	assert.Equal(t, "configured", *a.RfidUID)

	a = AttributionFrom(identity.Resolution{UserName: "Guest", CardUID: ptr("configured")}, ptr("live"))
	assert.Equal(t, "live", *a.RfidUID)
	assert.Nil(t, a.ChargePriceMethod)
}

func TestFinish(t *testing.T) {
	s := sampleSession()
	s.EnergyKWh = 11
	s.Finish(t0.Add(2 * time.Hour))

	require.NotNil(t, s.EndedAt)
	assert.False(t, s.Active())
	assert.EqualValues(t, 7200, s.DurationSeconds)
	assert.InDelta(t, 5500, s.AvgPowerW, 1e-9)

	z := sampleSession()
	z.Finish(t0)
	assert.Zero(t, z.AvgPowerW)
}

func TestClone_DetachesPriceDetails(t *testing.T) {
	s := NewSession("x", Attribution{UserName: "Unknown", UserType: identity.UserTypeUnknown}, "c", t0, 0, pricing.ModeSpot)
	s.PriceDetails = append(s.PriceDetails, pricing.HourDetail{KWh: 1})
	c := s.Clone()
	c.PriceDetails[0].KWh = 99
	assert.Equal(t, 1.0, s.PriceDetails[0].KWh)
	assert.Nil(t, (*Session)(nil).Clone())
}

func TestParseSnapshot_RoundTrip(t *testing.T) {
	s := sampleSession()
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	got, err := ParseSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "Petra", got.UserName)
	assert.Equal(t, "04:A2:9B", *got.RfidUID)
	assert.True(t, got.StartedAt.Equal(t0))
	assert.Equal(t, 1000.5, got.EnergyStartKWh)
}

func TestParseSnapshot_Rejects(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"garbage", `{not json`},
		{"wrong type", `{"id":"a","user_name":12345}`},
		{"missing id", `{"user_name":"A","user_type":"regular","started_at":"2026-01-01T00:00:00Z"}`},
		{"missing start", `{"id":"a","user_name":"A","user_type":"regular"}`},
		{"ended", `{"id":"a","user_name":"A","user_type":"regular","started_at":"2026-01-01T00:00:00Z","ended_at":"2026-01-01T01:00:00Z"}`},
		{"negative energy", `{"id":"a","user_name":"A","user_type":"regular","started_at":"2026-01-01T00:00:00Z","energy_kwh":-1}`},
		{"bad user type", `{"id":"a","user_name":"A","user_type":"admin","started_at":"2026-01-01T00:00:00Z"}`},
		{"bad cost method", `{"id":"a","user_name":"A","user_type":"guest","started_at":"2026-01-01T00:00:00Z","cost_method":"flat"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSnapshot([]byte(tc.raw))
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}

func TestCompletedPayload(t *testing.T) {
	s := sampleSession()
	s.ChargePriceTotal = ptr(55.5555)
	s.EstimatedSocAddedPct = EstimateChargeAdded(s.EnergyKWh, s.EfficiencyFactor, s.VehicleBatteryKWh)
	s.Finish(t0.Add(90*time.Minute + 20*time.Second))

	p := s.CompletedPayload()
	assert.Equal(t, EventSchemaVersion, p.SchemaVersion)
	assert.Equal(t, "abc", p.SessionID)
	assert.Equal(t, "Garage", p.Charger)
	assert.EqualValues(t, 90, p.DurationMinutes)
	assert.Equal(t, 12.35, p.EnergyKWh)
	assert.Equal(t, 30.86, p.Cost)
	require.NotNil(t, p.ChargePrice)
	assert.Equal(t, 55.56, *p.ChargePrice)
	require.NotNil(t, p.EstimatedSocAddedPct)
	assert.Equal(t, 14.8, *p.EstimatedSocAddedPct)
	assert.Equal(t, pricing.ModeStatic, p.CostMethod)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	for _, key := range []string{"session_id", "user_name", "user_type", "vehicle_name", "rfid_index", "rfid_uid",
		"started_at", "ended_at", "duration_minutes", "energy_kwh", "cost", "charge_price", "avg_power_w",
		"estimated_soc_added_pct", "cost_method", "data_gap", "reconstructed", "charger", "schema_version"} {
		assert.Contains(t, flat, key)
	}
}
