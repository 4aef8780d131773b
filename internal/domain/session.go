package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/identity"
	"github.com/jkaberg/ev-charging-manager/internal/pricing"
)

// ErrInvalidSnapshot is returned when a persisted active session cannot be
// trusted.
var ErrInvalidSnapshot = errors.New("invalid session snapshot")

// Attribution is captured once when a session starts and never re-resolved.
// Nothing in the controller writes to it after NewSession.
type Attribution struct {
	UserName          string                 `json:"user_name"`
	UserType          string                 `json:"user_type"`
	VehicleName       *string                `json:"vehicle_name"`
	VehicleBatteryKWh *float64               `json:"vehicle_battery_kwh"`
	EfficiencyFactor  *float64               `json:"efficiency_factor"`
	RfidIndex         *int                   `json:"rfid_index"`
	RfidUID           *string                `json:"rfid_uid"`
	GuestPricing      *identity.GuestPricing `json:"guest_pricing,omitempty"`
	ChargePriceMethod *string                `json:"charge_price_method"`
}

// AttributionFrom converts a resolution into the session snapshot. uid, when
// non-nil, overrides the card UID configured on the mapping.
func AttributionFrom(res identity.Resolution, uid *string) Attribution {
	a := Attribution{
		UserName:          res.UserName,
		UserType:          res.UserType,
		VehicleName:       res.VehicleName,
		VehicleBatteryKWh: res.VehicleBatteryKWh,
		EfficiencyFactor:  res.EfficiencyFactor,
		RfidIndex:         res.RfidIndex,
		RfidUID:           res.CardUID,
		GuestPricing:      res.GuestPricing,
	}
	if uid != nil {
		a.RfidUID = uid
	}
	if a.GuestPricing != nil {
		m := a.GuestPricing.Method
		a.ChargePriceMethod = &m
	}
	return a
}

// Session is one charging event. The embedded Attribution is the
// snapshot-at-start part; everything below it is updated while tracking.
type Session struct {
	ID string `json:"id"`
	Attribution

	ChargerName     string     `json:"charger_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds int64      `json:"duration_seconds"`

	EnergyStartKWh float64 `json:"energy_start_kwh"`
	EnergyKWh      float64 `json:"energy_kwh"`
	AvgPowerW      float64 `json:"avg_power_w"`
	MaxPowerW      float64 `json:"max_power_w"`

	CostTotal        float64              `json:"cost_total"`
	CostMethod       pricing.Mode         `json:"cost_method"`
	PriceDetails     []pricing.HourDetail `json:"price_details"`
	ChargePriceTotal *float64             `json:"charge_price_total"`

	EstimatedSocAddedPct  *float64 `json:"estimated_soc_added_pct"`
	ChargerTotalBeforeKWh *float64 `json:"charger_total_before_kwh"`
	ChargerTotalAfterKWh  *float64 `json:"charger_total_after_kwh"`

	DataGap       bool `json:"data_gap"`
	Reconstructed bool `json:"reconstructed"`
}

// NewSession creates an active session.
func NewSession(id string, attr Attribution, charger string, started time.Time, energyStartKWh float64, mode pricing.Mode) *Session {
	s := &Session{
		ID:             id,
		Attribution:    attr,
		ChargerName:    charger,
		StartedAt:      started,
		EnergyStartKWh: energyStartKWh,
		CostMethod:     mode,
	}
	if mode == pricing.ModeSpot {
		s.PriceDetails = []pricing.HourDetail{}
	}
	return s
}

// Active reports whether the session has not ended yet.
func (s *Session) Active() bool { return s.EndedAt == nil }

// Clone returns a copy safe to hand to other goroutines. Pointer fields are
// shared; the controller only ever replaces them, never writes through them.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.PriceDetails = slices.Clone(s.PriceDetails)
	return &c
}

// Elapsed returns the time since start as of now.
func (s *Session) Elapsed(now time.Time) time.Duration {
	d := now.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateAveragePower recomputes the running average power from energy and
// elapsed time.
func (s *Session) UpdateAveragePower(now time.Time) {
	secs := s.Elapsed(now).Seconds()
	if secs <= 0 {
		s.AvgPowerW = 0
		return
	}
	s.AvgPowerW = s.EnergyKWh * 3_600_000 / secs
}

// Finish stamps the end time and final duration/average.
func (s *Session) Finish(now time.Time) {
	end := now
	s.EndedAt = &end
	s.DurationSeconds = int64(s.Elapsed(now) / time.Second)
	if s.DurationSeconds > 0 {
		s.AvgPowerW = s.EnergyKWh * 3_600_000 / float64(s.DurationSeconds)
	} else {
		s.AvgPowerW = 0
	}
}

// ClosedHoursKWh sums the energy of already billed spot hours.
func (s *Session) ClosedHoursKWh() float64 {
	var kwh float64
	for _, d := range s.PriceDetails {
		kwh += d.KWh
	}
	return kwh
}

// ParseSnapshot decodes a persisted active session and checks that it can be
// resumed or finalised.
func ParseSnapshot(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	switch {
	case s.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrInvalidSnapshot)
	case s.StartedAt.IsZero():
		return nil, fmt.Errorf("%w: missing started_at", ErrInvalidSnapshot)
	case s.EndedAt != nil:
		return nil, fmt.Errorf("%w: session already ended", ErrInvalidSnapshot)
	case s.UserName == "":
		return nil, fmt.Errorf("%w: missing user_name", ErrInvalidSnapshot)
	case !finite(s.EnergyStartKWh) || !finite(s.EnergyKWh) || s.EnergyKWh < 0:
		return nil, fmt.Errorf("%w: bad energy values", ErrInvalidSnapshot)
	case !finite(s.CostTotal):
		return nil, fmt.Errorf("%w: bad cost", ErrInvalidSnapshot)
	}
	switch s.UserType {
	case identity.UserTypeRegular, identity.UserTypeGuest, identity.UserTypeUnknown:
	default:
		return nil, fmt.Errorf("%w: unknown user_type %q", ErrInvalidSnapshot, s.UserType)
	}
	switch s.CostMethod {
	case pricing.ModeStatic, pricing.ModeSpot:
	case "":
		s.CostMethod = pricing.ModeStatic
	default:
		return nil, fmt.Errorf("%w: unknown cost_method %q", ErrInvalidSnapshot, s.CostMethod)
	}
	return &s, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
