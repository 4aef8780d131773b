package domain

import (
	"math"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/pricing"
)

// EventSchemaVersion must be bumped whenever a notification field is renamed
// or removed; downstream automations key on these names.
const EventSchemaVersion = 1

// SessionStarted is announced once per session, including sessions later
// discarded as micro-sessions.
type SessionStarted struct {
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	UserName      string    `json:"user_name"`
	UserType      string    `json:"user_type"`
	VehicleName   *string   `json:"vehicle_name"`
	RfidIndex     *int      `json:"rfid_index"`
	RfidUID       *string   `json:"rfid_uid"`
	StartedAt     time.Time `json:"started_at"`
	Charger       string    `json:"charger"`
}

// SessionCompleted is announced only for sessions that pass the micro-session
// filter.
type SessionCompleted struct {
	SessionStarted

	EndedAt              time.Time    `json:"ended_at"`
	DurationMinutes      int64        `json:"duration_minutes"`
	EnergyKWh            float64      `json:"energy_kwh"`
	Cost                 float64      `json:"cost"`
	ChargePrice          *float64     `json:"charge_price"`
	AvgPowerW            float64      `json:"avg_power_w"`
	EstimatedSocAddedPct *float64     `json:"estimated_soc_added_pct"`
	CostMethod           pricing.Mode `json:"cost_method"`
	DataGap              bool         `json:"data_gap"`
	Reconstructed        bool         `json:"reconstructed"`
}

// StartedPayload builds the session-started notification.
func (s *Session) StartedPayload() SessionStarted {
	return SessionStarted{
		SchemaVersion: EventSchemaVersion,
		SessionID:     s.ID,
		UserName:      s.UserName,
		UserType:      s.UserType,
		VehicleName:   s.VehicleName,
		RfidIndex:     s.RfidIndex,
		RfidUID:       s.RfidUID,
		StartedAt:     s.StartedAt,
		Charger:       s.ChargerName,
	}
}

// CompletedPayload builds the session-completed notification of a finished
// session.
func (s *Session) CompletedPayload() SessionCompleted {
	c := SessionCompleted{
		SessionStarted:  s.StartedPayload(),
		DurationMinutes: int64(math.Round(float64(s.DurationSeconds) / 60)),
		EnergyKWh:       pricing.Round2(s.EnergyKWh),
		Cost:            pricing.Round2(s.CostTotal),
		AvgPowerW:       math.Round(s.AvgPowerW*10) / 10,
		CostMethod:      s.CostMethod,
		DataGap:         s.DataGap,
		Reconstructed:   s.Reconstructed,
	}
	if s.EndedAt != nil {
		c.EndedAt = *s.EndedAt
	}
	if s.ChargePriceTotal != nil {
		v := pricing.Round2(*s.ChargePriceTotal)
		c.ChargePrice = &v
	}
	if s.EstimatedSocAddedPct != nil {
		v := math.Round(*s.EstimatedSocAddedPct*10) / 10
		c.EstimatedSocAddedPct = &v
	}
	return c
}
