package config

import (
	"fmt"
	"sort"
	"strings"
)

// Profile pre-fills entity ids for a known charger model. Patterns may
// contain {serial}.
type Profile struct {
	Name          string
	CarStatus     string
	ChargingValue string
	Energy        string
	EnergyUnit    EnergyUnit
	Power         string
	TotalEnergy   string
	Rfid          string
	RfidUID       string
}

// Profiles lists the known charger models.
var Profiles = map[string]Profile{
	"goe_gemini": {
		Name:          "go-e Charger (Gemini / Gemini flex)",
		CarStatus:     "sensor.goe_{serial}_car_value",
		ChargingValue: "Charging",
		Energy:        "sensor.goe_{serial}_wh",
		EnergyUnit:    EnergyUnitKWh,
		Power:         "sensor.goe_{serial}_nrg_11",
		TotalEnergy:   "sensor.goe_{serial}_eto",
		Rfid:          "select.goe_{serial}_trx",
	},
	"easee_home": {
		Name:          "Easee Home / Charge",
		CarStatus:     "sensor.easee_status",
		ChargingValue: "charging",
		Energy:        "sensor.easee_session_energy",
		EnergyUnit:    EnergyUnitKWh,
		Power:         "sensor.easee_power",
	},
	"generic": {
		Name: "Other / Manual configuration",
	},
}

// ProfileNames returns the known profile keys, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for k := range Profiles {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p Profile) needsSerial() bool {
	for _, v := range []string{p.CarStatus, p.Energy, p.Power, p.TotalEnergy, p.Rfid, p.RfidUID} {
		if strings.Contains(v, "{serial}") {
			return true
		}
	}
	return false
}

// applyProfile fills entity ids the charger leaves empty.
func applyProfile(c *ChargerConfig) error {
	p, ok := Profiles[c.Profile]
	if !ok {
		return fmt.Errorf("unknown profile %q (known: %s)", c.Profile, strings.Join(ProfileNames(), ", "))
	}
	if p.needsSerial() && c.Serial == "" {
		return fmt.Errorf("profile %q needs a serial", c.Profile)
	}
	expand := func(pattern string) string {
		return strings.ReplaceAll(pattern, "{serial}", c.Serial)
	}
	fill := func(dst *string, pattern string) {
		if *dst == "" && pattern != "" {
			*dst = expand(pattern)
		}
	}
	fill(&c.Entities.CarStatus, p.CarStatus)
	fill(&c.Entities.Energy, p.Energy)
	fill(&c.Entities.Power, p.Power)
	fill(&c.Entities.TotalEnergy, p.TotalEnergy)
	fill(&c.Entities.Rfid, p.Rfid)
	fill(&c.Entities.RfidUID, p.RfidUID)
	if c.ChargingValue == "" {
		c.ChargingValue = p.ChargingValue
	}
	if c.EnergyUnit == "" {
		c.EnergyUnit = p.EnergyUnit
	}
	if c.Name == "" {
		c.Name = p.Name
	}
	return nil
}
