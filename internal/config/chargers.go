package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jkaberg/ev-charging-manager/internal/pricing"
)

// ErrNoChargers is returned when the chargers file declares no charging point.
var ErrNoChargers = errors.New("no chargers configured")

// EnergyUnit is the unit the session-energy entity reports in.
type EnergyUnit string

const (
	EnergyUnitWh  EnergyUnit = "Wh"
	EnergyUnitKWh EnergyUnit = "kWh"
)

// Entities maps a charging point's signals to Home Assistant entity ids.
type Entities struct {
	CarStatus   string `yaml:"car_status"`
	Energy      string `yaml:"energy"`
	Power       string `yaml:"power"`
	Rfid        string `yaml:"rfid"`
	RfidUID     string `yaml:"rfid_uid"`
	TotalEnergy string `yaml:"total_energy"`
}

// Options tune session filtering and persistence. Zero values are replaced
// by the file-level defaults and then by the built-in ones.
type Options struct {
	MinSessionDurationS      int     `yaml:"min_session_duration_s"`
	MinSessionEnergyWh       float64 `yaml:"min_session_energy_wh"`
	PersistenceIntervalS     int     `yaml:"persistence_interval_s"`
	CrossValidationThreshold float64 `yaml:"cross_validation_threshold"`
}

// MinDuration returns the micro-session duration limit.
func (o Options) MinDuration() time.Duration {
	return time.Duration(o.MinSessionDurationS) * time.Second
}

// MinEnergyKWh returns the micro-session energy limit in kWh.
func (o Options) MinEnergyKWh() float64 { return o.MinSessionEnergyWh / 1000 }

// PersistenceInterval returns the active snapshot cadence.
func (o Options) PersistenceInterval() time.Duration {
	return time.Duration(o.PersistenceIntervalS) * time.Second
}

func (o Options) withDefaults(d Options) Options {
	if o.MinSessionDurationS == 0 {
		o.MinSessionDurationS = d.MinSessionDurationS
	}
	if o.MinSessionEnergyWh == 0 {
		o.MinSessionEnergyWh = d.MinSessionEnergyWh
	}
	if o.PersistenceIntervalS == 0 {
		o.PersistenceIntervalS = d.PersistenceIntervalS
	}
	if o.CrossValidationThreshold == 0 {
		o.CrossValidationThreshold = d.CrossValidationThreshold
	}
	return o
}

var builtinOptions = Options{
	MinSessionDurationS:      DefaultMinSessionDurationS,
	MinSessionEnergyWh:       DefaultMinSessionEnergyWh,
	PersistenceIntervalS:     DefaultPersistenceIntervalS,
	CrossValidationThreshold: DefaultCrossValidationThreshold,
}

// ChargerConfig declares one charging point.
type ChargerConfig struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Profile       string         `yaml:"profile"`
	Serial        string         `yaml:"serial"`
	Entities      Entities       `yaml:"entities"`
	ChargingValue string         `yaml:"charging_value"`
	EnergyUnit    EnergyUnit     `yaml:"energy_unit"`
	Pricing       pricing.Config `yaml:"pricing"`
	Options       Options        `yaml:"options"`
}

// EnergyKWh converts a session-energy reading to kWh.
func (c ChargerConfig) EnergyKWh(v float64) float64 {
	if c.EnergyUnit == EnergyUnitWh {
		return v / 1000
	}
	return v
}

// WatchedEntities lists every entity whose change must wake the controller.
func (c ChargerConfig) WatchedEntities() []string {
	var out []string
	for _, e := range []string{
		c.Entities.CarStatus,
		c.Entities.Energy,
		c.Entities.Power,
		c.Entities.Rfid,
		c.Entities.TotalEnergy,
	} {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// ChargersFile is the YAML document listing charging points.
type ChargersFile struct {
	MaxStoredSessions int             `yaml:"max_stored_sessions"`
	Defaults          Options         `yaml:"defaults"`
	Chargers          []ChargerConfig `yaml:"chargers"`
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives an identifier from a display name.
func Slug(name string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

// LoadChargers reads, completes and validates a chargers file.
func LoadChargers(path string) (*ChargersFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chargers file: %w", err)
	}
	return ParseChargers(raw)
}

// ParseChargers decodes a chargers document and fills in profile entities
// and defaults.
func ParseChargers(raw []byte) (*ChargersFile, error) {
	var f ChargersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode chargers file: %w", err)
	}
	if len(f.Chargers) == 0 {
		return nil, ErrNoChargers
	}
	if f.MaxStoredSessions <= 0 {
		f.MaxStoredSessions = DefaultMaxStoredSessions
	}
	defaults := f.Defaults.withDefaults(builtinOptions)

	seen := make(map[string]bool, len(f.Chargers))
	for i := range f.Chargers {
		c := &f.Chargers[i]
		if err := c.complete(defaults); err != nil {
			return nil, fmt.Errorf("charger %d: %w", i, err)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate charger id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return &f, nil
}

func (c *ChargerConfig) complete(defaults Options) error {
	if c.Profile != "" {
		if err := applyProfile(c); err != nil {
			return err
		}
	}
	if c.Name == "" {
		c.Name = "EV Charger"
	}
	if c.ID == "" {
		c.ID = Slug(c.Name)
	}
	if c.ChargingValue == "" {
		c.ChargingValue = DefaultChargingValue
	}
	if c.EnergyUnit == "" {
		c.EnergyUnit = DefaultEnergyUnit
	}
	if c.Pricing.Mode == "" {
		c.Pricing.Mode = pricing.ModeStatic
		if c.Pricing.StaticPrice == 0 {
			c.Pricing.StaticPrice = DefaultStaticPriceKWh
		}
	}
	if c.Pricing.Mode == pricing.ModeSpot && c.Pricing.Spot.VATMultiplier == 0 {
		c.Pricing.Spot.VATMultiplier = DefaultSpotVATMultiplier
	}
	c.Options = c.Options.withDefaults(defaults)
	return c.Validate()
}

// Validate checks a completed charger definition.
func (c ChargerConfig) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("id is required")
	case c.Entities.CarStatus == "":
		return fmt.Errorf("%s: car status entity is required", c.ID)
	case c.Entities.Energy == "":
		return fmt.Errorf("%s: energy entity is required", c.ID)
	}
	switch c.EnergyUnit {
	case EnergyUnitWh, EnergyUnitKWh:
	default:
		return fmt.Errorf("%s: energy unit must be Wh or kWh, got %q", c.ID, c.EnergyUnit)
	}
	if _, err := pricing.New(c.Pricing); err != nil {
		return fmt.Errorf("%s: %w", c.ID, err)
	}
	if c.Pricing.Mode == pricing.ModeSpot && c.Pricing.Spot.PriceEntity == "" {
		return fmt.Errorf("%s: spot pricing needs a price entity", c.ID)
	}
	if c.Options.MinSessionDurationS < 0 || c.Options.MinSessionEnergyWh < 0 {
		return fmt.Errorf("%s: micro-session limits must not be negative", c.ID)
	}
	if c.Options.PersistenceIntervalS <= 0 {
		return fmt.Errorf("%s: persistence interval must be positive", c.ID)
	}
	return nil
}
