package identity

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// User types.
const (
	UserTypeRegular = "regular"
	UserTypeGuest   = "guest"
	UserTypeUnknown = "unknown"
)

// Guest pricing methods.
const (
	GuestPricingFixed  = "fixed"
	GuestPricingMarkup = "markup"
)

// GuestPricing is the payer-facing price rule attached to a guest user.
type GuestPricing struct {
	Method       string   `yaml:"method" json:"method"`
	PricePerKWh  *float64 `yaml:"price_per_kwh,omitempty" json:"price_per_kwh,omitempty"`
	MarkupFactor *float64 `yaml:"markup_factor,omitempty" json:"markup_factor,omitempty"`
}

// Vehicle is a configured vehicle with its charging parameters.
type Vehicle struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	BatteryCapacityKWh float64  `yaml:"battery_capacity_kwh"`
	UsableBatteryKWh   *float64 `yaml:"usable_battery_kwh,omitempty"`
	ChargingPhases     int      `yaml:"charging_phases"`
	MaxChargingPowerKW *float64 `yaml:"max_charging_power_kw,omitempty"`
	ChargingEfficiency *float64 `yaml:"charging_efficiency,omitempty"`
}

// UsableBattery returns the usable capacity, falling back to the gross one.
func (v Vehicle) UsableBattery() float64 {
	if v.UsableBatteryKWh != nil {
		return *v.UsableBatteryKWh
	}
	return v.BatteryCapacityKWh
}

// User is a regular or guest user.
type User struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	Active       *bool         `yaml:"active,omitempty"`
	GuestPricing *GuestPricing `yaml:"guest_pricing,omitempty"`
}

// RfidMapping links a zero-based card slot to a user and optional vehicle.
type RfidMapping struct {
	CardIndex int     `yaml:"card_index"`
	CardUID   *string `yaml:"card_uid,omitempty"`
	UserID    string  `yaml:"user_id"`
	VehicleID *string `yaml:"vehicle_id,omitempty"`
	Active    *bool   `yaml:"active,omitempty"`
}

// IsActive treats a missing flag as active.
func (m RfidMapping) IsActive() bool { return m.Active == nil || *m.Active }

// Snapshot is the read-only identity configuration consumed at session start.
type Snapshot struct {
	Vehicles     []Vehicle     `yaml:"vehicles"`
	Users        []User        `yaml:"users"`
	RfidMappings []RfidMapping `yaml:"rfid_mappings"`
}

func (s Snapshot) mapping(index int) (RfidMapping, bool) {
	for _, m := range s.RfidMappings {
		if m.CardIndex == index {
			return m, true
		}
	}
	return RfidMapping{}, false
}

func (s Snapshot) user(id string) (User, bool) {
	for _, u := range s.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

func (s Snapshot) vehicle(id string) (Vehicle, bool) {
	for _, v := range s.Vehicles {
		if v.ID == id {
			return v, true
		}
	}
	return Vehicle{}, false
}

// Source hands out the current identity snapshot. Implementations must
// return fresh data on every call; the controller calls it once per session.
type Source interface {
	Snapshot() Snapshot
}

// StaticSource serves a fixed snapshot.
type StaticSource struct {
	Data Snapshot
}

// Snapshot implements Source.
func (s StaticSource) Snapshot() Snapshot { return s.Data }

// FileSource re-reads a YAML identity file on every Snapshot call so that
// records edited while the charger is idle are picked up by the next
// session. A broken file keeps serving the last good snapshot.
type FileSource struct {
	path   string
	logger *logrus.Logger

	mu       sync.Mutex
	lastGood Snapshot
}

// NewFileSource loads path once to validate it and returns the source.
func NewFileSource(path string, logger *logrus.Logger) (*FileSource, error) {
	snap, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, logger: logger, lastGood: snap}, nil
}

// Snapshot implements Source.
func (f *FileSource) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, err := LoadFile(f.path)
	if err != nil {
		f.logger.WithError(err).WithField("path", f.path).Warn("Identity file unreadable, using last good snapshot")
		return f.lastGood
	}
	f.lastGood = snap
	return snap
}

// LoadFile decodes an identity YAML file. A missing file yields an empty
// snapshot so a fresh install attributes everything to unknown.
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("identity: read file: %w", err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("identity: decode yaml: %w", err)
	}
	return snap, nil
}
