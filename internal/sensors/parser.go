package sensors

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// invalidStates holds every raw state Home Assistant (and the chargers behind
// it) uses to say "there is no value right now". They are all treated the same.
var invalidStates = map[string]struct{}{
	"":            {},
	"unavailable": {},
	"unknown":     {},
	"null":        {},
	"none":        {},
}

// Reading is the value of a single entity at the moment it was read.
// Valid is false whenever the entity is missing or reports one of the
// unavailable/unknown/null sentinels; Raw is then meaningless.
type Reading struct {
	Raw   string
	Valid bool
}

// Unavailable is the zero reading returned for absent entities.
var Unavailable = Reading{}

// NewReading normalises a raw state payload into a Reading.
func NewReading(raw string) Reading {
	v := strings.TrimSpace(raw)
	// statestream payloads may be JSON encoded strings ("\"Charging\"")
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		var s string
		if err := json.Unmarshal([]byte(v), &s); err == nil {
			v = strings.TrimSpace(s)
		}
	}
	if _, bad := invalidStates[strings.ToLower(v)]; bad {
		return Unavailable
	}
	return Reading{Raw: v, Valid: true}
}

// Float parses the reading as a finite float64.
func (r Reading) Float() (float64, error) {
	if !r.Valid {
		return 0, fmt.Errorf("reading unavailable")
	}
	f, err := strconv.ParseFloat(r.Raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value '%s' as float: %w", r.Raw, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value '%s' is not finite", r.Raw)
	}
	return f, nil
}

// Int parses the reading as an integer. Values such as "2.0" are accepted,
// values with a fractional part are not.
func (r Reading) Int() (int, error) {
	if !r.Valid {
		return 0, fmt.Errorf("reading unavailable")
	}
	if i, err := strconv.Atoi(r.Raw); err == nil {
		return i, nil
	}
	// Try parsing as float first to handle values like "1.0"
	f, err := r.Float()
	if err != nil {
		return 0, fmt.Errorf("failed to parse value '%s' as int: %w", r.Raw, err)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("value '%s' is not an integer", r.Raw)
	}
	return int(f), nil
}

// Equals reports whether the reading is valid and matches want, ignoring case.
func (r Reading) Equals(want string) bool {
	return r.Valid && strings.EqualFold(r.Raw, strings.TrimSpace(want))
}

// Reader gives access to the latest state of an entity. Missing entities and
// unavailable/unknown/null states all come back as an invalid Reading.
type Reader interface {
	Read(entityID string) Reading
}
