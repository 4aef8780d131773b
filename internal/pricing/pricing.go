package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/identity"
)

// Mode selects how owner cost is computed.
type Mode string

const (
	ModeStatic Mode = "static"
	ModeSpot   Mode = "spot"
)

// SpotConfig holds spot-mode parameters.
type SpotConfig struct {
	PriceEntity    string  `yaml:"price_entity"`
	AdditionalCost float64 `yaml:"additional_cost_kwh"`
	VATMultiplier  float64 `yaml:"vat_multiplier"`
	FallbackPrice  float64 `yaml:"fallback_price_kwh"`
}

// Config is the pricing section of a charger.
type Config struct {
	Mode        Mode       `yaml:"mode"`
	StaticPrice float64    `yaml:"static_price_kwh"`
	Spot        SpotConfig `yaml:"spot"`
}

// HourDetail is one clock-hour of spot billing.
type HourDetail struct {
	Hour      time.Time `json:"hour"`
	KWh       float64   `json:"kwh"`
	SpotPrice *float64  `json:"spot_price"`
	Rate      float64   `json:"rate"`
	Cost      float64   `json:"cost"`
	Fallback  bool      `json:"fallback"`
}

// Engine computes owner cost. It is configured once and never changes.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	switch cfg.Mode {
	case ModeStatic:
	case ModeSpot:
		if cfg.Spot.VATMultiplier <= 0 {
			return nil, fmt.Errorf("pricing: spot vat multiplier must be positive, got %v", cfg.Spot.VATMultiplier)
		}
	default:
		return nil, fmt.Errorf("pricing: unknown mode %q", cfg.Mode)
	}
	return &Engine{cfg: cfg}, nil
}

// Mode returns the configured mode.
func (e *Engine) Mode() Mode { return e.cfg.Mode }

// SpotPriceEntity returns the entity carrying the spot price, if any.
func (e *Engine) SpotPriceEntity() string { return e.cfg.Spot.PriceEntity }

// FallbackPrice returns the rate used when no spot price is available.
func (e *Engine) FallbackPrice() float64 { return e.cfg.Spot.FallbackPrice }

// Static returns energy × static price.
func (e *Engine) Static(energyKWh float64) float64 {
	return Round4(energyKWh * e.cfg.StaticPrice)
}

// SpotRate returns the all-in per-kWh rate for a spot price. A nil price
// means the source was unavailable and the fallback rate applies verbatim.
func (e *Engine) SpotRate(spotPrice *float64) (rate float64, fallback bool) {
	if spotPrice == nil {
		return e.cfg.Spot.FallbackPrice, true
	}
	return (*spotPrice + e.cfg.Spot.AdditionalCost) * e.cfg.Spot.VATMultiplier, false
}

// SpotHour bills kwh consumed during the hour starting at hour.
func (e *Engine) SpotHour(hour time.Time, kwh float64, spotPrice *float64) HourDetail {
	rate, fallback := e.SpotRate(spotPrice)
	d := HourDetail{
		Hour:     hour,
		KWh:      math.Round(kwh*1000) / 1000,
		Rate:     Round4(rate),
		Cost:     Round4(kwh * rate),
		Fallback: fallback,
	}
	if spotPrice != nil {
		p := *spotPrice
		d.SpotPrice = &p
	}
	return d
}

// SpotTotal sums closed hourly entries.
func SpotTotal(details []HourDetail) float64 {
	var total float64
	for _, d := range details {
		total += d.Cost
	}
	return Round4(total)
}

// GuestPrice returns what a guest pays, or nil when no rule applies.
// Fixed multiplies energy by the guest rate; markup multiplies owner cost.
func GuestPrice(rule *identity.GuestPricing, energyKWh, ownerCost float64) *float64 {
	if rule == nil {
		return nil
	}
	var v float64
	switch rule.Method {
	case identity.GuestPricingFixed:
		if rule.PricePerKWh == nil {
			return nil
		}
		v = energyKWh * *rule.PricePerKWh
	case identity.GuestPricingMarkup:
		if rule.MarkupFactor == nil {
			return nil
		}
		v = ownerCost * *rule.MarkupFactor
	default:
		return nil
	}
	v = Round4(v)
	return &v
}

// Round4 rounds to 4 decimals, the internal currency precision.
func Round4(v float64) float64 { return roundTo(v, 4) }

// Round2 rounds to 2 decimals for user-facing figures.
func Round2(v float64) float64 { return roundTo(v, 2) }

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
