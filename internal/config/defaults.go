package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/ev-charging-manager/internal/config.

const (
	// Session filtering and persistence
	DefaultMinSessionDurationS      = 60   // shorter sessions are discarded
	DefaultMinSessionEnergyWh       = 50.0 // lower-energy sessions are discarded
	DefaultPersistenceIntervalS     = 300  // active snapshot cadence
	DefaultMaxStoredSessions        = 1000 // completed history per charger
	DefaultCrossValidationThreshold = 0.05 // relative deviation vs. total counter

	// Sensor defaults
	DefaultChargingValue = "2" // go-e car state "charging"
	DefaultEnergyUnit    = EnergyUnitWh

	// Unknown-session warning
	DefaultUnknownThreshold = 3
	DefaultUnknownWindow    = 7 * 24 * time.Hour

	// Operation time-outs (to avoid blocking goroutines)
	MQTTTimeout  = 5 * time.Second // MQTT publish
	StoreTimeout = 5 * time.Second // store round-trip
	HTTPShutdown = 5 * time.Second // graceful HTTP shutdown

	// Startup: how long to wait for retained entity states before recovery
	StateSettleTimeout = 10 * time.Second
	StatePollInterval  = 100 * time.Millisecond

	// Pricing defaults
	DefaultStaticPriceKWh    = 2.50
	DefaultSpotVATMultiplier = 1.25
)
