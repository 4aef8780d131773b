// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts sessions that began tracking.
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcm_sessions_started_total",
		Help: "The total number of charging sessions started",
	}, []string{"charger", "user_type"})

	// SessionsCompleted counts finished sessions by outcome.
	SessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcm_sessions_finished_total",
		Help: "The total number of charging sessions finished, by outcome",
	}, []string{"charger", "outcome"})

	// EnergyDelivered sums energy of recorded sessions.
	EnergyDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcm_energy_delivered_kwh_total",
		Help: "Energy of recorded charging sessions in kWh",
	}, []string{"charger"})

	// ActiveSession is 1 while a charger is tracking a session.
	ActiveSession = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "evcm_session_active",
		Help: "Whether the charger is currently tracking a session",
	}, []string{"charger"})

	// SessionEnergy is the energy of the session in progress.
	SessionEnergy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "evcm_session_energy_kwh",
		Help: "Energy delivered in the current session",
	}, []string{"charger"})

	// DataGaps counts sensor dropouts seen while tracking.
	DataGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcm_sensor_dropouts_total",
		Help: "Sensor readings that were unavailable while tracking",
	}, []string{"charger", "entity"})

	// SpotFallbacks counts hourly entries billed at the fallback price.
	SpotFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcm_spot_fallbacks_total",
		Help: "Spot hours billed at the fallback price",
	}, []string{"charger"})

	// PersistenceErrors counts failed store operations.
	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcm_persistence_errors_total",
		Help: "Failed store operations",
	}, []string{"charger", "operation"})

	// StateMessages counts ingested entity state messages.
	StateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evcm_state_messages_total",
		Help: "Entity state messages received from Home Assistant",
	})
)

// Outcome labels for SessionsCompleted.
const (
	OutcomeRecorded  = "recorded"
	OutcomeDiscarded = "discarded"
)
