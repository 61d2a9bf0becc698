package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges for the shift core. Registered on the default
// registry and served from /metrics.
var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldtrack",
		Subsystem: "shifts",
		Name:      "transitions_total",
		Help:      "State transitions attempted, by destination state and validity.",
	}, []string{"to_state", "valid"})

	ShiftsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldtrack",
		Subsystem: "shifts",
		Name:      "started_total",
		Help:      "Shifts started.",
	})

	ShiftsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldtrack",
		Subsystem: "shifts",
		Name:      "ended_total",
		Help:      "Shifts finalized, by trigger source.",
	}, []string{"triggered_by"})

	SweepTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldtrack",
		Subsystem: "shifts",
		Name:      "sweep_timeouts_total",
		Help:      "Shifts force-terminated by the timeout sweeper.",
	})

	SweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldtrack",
		Subsystem: "shifts",
		Name:      "sweep_errors_total",
		Help:      "Per-shift failures during timeout sweeps.",
	})

	ActiveShiftsCached = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldtrack",
		Subsystem: "shifts",
		Name:      "active_cached",
		Help:      "Active shifts currently held in the in-memory cache.",
	})

	GeofenceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldtrack",
		Subsystem: "geofence",
		Name:      "events_total",
		Help:      "Geofence events consumed, by geofence type and direction.",
	}, []string{"type", "direction"})
)
