package featureflag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluations counts flag evaluations by outcome.
	// Labels: flag, result (granted, denied)
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "featureflag",
			Name:      "evaluations_total",
			Help:      "Total number of flag evaluations by outcome",
		},
		[]string{"flag", "result"},
	)

	// UnknownLookups counts evaluations of flags that were never registered.
	// A steady rate here usually means a stale flag name in module code.
	UnknownLookups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "featureflag",
			Name:      "unknown_lookups_total",
			Help:      "Total number of evaluations against unregistered flags (always denied)",
		},
	)

	// Reloads counts flag file reloads by result.
	// Labels: result (success, error)
	Reloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "featureflag",
			Name:      "reloads_total",
			Help:      "Total number of flag definition file reloads",
		},
		[]string{"result"},
	)
)
