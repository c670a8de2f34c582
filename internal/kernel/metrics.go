package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModulesRegistered tracks how many modules are registered.
	ModulesRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forged",
			Subsystem: "kernel",
			Name:      "modules_registered",
			Help:      "Number of registered modules.",
		},
	)

	// InitDuration tracks per-module initialization time.
	InitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forged",
			Subsystem: "kernel",
			Name:      "init_duration_seconds",
			Help:      "Module initialization duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	// ModuleHealthy reports the last health verdict per module (1 or 0).
	ModuleHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "forged",
			Subsystem: "kernel",
			Name:      "module_healthy",
			Help:      "Last health check verdict per module (1 healthy, 0 unhealthy).",
		},
		[]string{"module"},
	)

	// HealthChecks counts aggregated health checks by outcome.
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "kernel",
			Name:      "health_checks_total",
			Help:      "Aggregated health checks, by overall outcome.",
		},
		[]string{"outcome"},
	)
)
