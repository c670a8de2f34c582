package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts jobs published per queue.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Jobs published, by queue.",
		},
		[]string{"queue"},
	)

	// JobsProcessed counts handled jobs per queue and result.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Jobs handled, by queue and result (ok, error, malformed).",
		},
		[]string{"queue", "result"},
	)

	// JobDuration tracks successful handler latency per queue.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forged",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Successful job handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
)
