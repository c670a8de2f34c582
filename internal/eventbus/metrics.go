package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsEmitted counts emitted events by name.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "eventbus",
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted on the bus",
		},
		[]string{"event"},
	)

	// ListenerFailures counts isolated listener failures.
	// Labels: event, kind (error, panic)
	ListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "eventbus",
			Name:      "listener_failures_total",
			Help:      "Total number of listener errors and panics, isolated from emitters",
		},
		[]string{"event", "kind"},
	)
)
