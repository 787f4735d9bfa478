// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamapp",
		Subsystem: "gateway",
		Name:      "active_connections",
		Help:      "Number of live transport connections.",
	})

	Authentications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamapp",
		Subsystem: "gateway",
		Name:      "authentications_total",
		Help:      "Authentication outcomes by result code.",
	}, []string{"result"})

	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamapp",
		Subsystem: "gateway",
		Name:      "admission_rejections_total",
		Help:      "Connections denied by the admission controller, by reason.",
	}, []string{"reason"})

	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamapp",
		Subsystem: "gateway",
		Name:      "events_routed_total",
		Help:      "Inbound events dispatched, by event name.",
	}, []string{"event"})

	BroadcastsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teamapp",
		Subsystem: "gateway",
		Name:      "broadcasts_suppressed_total",
		Help:      "Domain broadcasts dropped because team resolution failed.",
	})
)
