// Package metrics holds the Prometheus collectors shared by the service's
// components. A single Metrics value is constructed at wiring time and
// handed to each component, keeping registration explicit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections        prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionsRefused prometheus.Counter

	MessagesPublished  prometheus.Counter
	MessagesReplicated prometheus.Counter
	MessagesReceived   prometheus.Counter
	MessagesDeduped    prometheus.Counter
	FramesDropped      prometheus.Counter

	DegradationLevel prometheus.Gauge
	OperatingMode    prometheus.Gauge

	LockAcquisitions *prometheus.CounterVec
}

// New registers the service's collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections",
			Help: "Number of currently registered connections.",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_opened_total",
			Help: "Total connections admitted.",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_closed_total",
			Help: "Total connections unregistered.",
		}),
		ConnectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_refused_total",
			Help: "Total connections refused by the admission policy.",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_published_total",
			Help: "Frames published by local connections.",
		}),
		MessagesReplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_replicated_total",
			Help: "Frames replicated to the shared channel.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Frames received from other nodes.",
		}),
		MessagesDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_deduped_total",
			Help: "Replicated frames dropped as duplicates.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_dropped_total",
			Help: "Frames dropped from full per-connection send queues.",
		}),
		DegradationLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_degradation_level",
			Help: "Current degradation level (0=normal .. 3=heavy).",
		}),
		OperatingMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_operating_mode",
			Help: "Current operating mode (0=probing, 1=distributed, 2=standalone).",
		}),
		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// NewNop returns collectors backed by a throwaway registry, for tests and
// components constructed without a metrics pipeline.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
