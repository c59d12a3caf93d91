// Package telemetry exposes the prometheus metrics and otel tracer
// used across the room, coordinator and persister components.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics bundles the process-wide instrument set. Build it with
// NewMetrics: every instrument is allocated there, and a zero-value
// Metrics has nil instruments.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	OperationsTotal   *prometheus.CounterVec
	PersistLatency    prometheus.Histogram
	PersistFailures   prometheus.Counter
	RoomEvictions     prometheus.Counter
}

// NewMetrics builds and registers the instrument set against reg. A
// nil reg is treated as prometheus.NewRegistry() so tests never
// collide with the global default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdcollab_active_connections",
			Help: "Current number of open WebSocket connections.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdcollab_active_rooms",
			Help: "Current number of non-retired document rooms.",
		}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcollab_operations_total",
			Help: "CRDT operations applied, labelled by apply result.",
		}, []string{"result"}),
		PersistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdcollab_persist_seconds",
			Help:    "Latency of DocumentStore.SaveState calls.",
			Buckets: prometheus.DefBuckets,
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcollab_persist_failures_total",
			Help: "Persister flushes that failed: oversized snapshot or DocumentStore.SaveState error.",
		}),
		RoomEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdcollab_room_evictions_total",
			Help: "Rooms evicted by the coordinator's LRU to admit a new one.",
		}),
	}
	reg.MustRegister(m.ActiveConnections, m.ActiveRooms, m.OperationsTotal, m.PersistLatency, m.PersistFailures, m.RoomEvictions)
	return m
}

// Tracer is the package-wide otel tracer for room/persister spans.
var Tracer = otel.Tracer("github.com/mdcollab/core")

// StartSpan starts a named span under Tracer and returns the derived
// context alongside it.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name)
}
