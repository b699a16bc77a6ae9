// Package observability — metrics.go
//
// Prometheus metrics for the MOD-EVAC coordinator.
//
// Endpoint: GET /metrics on the API listener.
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: modevac_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Alert labels use the state name (5 values max).
//   - Worker and camera IDs are NOT used as labels (unbounded cardinality);
//     per-device numbers are aggregated before recording.

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the coordinator.
type Metrics struct {
	registry *prometheus.Registry

	// ─── State store ──────────────────────────────────────────────────────────

	// EventsDroppedTotal counts fan-out queue drops, by queue.
	EventsDroppedTotal *prometheus.CounterVec

	// PersistenceFailuresTotal counts best-effort log writes that failed.
	PersistenceFailuresTotal prometheus.Counter

	// DetectionsTotal counts detections recorded, by origin (local, remote).
	DetectionsTotal *prometheus.CounterVec

	// ─── Alerts ───────────────────────────────────────────────────────────────

	// AlertTransitionsTotal counts alert transitions, by from_state/to_state.
	AlertTransitionsTotal *prometheus.CounterVec

	// AlertLevel is the current alert level (0–4).
	AlertLevel prometheus.Gauge

	// ─── Fleet ────────────────────────────────────────────────────────────────

	// WorkersConnected is the current number of live workers.
	WorkersConnected prometheus.Gauge

	// DispatchTotal counts DistributeSync outcomes
	// (ok, no_eligible, send_failed, timeout).
	DispatchTotal *prometheus.CounterVec

	// DispatchLatency records end-to-end remote inference latency.
	DispatchLatency prometheus.Histogram

	// ─── Vision ───────────────────────────────────────────────────────────────

	// FramesProcessedTotal counts frames read, by path (local, offloaded).
	FramesProcessedTotal *prometheus.CounterVec

	// ─── Fan-out ──────────────────────────────────────────────────────────────

	// WSClients is the current number of dashboard WebSocket clients.
	WSClients prometheus.Gauge
}

// NewMetrics creates and registers all coordinator Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modevac",
			Subsystem: "state",
			Name:      "events_dropped_total",
			Help:      "Total events dropped due to queue overflow, by queue.",
		}, []string{"queue"}),

		PersistenceFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modevac",
			Subsystem: "state",
			Name:      "persistence_failures_total",
			Help:      "Total best-effort persistence writes that failed.",
		}),

		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modevac",
			Subsystem: "vision",
			Name:      "detections_total",
			Help:      "Total detections recorded, by inference origin.",
		}, []string{"origin"}),

		AlertTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modevac",
			Subsystem: "control",
			Name:      "alert_transitions_total",
			Help:      "Total alert transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		AlertLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modevac",
			Subsystem: "control",
			Name:      "alert_level",
			Help:      "Current alert level (0=SAFE .. 4=EVACUATE).",
		}),

		WorkersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modevac",
			Subsystem: "fleet",
			Name:      "workers_connected",
			Help:      "Current number of registered, heartbeating workers.",
		}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modevac",
			Subsystem: "fleet",
			Name:      "dispatch_total",
			Help:      "DistributeSync outcomes.",
		}, []string{"outcome"}),

		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modevac",
			Subsystem: "fleet",
			Name:      "dispatch_latency_seconds",
			Help:      "Remote inference round-trip latency in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.25, 0.5, 1.0},
		}),

		FramesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modevac",
			Subsystem: "vision",
			Name:      "frames_processed_total",
			Help:      "Total camera frames processed, by inference path.",
		}, []string{"path"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modevac",
			Subsystem: "api",
			Name:      "ws_clients",
			Help:      "Current number of connected dashboard WebSocket clients.",
		}),
	}

	reg.MustRegister(
		m.EventsDroppedTotal,
		m.PersistenceFailuresTotal,
		m.DetectionsTotal,
		m.AlertTransitionsTotal,
		m.AlertLevel,
		m.WorkersConnected,
		m.DispatchTotal,
		m.DispatchLatency,
		m.FramesProcessedTotal,
		m.WSClients,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the /metrics HTTP handler for the dedicated registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
