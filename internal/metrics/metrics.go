package metrics

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all overlay client metrics
type Metrics struct {
	// Event intake counters
	EventsReceived  atomic.Uint64
	EventsAccepted  atomic.Uint64
	EventsMalformed atomic.Uint64
	EventsStale     atomic.Uint64
	EventsLate      atomic.Uint64

	// Mapper counters
	BoxesMapped    atomic.Uint64
	BoxesDropped   atomic.Uint64
	ViolationBoxes atomic.Uint64

	// Synchronizer counters
	Seeks        atomic.Uint64
	SeeksSkipped atomic.Uint64
	SeekErrors   atomic.Uint64
	Resumes      atomic.Uint64
	lastDrift    atomic.Uint64 // float64 bits, seconds

	// Renderer counters
	FramesRendered atomic.Uint64
	DegradedFrames atomic.Uint64

	// Session lifecycle
	SessionsOpened   atomic.Uint64
	ConnectionErrors atomic.Uint64
	ConnectionState  atomic.Uint64 // session.ConnState value
	LastNoHelmet     atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gauge struct {
	name string
	help string
	read func() float64
}

func counter(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		{"overlay_events_received_total", "Total socket payloads received", counter(&m.EventsReceived)},
		{"overlay_events_accepted_total", "Total events applied to the active session", counter(&m.EventsAccepted)},
		{"overlay_events_malformed_total", "Total payloads dropped as malformed", counter(&m.EventsMalformed)},
		{"overlay_events_stale_total", "Total events discarded for a superseded session", counter(&m.EventsStale)},
		{"overlay_events_late_total", "Total events dropped by the late-frame policy", counter(&m.EventsLate)},
		{"overlay_boxes_mapped_total", "Total boxes mapped to overlay rectangles", counter(&m.BoxesMapped)},
		{"overlay_boxes_dropped_total", "Total boxes dropped for inverted corners", counter(&m.BoxesDropped)},
		{"overlay_violation_boxes_total", "Total boxes classified as violations", counter(&m.ViolationBoxes)},
		{"overlay_seeks_total", "Total corrective seeks issued to the player", counter(&m.Seeks)},
		{"overlay_seeks_skipped_total", "Total events whose target could not be applied", counter(&m.SeeksSkipped)},
		{"overlay_seek_errors_total", "Total player seek or resume failures", counter(&m.SeekErrors)},
		{"overlay_resumes_total", "Total times a paused player was resumed", counter(&m.Resumes)},
		{"overlay_last_drift_seconds", "Drift measured for the most recent event", m.LastDrift},
		{"overlay_frames_rendered_total", "Total overlay frames rendered", counter(&m.FramesRendered)},
		{"overlay_degraded_frames_total", "Total frames rendered without a fresh preview image", counter(&m.DegradedFrames)},
		{"overlay_sessions_opened_total", "Total stream sessions opened", counter(&m.SessionsOpened)},
		{"overlay_connection_errors_total", "Total socket connection failures", counter(&m.ConnectionErrors)},
		{"overlay_connection_state", "Connection state (0=idle,1=connecting,2=open,3=closed,4=error)", counter(&m.ConnectionState)},
		{"overlay_no_helmet_count", "No-helmet count reported for the latest frame", counter(&m.LastNoHelmet)},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: g.name,
				Help: g.help,
			},
			g.read,
		))
	}
}

// UpdateDrift stores the drift measured for the latest event
func (m *Metrics) UpdateDrift(seconds float64) {
	m.lastDrift.Store(math.Float64bits(seconds))
}

// LastDrift returns the drift measured for the latest event
func (m *Metrics) LastDrift() float64 {
	return math.Float64frombits(m.lastDrift.Load())
}

// Registry exposes the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
