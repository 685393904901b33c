package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for a live session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	segmentsEmittedTotal  *prometheus.CounterVec
	fetchFailuresTotal    prometheus.Counter
	decryptFailuresTotal  prometheus.Counter
	manifestFailuresTotal prometheus.Counter
	lostSegmentsTotal     prometheus.Counter
	bytesEmittedTotal     prometheus.Counter
	highestIndex          prometheus.Gauge
	emittedSeconds        prometheus.Gauge
	trackedIndices        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the session.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_admin_requests_total",
			Help: "Total number of admin HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_admin_errors_total",
			Help: "Total number of admin HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livepipe_segments_emitted_total",
			Help: "Segments written to the output, by outcome (emitted or passthrough)",
		}, []string{"outcome"}),
		fetchFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_fetch_failures_total",
			Help: "Segment downloads that failed",
		}),
		decryptFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_decrypt_failures_total",
			Help: "Segment or init decryptions that failed",
		}),
		manifestFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_manifest_failures_total",
			Help: "Manifest refreshes that failed",
		}),
		lostSegmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_lost_segments_total",
			Help: "Segments that left the manifest window before they were seen",
		}),
		bytesEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_bytes_emitted_total",
			Help: "Bytes written to the output stream",
		}),
		highestIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepipe_highest_index",
			Help: "Highest segment index processed",
		}),
		emittedSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepipe_emitted_seconds",
			Help: "Cumulative duration of segments written to the output",
		}),
		trackedIndices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepipe_tracked_indices",
			Help: "Indices currently held by the dedup window",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsEmittedTotal,
		m.fetchFailuresTotal,
		m.decryptFailuresTotal,
		m.manifestFailuresTotal,
		m.lostSegmentsTotal,
		m.bytesEmittedTotal,
		m.highestIndex,
		m.emittedSeconds,
		m.trackedIndices,
	)
	return m
}

// IncRequests increments the admin request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the admin error counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncSegmentsEmitted counts a segment that reached the output.
func (m *Metrics) IncSegmentsEmitted(outcome string) {
	if m == nil {
		return
	}
	m.segmentsEmittedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFetchFailures() {
	if m == nil {
		return
	}
	m.fetchFailuresTotal.Inc()
}

func (m *Metrics) IncDecryptFailures() {
	if m == nil {
		return
	}
	m.decryptFailuresTotal.Inc()
}

func (m *Metrics) IncManifestFailures() {
	if m == nil {
		return
	}
	m.manifestFailuresTotal.Inc()
}

// AddLostSegments counts segments skipped by a manifest window shift.
func (m *Metrics) AddLostSegments(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.lostSegmentsTotal.Add(float64(n))
}

// AddBytesEmitted counts bytes written to the output.
func (m *Metrics) AddBytesEmitted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesEmittedTotal.Add(float64(n))
}

func (m *Metrics) SetHighestIndex(i int64) {
	if m == nil {
		return
	}
	m.highestIndex.Set(float64(i))
}

func (m *Metrics) SetEmittedSeconds(s float64) {
	if m == nil {
		return
	}
	m.emittedSeconds.Set(s)
}

func (m *Metrics) SetTrackedIndices(n int) {
	if m == nil {
		return
	}
	m.trackedIndices.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
