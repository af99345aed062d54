package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the capture server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	chunksIngested   prometheus.Counter
	chunkBytes       prometheus.Counter
	duplicateChunks  prometheus.Counter
	storageErrors    prometheus.Counter
	framesAnalyzed   prometheus.Counter
	framesDropped    prometheus.Counter
	analyzerTimeouts prometheus.Counter
	sessionsOpened   prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	finalizeDuration prometheus.Histogram
	authFailures     prometheus.Counter
	routeResponses   *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the capture server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		chunksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_chunks_ingested_total",
			Help: "Total number of chunks persisted for the first time",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_chunk_bytes_total",
			Help: "Total bytes of persisted chunks",
		}),
		duplicateChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_duplicate_chunks_total",
			Help: "Total number of chunk submissions rejected as duplicates",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_chunk_storage_errors_total",
			Help: "Total number of chunk writes that failed",
		}),
		framesAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_frames_analyzed_total",
			Help: "Total number of frames with a delivered analysis result",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_frames_dropped_total",
			Help: "Total number of frames dropped on analysis queue overflow",
		}),
		analyzerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_analyzer_timeouts_total",
			Help: "Total number of frames whose analysis timed out",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_opened_total",
			Help: "Total number of sessions opened",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_sessions_finished_total",
			Help: "Total number of sessions that reached a terminal state",
		}, []string{"state", "reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capture_active_sessions",
			Help: "Number of sessions currently registered",
		}),
		finalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_finalize_duration_seconds",
			Help:    "Time spent merging chunks into the final recording",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_auth_failures_total",
			Help: "Total number of rejected session open attempts",
		}),
		routeResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_route_responses_total",
			Help: "HTTP responses by chi route pattern and status class",
		}, []string{"route", "class"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.chunksIngested,
		m.chunkBytes,
		m.duplicateChunks,
		m.storageErrors,
		m.framesAnalyzed,
		m.framesDropped,
		m.analyzerTimeouts,
		m.sessionsOpened,
		m.sessionsFinished,
		m.activeSessions,
		m.finalizeDuration,
		m.authFailures,
		m.routeResponses,
	)

	return m
}

// ObserveResponse counts one response for route. Upgraded WebSocket
// connections are reported with class "upgrade".
func (m *Metrics) ObserveResponse(route string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
	if status >= 400 {
		m.errorsTotal.Inc()
	}
	if route == "" {
		route = "unmatched"
	}
	m.routeResponses.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status == http.StatusSwitchingProtocols:
		return "upgrade"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// ChunkIngested records one newly persisted chunk of size bytes.
func (m *Metrics) ChunkIngested(size int) {
	if m != nil {
		m.chunksIngested.Inc()
		m.chunkBytes.Add(float64(size))
	}
}

func (m *Metrics) IncDuplicateChunks() {
	if m != nil {
		m.duplicateChunks.Inc()
	}
}

func (m *Metrics) IncStorageErrors() {
	if m != nil {
		m.storageErrors.Inc()
	}
}

func (m *Metrics) IncFramesAnalyzed() {
	if m != nil {
		m.framesAnalyzed.Inc()
	}
}

func (m *Metrics) IncFramesDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) IncAnalyzerTimeouts() {
	if m != nil {
		m.analyzerTimeouts.Inc()
	}
}

func (m *Metrics) IncSessionsOpened() {
	if m != nil {
		m.sessionsOpened.Inc()
	}
}

func (m *Metrics) IncAuthFailures() {
	if m != nil {
		m.authFailures.Inc()
	}
}

// SessionFinished counts a session reaching state for the given close reason.
func (m *Metrics) SessionFinished(state, reason string) {
	if m != nil {
		m.sessionsFinished.WithLabelValues(state, reason).Inc()
	}
}

// ObserveFinalize records how long a finalize took.
func (m *Metrics) ObserveFinalize(d time.Duration) {
	if m != nil {
		m.finalizeDuration.Observe(d.Seconds())
	}
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
