package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	retrieverDuration *prometheus.HistogramVec
	degradedTotal     *prometheus.CounterVec
	decisionsTotal    *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kedb",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kedb",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	retrieverDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kedb",
			Subsystem: "retrieval",
			Name:      "retriever_duration_seconds",
			Help:      "Retriever call duration in seconds by retriever and outcome.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"service", "retriever", "outcome"},
	)
	degradedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "retrieval",
			Name:      "degraded_total",
			Help:      "Total degraded retrievals by reason.",
		},
		[]string{"service", "reason"},
	)
	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Total policy gate decisions by outcome.",
		},
		[]string{"service", "outcome"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		retrieverDuration,
		degradedTotal,
		decisionsTotal,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		service:           service,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		retrieverDuration: retrieverDuration,
		degradedTotal:     degradedTotal,
		decisionsTotal:    decisionsTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Register adds collectors owned by other components, such as the sync
// metrics of an API process that also enqueues tasks.
func (m *HTTPServerMetrics) Register(collectors ...prometheus.Collector) {
	m.registry.MustRegister(collectors...)
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		path := routeLabel(r)
		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routeLabel prefers the chi pattern the request matched, which is only
// known after routing. Unrouted requests fall back to normalizePath.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/agent/sessions/"):
		return "/v1/agent/sessions/{session_id}"
	case strings.HasPrefix(path, "/v1/"), path == "/healthz", path == "/metrics", path == "/openapi.yaml":
		return path
	default:
		return "unmatched"
	}
}

func (m *HTTPServerMetrics) ObserveRetriever(retriever, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.retrieverDuration.WithLabelValues(m.service, retriever, outcome).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordDegraded(reason string) {
	m.degradedTotal.WithLabelValues(m.service, reason).Inc()
}

func (m *HTTPServerMetrics) RecordDecision(outcome string) {
	m.decisionsTotal.WithLabelValues(m.service, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
