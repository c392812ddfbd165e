package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics covers the index synchronizer: applies, queue lag, admission
// and dead letters.
type SyncMetrics struct {
	registry *prometheus.Registry
	service  string

	taskTotal        *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	taskInFlight     prometheus.Gauge
	queueLag         *prometheus.HistogramVec
	enqueueTotal     *prometheus.CounterVec
	deadLettersTotal *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	queueErrorsTotal *prometheus.CounterVec
}

func NewSyncMetrics(service string) *SyncMetrics {
	registry := prometheus.NewRegistry()

	taskTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "tasks_total",
			Help:      "Total handled sync tasks by operation and outcome.",
		},
		[]string{"service", "op", "outcome"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "task_duration_seconds",
			Help:      "Sync task handling duration in seconds, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "op", "outcome"},
	)
	taskInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "tasks_in_flight",
			Help:      "Number of sync tasks being applied.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "queue_lag_seconds",
			Help:      "Delay between task admission and apply start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	enqueueTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "enqueue_total",
			Help:      "Total sync task admissions by outcome.",
		},
		[]string{"service", "outcome"},
	)
	deadLettersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "dead_letters_total",
			Help:      "Total dead-lettered sync tasks by kind.",
		},
		[]string{"service", "kind"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Total retried apply attempts by operation.",
		},
		[]string{"service", "operation"},
	)
	queueErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kedb",
			Subsystem: "sync",
			Name:      "queue_errors_total",
			Help:      "Total asynchronous queue client errors by kind.",
		},
		[]string{"service", "kind"},
	)

	m := &SyncMetrics{
		registry:         registry,
		service:          service,
		taskTotal:        taskTotal,
		taskDuration:     taskDuration,
		taskInFlight:     taskInFlight,
		queueLag:         queueLag,
		enqueueTotal:     enqueueTotal,
		deadLettersTotal: deadLettersTotal,
		retriesTotal:     retriesTotal,
		queueErrorsTotal: queueErrorsTotal,
	}
	registry.MustRegister(m.Collectors()...)
	return m
}

func (m *SyncMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *SyncMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.taskTotal,
		m.taskDuration,
		m.taskInFlight,
		m.queueLag,
		m.enqueueTotal,
		m.deadLettersTotal,
		m.retriesTotal,
		m.queueErrorsTotal,
	}
}

func (m *SyncMetrics) StartTask() {
	m.taskInFlight.Inc()
}

func (m *SyncMetrics) FinishTask(op, outcome string, duration time.Duration) {
	m.taskInFlight.Dec()
	m.taskTotal.WithLabelValues(m.service, op, outcome).Inc()
	m.taskDuration.WithLabelValues(m.service, op, outcome).Observe(duration.Seconds())
}

func (m *SyncMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

func (m *SyncMetrics) RecordEnqueue(outcome string) {
	m.enqueueTotal.WithLabelValues(m.service, outcome).Inc()
}

func (m *SyncMetrics) RecordDeadLetter(kind string) {
	m.deadLettersTotal.WithLabelValues(m.service, kind).Inc()
}

// RecordRetry matches resilience.RetryObserver.
func (m *SyncMetrics) RecordRetry(operation string, _ int, _ time.Duration, _ error) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *SyncMetrics) RecordQueueError(kind string) {
	m.queueErrorsTotal.WithLabelValues(m.service, kind).Inc()
}
