// Package observability exports the engine's Prometheus metrics and
// OpenTelemetry tracing for the scheduler's dispatch-and-run domain.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskforge/internal/events"
	"taskforge/internal/graph"
)

// Metrics holds every gauge/counter/histogram the engine exports: one
// struct, one registry, a handful of Record*/Set* methods, and a
// promhttp.Handler.
type Metrics struct {
	registry *prometheus.Registry

	tasksDispatched  *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	runningRoots     prometheus.Gauge
	workerPoolSize   prometheus.Gauge
	callbackRetries  *prometheus.CounterVec
	busDroppedEvents prometheus.Gauge
}

// New creates a Metrics bound to a fresh Prometheus registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "scheduler",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks the scheduler dispatched to an executor, by terminal status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time an executor invocation took, by terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		runningRoots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "scheduler",
			Name:      "running_roots",
			Help:      "Number of root task ids with an active run.",
		}),
		workerPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "scheduler",
			Name:      "worker_pool_size",
			Help:      "Configured worker pool size.",
		}),
		callbackRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "events",
			Name:      "callback_attempts_total",
			Help:      "Push-callback delivery attempts, by outcome.",
		}, []string{"outcome"}),
		busDroppedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "events",
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped across all topics because a subscriber's buffer was full.",
		}),
	}

	registry.MustRegister(
		m.tasksDispatched,
		m.taskDuration,
		m.runningRoots,
		m.workerPoolSize,
		m.callbackRetries,
		m.busDroppedEvents,
	)
	return m
}

// RecordTaskOutcome records one executor invocation's terminal status and
// duration, called from the executor post-hook this package installs.
func (m *Metrics) RecordTaskOutcome(status graph.Status, duration time.Duration) {
	m.tasksDispatched.WithLabelValues(string(status)).Inc()
	m.taskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordCallbackAttempt records one push-callback HTTP attempt's outcome
// ("success", "retry", "failed").
func (m *Metrics) RecordCallbackAttempt(outcome string) {
	m.callbackRetries.WithLabelValues(outcome).Inc()
}

// SetWorkerPoolSize publishes the configured pool size as a gauge.
func (m *Metrics) SetWorkerPoolSize(n int) {
	m.workerPoolSize.Set(float64(n))
}

// Poll refreshes the gauges this package cannot update event-driven:
// running-root count (from the scheduler) and total dropped events (from
// the event bus's own counters). Called on a ticker by Server.
func (m *Metrics) Poll(runningRoots int, busMetrics events.Metrics) {
	m.runningRoots.Set(float64(runningRoots))
	m.busDroppedEvents.Set(float64(busMetrics.DroppedEvents))
}

// Handler returns the HTTP handler Server mounts at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
