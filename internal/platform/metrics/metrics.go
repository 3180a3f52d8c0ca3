// Package metrics exposes Prometheus collectors for the task manager, the
// circuit breakers and the scheduler dashboard.
package metrics

import (
	"net/http"
	"time"

	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskd"

// Metrics holds every collector registered by the service.
type Metrics struct {
	gatherer prometheus.Gatherer

	TasksStarted   *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	TasksInFlight  *prometheus.GaugeVec
	TaskDuration   *prometheus.HistogramVec
	TaskRetries    *prometheus.CounterVec
	QueuedItems    prometheus.Gauge
	BreakerState   *prometheus.GaugeVec
	BreakerChanges *prometheus.CounterVec
	DashboardJobs  *prometheus.GaugeVec
	StaleRecurring prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		TasksStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "started_total",
			Help:      "Tasks accepted by the task manager.",
		}, []string{"task_type"}),

		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status, by task type and status.",
		}, []string{"task_type", "status"}),

		TasksInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "in_flight",
			Help:      "Tasks accepted and not yet finished.",
		}, []string{"task_type"}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Time from task start to its terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"task_type", "status"}),

		TaskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "retries_total",
			Help:      "Retried operation attempts.",
		}, []string{"task_type"}),

		QueuedItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "queue_depth",
			Help:      "Work items waiting for a worker.",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current breaker state: 0 closed, 1 half open, 2 open.",
		}, []string{"name"}),

		BreakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "transitions_total",
			Help:      "Breaker state transitions.",
		}, []string{"name", "from", "to"}),

		DashboardJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Jobs in the latest dashboard snapshot, by kind.",
		}, []string{"kind"}),

		StaleRecurring: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stale_recurring_tasks",
			Help:      "Recurring tasks reported as timed out in the latest snapshot.",
		}),
	}
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TaskStarted implements task.Recorder.
func (m *Metrics) TaskStarted(taskType string) {
	m.TasksStarted.WithLabelValues(taskType).Inc()
	m.TasksInFlight.WithLabelValues(taskType).Inc()
}

// TaskFinished implements task.Recorder.
func (m *Metrics) TaskFinished(taskType string, status domain.TaskStatus, duration time.Duration) {
	m.TasksFinished.WithLabelValues(taskType, string(status)).Inc()
	m.TasksInFlight.WithLabelValues(taskType).Dec()
	m.TaskDuration.WithLabelValues(taskType, string(status)).Observe(duration.Seconds())
}

// TaskRetried implements task.Recorder.
func (m *Metrics) TaskRetried(taskType string) {
	m.TaskRetries.WithLabelValues(taskType).Inc()
}

// QueueDepth implements task.Recorder.
func (m *Metrics) QueueDepth(depth int) {
	m.QueuedItems.Set(float64(depth))
}

// ObserveBreaker is a circuit.StateObserver.
func (m *Metrics) ObserveBreaker(name string, from, to circuit.State) {
	m.BreakerChanges.WithLabelValues(name, string(from), string(to)).Inc()
	m.BreakerState.WithLabelValues(name).Set(stateValue(to))
}

// SnapshotTaken records the shape of a scheduler dashboard snapshot.
func (m *Metrics) SnapshotTaken(recurring, oneTime, stale int) {
	m.DashboardJobs.WithLabelValues("recurring").Set(float64(recurring))
	m.DashboardJobs.WithLabelValues("one_time").Set(float64(oneTime))
	m.StaleRecurring.Set(float64(stale))
}

func stateValue(s circuit.State) float64 {
	switch s {
	case circuit.StateOpen:
		return 2
	case circuit.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
