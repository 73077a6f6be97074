// Package metrics exposes Prometheus instrumentation for the action runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records task and action lifecycle events. All methods are safe on
// a nil receiver so instrumentation can stay unwired in tests.
type Metrics struct {
	taskAttempts  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskDuration  *prometheus.HistogramVec

	actionsStarted  prometheus.Counter
	actionsFinished *prometheus.CounterVec
}

// NewMetrics creates and registers runtime metrics with the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acto_task_attempts_total",
			Help: "Total number of task execution attempts by agent type",
		}, []string{"agent_type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acto_tasks_finished_total",
			Help: "Total number of finished task attempts by agent type and outcome",
		}, []string{"agent_type", "outcome"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acto_tasks_running",
			Help: "Current number of in-flight task attempts",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acto_task_duration_seconds",
			Help:    "Duration of task attempts by agent type",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_type"}),
		actionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acto_actions_started_total",
			Help: "Total number of action runs started",
		}),
		actionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acto_actions_finished_total",
			Help: "Total number of action runs finished by status",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.taskAttempts,
		m.tasksFinished,
		m.tasksRunning,
		m.taskDuration,
		m.actionsStarted,
		m.actionsFinished,
	)

	return m
}

// TaskStarted records the start of a task attempt.
func (m *Metrics) TaskStarted(agentType string) {
	if m == nil {
		return
	}
	m.taskAttempts.WithLabelValues(agentType).Inc()
	m.tasksRunning.Inc()
}

// TaskFinished records the end of a task attempt with its outcome.
func (m *Metrics) TaskFinished(agentType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(agentType, outcome).Inc()
	m.tasksRunning.Dec()
	m.taskDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// ActionStarted increments the started action runs counter.
func (m *Metrics) ActionStarted() {
	if m == nil {
		return
	}
	m.actionsStarted.Inc()
}

// ActionFinished increments the finished action runs counter for the status.
func (m *Metrics) ActionFinished(status string) {
	if m == nil {
		return
	}
	m.actionsFinished.WithLabelValues(status).Inc()
}
