// Package metrics exposes Prometheus instrumentation for the Dispatcher,
// Scheduler, and Supervisor, served by internal/diag on a loopback-only
// endpoint separate from the mTLS control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pueued_tasks_submitted_total",
			Help: "Total number of tasks added to the queue",
		},
		[]string{"group"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pueued_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"group", "result"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pueued_task_duration_seconds",
			Help:    "Task execution duration from start to end, in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 18), // 10ms to ~22min
		},
		[]string{"group"},
	)

	// Group/queue metrics
	GroupQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pueued_group_queue_depth",
			Help: "Current number of Queued tasks waiting in a group",
		},
		[]string{"group"},
	)

	GroupRunningTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pueued_group_running_tasks",
			Help: "Current number of Running tasks in a group",
		},
		[]string{"group"},
	)

	GroupParallelLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pueued_group_parallel_limit",
			Help: "Configured parallel limit for a group (0 = unlimited)",
		},
		[]string{"group"},
	)

	// Dispatcher metrics
	DispatcherTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pueued_dispatcher_tick_duration_seconds",
			Help:    "Time spent handling one Dispatcher timer tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	DispatcherCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pueued_dispatcher_commands_total",
			Help: "Total number of commands handled by the Dispatcher",
		},
		[]string{"command", "outcome"},
	)

	// Supervisor metrics
	SpawnFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pueued_spawn_failures_total",
			Help: "Total number of tasks that failed to spawn",
		},
	)

	// Transport metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pueued_active_connections",
			Help: "Current number of authenticated client connections",
		},
	)

	AuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pueued_auth_failures_total",
			Help: "Total number of failed mTLS or shared-secret challenges",
		},
	)
)

// RecordTaskSubmitted records a task being added to group.
func RecordTaskSubmitted(group string) {
	TasksSubmitted.WithLabelValues(group).Inc()
}

// RecordTaskCompleted records a task reaching a terminal state, along
// with its wall-clock run duration.
func RecordTaskCompleted(group, result string, durationSeconds float64) {
	TasksCompleted.WithLabelValues(group, result).Inc()
	TaskDuration.WithLabelValues(group).Observe(durationSeconds)
}

// SetGroupQueueDepth updates the Queued-task gauge for group.
func SetGroupQueueDepth(group string, depth float64) {
	GroupQueueDepth.WithLabelValues(group).Set(depth)
}

// SetGroupRunningTasks updates the Running-task gauge for group.
func SetGroupRunningTasks(group string, count float64) {
	GroupRunningTasks.WithLabelValues(group).Set(count)
}

// SetGroupParallelLimit updates the configured parallel-limit gauge for
// group.
func SetGroupParallelLimit(group string, limit float64) {
	GroupParallelLimit.WithLabelValues(group).Set(limit)
}

// RecordDispatcherCommand records one handled command and its outcome
// ("ok" or an error kind string).
func RecordDispatcherCommand(command, outcome string) {
	DispatcherCommandsTotal.WithLabelValues(command, outcome).Inc()
}

// RecordSpawnFailure increments the spawn-failure counter.
func RecordSpawnFailure() {
	SpawnFailuresTotal.Inc()
}

// RecordAuthFailure increments the auth-failure counter.
func RecordAuthFailure() {
	AuthFailuresTotal.Inc()
}

// SetActiveConnections updates the active-connections gauge.
func SetActiveConnections(count float64) {
	ActiveConnections.Set(count)
}
