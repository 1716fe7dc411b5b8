// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the hive orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Queue depth gauges
	queueGlobalLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_queue_global_length",
		Help: "Current number of tasks waiting in the global ready queue",
	})

	queuePerDroneLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hive_queue_per_drone_length",
		Help: "Current number of tasks waiting in a per-drone queue",
	}, []string{"drone_id"})

	// Task flow counters
	tasksEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_tasks_enqueued_total",
		Help: "Total number of tasks accepted into the global ready queue",
	})

	tasksQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_tasks_queued_total",
		Help: "Total number of tasks placed into a per-drone queue",
	}, []string{"drone_id"})

	tasksDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_tasks_dispatched_total",
		Help: "Total number of commands dispatched to a drone",
	}, []string{"drone_id"})

	tasksRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_tasks_requeued_total",
		Help: "Total number of tasks re-enqueued after a failed dispatch attempt",
	})

	tasksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_tasks_rejected_total",
		Help: "Total number of tasks rejected before queueing, by reason",
	}, []string{"reason"})

	// Command lifecycle counters
	commandsAckTimeoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_commands_ack_timeout_total",
		Help: "Total number of dispatched commands that were never acknowledged in time",
	}, []string{"drone_id"})

	commandsAcknowledgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_commands_acknowledged_total",
		Help: "Total number of commands acknowledged by drones",
	}, []string{"drone_id"})

	commandsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_commands_completed_total",
		Help: "Total number of commands completed successfully",
	}, []string{"drone_id"})

	commandsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_commands_failed_total",
		Help: "Total number of commands that failed after dispatch",
	}, []string{"drone_id"})

	// Persona backoff counters
	personaMissingRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_tasks_persona_missing_retry_total",
		Help: "Total number of persona-missing retries scheduled",
	})

	personaMissingFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_tasks_persona_missing_failed_total",
		Help: "Total number of tasks dead-lettered after exhausting persona retries",
	})

	personaMissingRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_tasks_persona_missing_requeued_total",
		Help: "Total number of persona-missing tasks returned to the ready queue",
	})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hive_dispatch_duration_seconds",
		Help:    "Time spent in a single dispatch attempt, admission through publish",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)

// SetQueueGlobalLength records the current depth of the ready queue.
func SetQueueGlobalLength(n int) { queueGlobalLength.Set(float64(n)) }

// SetQueuePerDroneLength records the current depth of a drone's queue.
func SetQueuePerDroneLength(droneID string, n int) {
	queuePerDroneLength.WithLabelValues(droneID).Set(float64(n))
}

// DeleteQueuePerDroneLength removes the gauge series for a torn-down drone queue.
func DeleteQueuePerDroneLength(droneID string) {
	queuePerDroneLength.DeleteLabelValues(droneID)
}

func IncTasksEnqueued()             { tasksEnqueuedTotal.Inc() }
func IncTasksQueued(droneID string) { tasksQueuedTotal.WithLabelValues(droneID).Inc() }
func IncTasksRequeued()             { tasksRequeuedTotal.Inc() }
func IncTaskRejected(reason string) { tasksRejectedTotal.WithLabelValues(reason).Inc() }

// IncTasksDispatched records a successful publish to a drone group.
func IncTasksDispatched(droneID string) {
	tasksDispatchedTotal.WithLabelValues(droneID).Inc()
}

func IncCommandAckTimeout(droneID string) {
	commandsAckTimeoutTotal.WithLabelValues(droneID).Inc()
}

func IncCommandAcknowledged(droneID string) {
	commandsAcknowledgedTotal.WithLabelValues(droneID).Inc()
}

func IncCommandCompleted(droneID string) {
	commandsCompletedTotal.WithLabelValues(droneID).Inc()
}

func IncCommandFailed(droneID string) {
	commandsFailedTotal.WithLabelValues(droneID).Inc()
}

func IncPersonaMissingRetry()    { personaMissingRetryTotal.Inc() }
func IncPersonaMissingFailed()   { personaMissingFailedTotal.Inc() }
func IncPersonaMissingRequeued() { personaMissingRequeuedTotal.Inc() }

// ObserveDispatchDuration records how long one dispatch attempt took.
func ObserveDispatchDuration(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}

// GetCommandsCompleted returns the completed counter for a drone (for testing).
func GetCommandsCompleted(droneID string) float64 {
	return counterValue(commandsCompletedTotal.WithLabelValues(droneID))
}

// GetCommandsFailed returns the failed counter for a drone (for testing).
func GetCommandsFailed(droneID string) float64 {
	return counterValue(commandsFailedTotal.WithLabelValues(droneID))
}

// GetCommandsAckTimeout returns the ack-timeout counter for a drone (for testing).
func GetCommandsAckTimeout(droneID string) float64 {
	return counterValue(commandsAckTimeoutTotal.WithLabelValues(droneID))
}

// GetTasksRequeued returns the requeue counter value (for testing).
func GetTasksRequeued() float64 {
	return counterValue(tasksRequeuedTotal)
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
