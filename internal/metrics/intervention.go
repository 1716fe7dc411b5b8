// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	interventionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_drone_interventions_total",
		Help: "Total number of operator interventions initiated, by reason",
	}, []string{"reason"})

	interventionWindowMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hive_drone_intervention_window_ms",
		Help:    "Duration of completed intervention windows in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
	})

	interventionTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_drone_intervention_timeouts_total",
		Help: "Total number of interventions closed by the window timer",
	})

	interventionStepTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_drone_intervention_step_timeouts_total",
		Help: "Total number of interventions closed by the step timer",
	})
)

// IncIntervention records an initiated intervention with its trigger reason.
func IncIntervention(reason string) {
	interventionsTotal.WithLabelValues(reason).Inc()
}

// ObserveInterventionWindow records the wall time an intervention stayed open.
func ObserveInterventionWindow(d time.Duration) {
	interventionWindowMs.Observe(float64(d.Milliseconds()))
}

func IncInterventionTimeout()     { interventionTimeoutsTotal.Inc() }
func IncInterventionStepTimeout() { interventionStepTimeoutsTotal.Inc() }

// GetInterventions returns the counter value for a reason (for testing).
func GetInterventions(reason string) float64 {
	var m dto.Metric
	if err := interventionsTotal.WithLabelValues(reason).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
