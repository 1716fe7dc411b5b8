// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	busDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_bus_dropped_total",
		Help: "Total number of in-memory bus message drops by group and reason",
	}, []string{"group", "reason"})

	busPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_bus_published_total",
		Help: "Total number of messages published to a group",
	}, []string{"group"})
)

// IncBusDrop records a dropped bus message for the given group.
func IncBusDrop(group string) {
	IncBusDropReason(group, "full")
}

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(group, reason string) {
	if group == "" {
		group = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	busDroppedTotal.WithLabelValues(group, reason).Inc()
}

// IncBusPublished records a message delivered to a group.
func IncBusPublished(group string) {
	if group == "" {
		group = "unknown"
	}
	busPublishedTotal.WithLabelValues(group).Inc()
}
