// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	domainSessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hive_domain_sessions_active",
		Help: "Current number of active sessions per registrable domain",
	}, []string{"domain"})

	domainDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_domain_denied_total",
		Help: "Total number of domain lease denials, by reason",
	}, []string{"reason"})

	domainStatesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_domain_states_tracked",
		Help: "Current number of domain states held by the limiter",
	})
)

// SetDomainSessionsActive records the active session count for a domain.
func SetDomainSessionsActive(domain string, n int) {
	domainSessionsActive.WithLabelValues(domain).Set(float64(n))
}

// DeleteDomainSessions removes the gauge series for a swept domain state.
func DeleteDomainSessions(domain string) {
	domainSessionsActive.DeleteLabelValues(domain)
}

// IncDomainDenied records a lease denial with a concrete reason.
func IncDomainDenied(reason string) {
	domainDeniedTotal.WithLabelValues(reason).Inc()
}

// SetDomainStatesTracked records how many domain states the limiter holds.
func SetDomainStatesTracked(n int) {
	domainStatesTracked.Set(float64(n))
}

// GetDomainSessionsActive returns the gauge value for a domain (for testing).
func GetDomainSessionsActive(domain string) float64 {
	var m dto.Metric
	if err := domainSessionsActive.WithLabelValues(domain).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
