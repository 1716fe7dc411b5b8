// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hive_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_http_requests_in_flight",
		Help: "Current number of HTTP requests being served",
	})
)

// ObserveHTTPRequest records the latency of one served request.
func ObserveHTTPRequest(method, path, status string, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

// IncHTTPInFlight tracks a request entering the handler chain.
func IncHTTPInFlight() { httpRequestsInFlight.Inc() }

// DecHTTPInFlight tracks a request leaving the handler chain.
func DecHTTPInFlight() { httpRequestsInFlight.Dec() }
