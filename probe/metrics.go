package probe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	endpointHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_endpoint_healthy",
			Help: "Provider endpoint liveness-probe status (1 healthy, 0 unhealthy).",
		},
		[]string{"endpoint_id"},
	)
	endpointProbeLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_endpoint_probe_latency_ms",
			Help:    "Endpoint liveness-probe latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"endpoint_id"},
	)
	endpointProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_endpoint_probe_failures_total",
			Help: "Total endpoint liveness-probe failures.",
		},
		[]string{"endpoint_id"},
	)
)

func init() {
	prometheus.MustRegister(
		endpointHealthy,
		endpointProbeLatencyMs,
		endpointProbeFailuresTotal,
	)
}

func observeProbe(endpointID string, healthy bool, latency time.Duration, err error) {
	if endpointID == "" {
		endpointID = "unknown"
	}
	if healthy {
		endpointHealthy.WithLabelValues(endpointID).Set(1)
	} else {
		endpointHealthy.WithLabelValues(endpointID).Set(0)
	}
	if latency > 0 {
		endpointProbeLatencyMs.WithLabelValues(endpointID).Observe(float64(latency.Milliseconds()))
	}
	if err != nil {
		endpointProbeFailuresTotal.WithLabelValues(endpointID).Inc()
	}
}
