// Package metrics centralizes the process's Prometheus collectors.
// Grounded on the teacher's internal/observability/metrics.go
// (promauto-registered CounterVec/HistogramVec/GaugeVec, one struct built
// once at startup and injected into collaborators), generalized from
// channel/session metrics to the gateway's breaker and cluster domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway publishes at /v1/metrics.
type Metrics struct {
	// BreakerState is 0=closed, 1=half_open, 2=open, per breaker name.
	BreakerState *prometheus.GaugeVec

	// BreakerTrips counts transitions into the open state, by breaker name.
	BreakerTrips *prometheus.CounterVec

	// RequestDuration measures backend request latency in seconds.
	// Labels: backend, status (success|error)
	RequestDuration *prometheus.HistogramVec

	// ClusterNodeHealthy is 1 when a cluster node is healthy, else 0.
	ClusterNodeHealthy *prometheus.GaugeVec

	// ClusterNodesInFlight tracks in-flight requests per node.
	ClusterNodesInFlight *prometheus.GaugeVec

	// CacheHitRatio tracks the cache monitor's hit ratio by fingerprint.
	CacheHitRatio *prometheus.GaugeVec
}

// New registers every collector against the default Prometheus registry.
// Call once at process startup and share the result.
func New() *Metrics {
	return &Metrics{
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anyclaude_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
			},
			[]string{"breaker"},
		),
		BreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyclaude_breaker_trips_total",
				Help: "Total number of times a circuit breaker tripped open.",
			},
			[]string{"breaker"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anyclaude_backend_request_duration_seconds",
				Help:    "Duration of outbound backend requests in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend", "status"},
		),
		ClusterNodeHealthy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anyclaude_cluster_node_healthy",
				Help: "1 if the cluster node is healthy, else 0.",
			},
			[]string{"node_id"},
		),
		ClusterNodesInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anyclaude_cluster_node_requests_in_flight",
				Help: "Current in-flight request count per cluster node.",
			},
			[]string{"node_id"},
		),
		CacheHitRatio: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anyclaude_cache_hit_ratio",
				Help: "Cache monitor hit ratio per prompt fingerprint.",
			},
			[]string{"fingerprint"},
		),
	}
}

// StateValue maps a breaker state name to the numeric gauge value this
// package publishes (spec §4.6 "closed/half_open/open").
func StateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
