// Package admin implements the Admin Endpoints (spec.md §4.10): liveness
// and readiness probes, a Prometheus /v1/metrics endpoint, and a JSON
// circuit-breaker snapshot. Grounded on the teacher's
// internal/gateway/http_server.go (bare mux, promhttp.Handler mounted at
// a fixed path, a handleHealthz in the same style) and
// internal/observability/metrics.go (promauto-registered Vec metrics).
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anyclaude/gateway/internal/breaker"
	"github.com/anyclaude/gateway/internal/cluster"
)

// ReadyChecker reports whether the process is ready to accept traffic
// (spec §4.10 "ready when the breaker is not OPEN").
type ReadyChecker interface {
	Ready() (bool, string)
}

// BreakerReadyChecker reports not-ready while its breaker is OPEN (spec
// §4.10 "GET /health/ready ... 503 with breaker state and failure count").
type BreakerReadyChecker struct {
	Breaker *breaker.Breaker
}

func (c BreakerReadyChecker) Ready() (bool, string) {
	if c.Breaker == nil {
		return true, ""
	}
	if c.Breaker.State() == breaker.Open {
		m := c.Breaker.GetMetrics()
		return false, fmt.Sprintf("circuit breaker open: %d total failures", m.TotalFailures)
	}
	return true, ""
}

// ClusterReadyChecker adapts a cluster.Router to ReadyChecker: ready once
// at least one node is healthy.
type ClusterReadyChecker struct {
	Router *cluster.Router
}

func (c ClusterReadyChecker) Ready() (bool, string) {
	if c.Router == nil {
		return true, "no cluster configured"
	}
	nodes := c.Router.Nodes()
	for _, n := range nodes {
		if n.Status == cluster.StatusHealthy {
			return true, ""
		}
	}
	return false, "no healthy cluster node"
}

// StaticReady always reports ready (single-backend modes with no cluster
// to probe).
type StaticReady struct{}

func (StaticReady) Ready() (bool, string) { return true, "" }

// Mux builds the admin HTTP handler: /health/live, /health/ready,
// /v1/metrics, /v1/circuit-breaker/metrics (spec §4.10).
func Mux(ready ReadyChecker, globalBreaker *breaker.Breaker, router *cluster.Router) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health/live", handleLive)
	mux.HandleFunc("/health/ready", handleReady(ready))
	mux.Handle("/v1/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/circuit-breaker/metrics", handleBreakerMetrics(globalBreaker, router))

	return mux
}

func handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func handleReady(ready ReadyChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, reason := ready.Ready()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "reason": reason})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

// breakerSnapshot is the JSON shape returned by /v1/circuit-breaker/metrics
// (spec §4.10 "JSON snapshot of every breaker's state and percentiles").
type breakerSnapshot struct {
	Global *breaker.Metrics            `json:"global,omitempty"`
	Nodes  map[string]breaker.Metrics `json:"nodes,omitempty"`
}

func handleBreakerMetrics(globalBreaker *breaker.Breaker, router *cluster.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := breakerSnapshot{}
		if globalBreaker != nil {
			m := globalBreaker.GetMetrics()
			snap.Global = &m
		}
		if router != nil {
			snap.Nodes = router.BreakerMetrics()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(snap)
	}
}
