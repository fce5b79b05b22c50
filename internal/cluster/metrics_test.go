package cluster

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/anyclaude/gateway/internal/metrics"
)

func TestRouter_PublishesNodeHealthGauge(t *testing.T) {
	m := metrics.New()
	r := newTestRouter(t, StrategyRoundRobin, Seed{ID: "a", URL: "http://a"})
	r.SetMetrics(m)

	r.recordProbeResult("a", 0, nil)

	if got := testutil.ToFloat64(m.ClusterNodeHealthy.WithLabelValues("a")); got != 1 {
		t.Fatalf("got health gauge %v, want 1", got)
	}

	r.recordProbeResult("a", 0, context.DeadlineExceeded)
	r.recordProbeResult("a", 0, context.DeadlineExceeded)
	r.recordProbeResult("a", 0, context.DeadlineExceeded)

	if got := testutil.ToFloat64(m.ClusterNodeHealthy.WithLabelValues("a")); got != 0 {
		t.Errorf("got health gauge %v after failures, want 0", got)
	}
}
