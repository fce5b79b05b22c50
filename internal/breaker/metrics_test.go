package breaker

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/anyclaude/gateway/internal/metrics"
)

func TestBreaker_PublishesStateGauge(t *testing.T) {
	m := metrics.New()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	b := New(cfg)
	b.SetMetrics(m, "node-a")

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("node-a")); got != 0 {
		t.Errorf("got initial state gauge %v, want 0", got)
	}

	b.RecordFailure()

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("node-a")); got != 2 {
		t.Errorf("got state gauge %v after open, want 2", got)
	}
	if b.State() != Open {
		t.Fatalf("got state %v, want Open", b.State())
	}
	if got := testutil.ToFloat64(m.BreakerTrips.WithLabelValues("node-a")); got != 1 {
		t.Errorf("got trips counter %v, want 1", got)
	}
}
