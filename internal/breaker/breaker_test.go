package breaker

import (
	"testing"
	"time"
)

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New(cfg)
	clk := &fakeClock{t: time.Unix(0, 0)}
	b.now = clk.Now
	return b, clk
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.RetryTimeout = 10 * time.Second
	b, clk := newTestBreaker(cfg)

	if !b.ShouldAllowRequest() {
		t.Fatal("expected initial state to allow requests")
	}
	b.RecordFailure()
	b.RecordFailure()
	if !b.ShouldAllowRequest() {
		t.Fatal("not yet at threshold, should still allow")
	}
	b.RecordFailure()

	if b.ShouldAllowRequest() {
		t.Error("expected breaker to be open")
	}
	if b.State() != Open {
		t.Errorf("got state %v, want Open", b.State())
	}

	clk.Advance(cfg.RetryTimeout)
	if !b.ShouldAllowRequest() {
		t.Error("expected retry timeout to allow a probe request")
	}
	if b.State() != HalfOpen {
		t.Errorf("got state %v, want HalfOpen", b.State())
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("got state %v, want Open", b.State())
	}
	if b.ShouldAllowRequest() {
		t.Error("expected breaker to re-open after half-open failure")
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.RetryTimeout = time.Second
	b, clk := newTestBreaker(cfg)

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("got state %v, want Open", b.State())
	}

	clk.Advance(cfg.RetryTimeout)
	if !b.ShouldAllowRequest() {
		t.Fatal("expected retry timeout to allow a probe request")
	}
	if b.State() != HalfOpen {
		t.Fatalf("got state %v, want HalfOpen", b.State())
	}

	b.RecordSuccess()
	if b.State() != HalfOpen {
		t.Errorf("one success is not enough, got state %v", b.State())
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("got state %v, want Closed", b.State())
	}
}

func TestBreaker_LatencySampleBufferBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLatencySamples = 5
	b, _ := newTestBreaker(cfg)

	for i := 0; i < 50; i++ {
		b.RecordLatency(100)
	}
	m := b.GetMetrics()
	if m.SampleCount != 5 {
		t.Errorf("got %d samples, want 5", m.SampleCount)
	}
}

func TestBreaker_RecordLatencyRejectsInvalid(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	b.RecordLatency(0)
	b.RecordLatency(-5)
	b.RecordLatency(86_400_001)
	if got := b.GetMetrics().SampleCount; got != 0 {
		t.Errorf("got %d samples, want 0", got)
	}

	b.RecordLatency(150)
	if got := b.GetMetrics().SampleCount; got != 1 {
		t.Errorf("got %d samples, want 1", got)
	}
}

func TestBreaker_LatencyBasedTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LatencyThreshold = 500 * time.Millisecond
	cfg.LatencyConsecutiveChecks = 3
	cfg.LatencyWindow = time.Minute
	b, _ := newTestBreaker(cfg)

	b.RecordLatency(600)
	b.RecordLatency(700)
	if b.State() != Closed {
		t.Fatalf("got state %v, want Closed before threshold checks met", b.State())
	}
	b.RecordLatency(800)
	if b.State() != Open {
		t.Errorf("got state %v, want Open", b.State())
	}
}

func TestBreaker_Percentiles(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	for _, v := range []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		b.RecordLatency(v)
	}
	m := b.GetMetrics()
	if diff := m.MinLatencyMs - 10; diff > 0.001 || diff < -0.001 {
		t.Errorf("got MinLatencyMs %v, want ~10", m.MinLatencyMs)
	}
	if diff := m.MaxLatencyMs - 100; diff > 0.001 || diff < -0.001 {
		t.Errorf("got MaxLatencyMs %v, want ~100", m.MaxLatencyMs)
	}
	if diff := m.AvgLatencyMs - 55; diff > 0.001 || diff < -0.001 {
		t.Errorf("got AvgLatencyMs %v, want ~55", m.AvgLatencyMs)
	}
	if m.P95LatencyMs <= m.P50LatencyMs {
		t.Errorf("expected P95 (%v) > P50 (%v)", m.P95LatencyMs, m.P50LatencyMs)
	}
}

func TestBreaker_TripAndResetAreManual(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	b.Trip()
	if b.State() != Open {
		t.Fatalf("got state %v, want Open", b.State())
	}
	b.Reset()
	if b.State() != Closed {
		t.Errorf("got state %v, want Closed", b.State())
	}
	if got := b.GetMetrics().SampleCount; got != 0 {
		t.Errorf("got %d samples after reset, want 0", got)
	}
}

func TestBreaker_MetricsCopyOutDoesNotBlockWrites(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.RecordLatency(float64(i + 1))
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = b.GetMetrics()
	}
	<-done
}
