// Package breaker implements the gateway's circuit breaker (spec.md §4.1):
// a three-state (CLOSED/OPEN/HALF_OPEN) failure and latency detector with a
// bounded rolling latency sample buffer. The shape mirrors the teacher's
// internal/agent/routing.Router unhealthy-cooldown map, generalized into a
// full state machine with percentile reporting.
package breaker

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/anyclaude/gateway/internal/metrics"
)

// State is one of the three circuit-breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker's tunable thresholds (spec §4.1).
type Config struct {
	FailureThreshold         int
	SuccessThreshold         int
	RetryTimeout             time.Duration
	RequestTimeout           time.Duration
	LatencyThreshold         time.Duration // 0 disables latency-based tripping
	LatencyConsecutiveChecks int
	LatencyWindow            time.Duration
	MaxLatencySamples        int
}

// DefaultConfig matches the teacher's conservative defaults for this class
// of collaborator-health detector.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		SuccessThreshold:         2,
		RetryTimeout:             30 * time.Second,
		RequestTimeout:           60 * time.Second,
		LatencyThreshold:         0,
		LatencyConsecutiveChecks: 3,
		LatencyWindow:            60 * time.Second,
		MaxLatencySamples:        500,
	}
}

type sample struct {
	at      time.Time
	latency time.Duration
}

// Breaker is a single circuit breaker instance. Safe for concurrent use;
// metrics reads never block writes (copy-out, spec §4.1 "Failure model").
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	consecutiveHighLat  int
	nextAttemptAt       time.Time
	openedAt            time.Time

	totalSuccesses int64
	totalFailures  int64

	samples []sample

	now func() time.Time

	name string
	obs  *metrics.Metrics
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	if cfg.MaxLatencySamples <= 0 {
		cfg.MaxLatencySamples = 500
	}
	return &Breaker{cfg: cfg, state: Closed, now: time.Now}
}

// SetMetrics attaches a Prometheus collector set and a label under which
// this breaker's state and trip count are published (spec §4.1 state
// published for observability; SPEC_FULL.md §4 breaker/cluster publish
// gauges through the shared Metrics collector set).
func (b *Breaker) SetMetrics(m *metrics.Metrics, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.obs = m
	b.name = name
	b.publishStateLocked()
}

// publishStateLocked reports the current state to the attached collector,
// if any. Caller must hold mu.
func (b *Breaker) publishStateLocked() {
	if b.obs == nil {
		return
	}
	b.obs.BreakerState.WithLabelValues(b.name).Set(metrics.StateValue(b.state.String()))
}

// ShouldAllowRequest reports whether a request may proceed. In OPEN it
// returns false until the retry timeout has elapsed, at which point it
// transitions to HALF_OPEN and returns true (spec §4.1).
func (b *Breaker) ShouldAllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if !b.now().Before(b.nextAttemptAt) {
			b.state = HalfOpen
			b.consecutiveSuccess = 0
			b.publishStateLocked()
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0

	switch b.state {
	case HalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveSuccess = 0
			b.publishStateLocked()
		}
	case Open:
		// Stray success recorded against a still-open breaker; ignore state
		// transition, only clear the failure streak.
	}
}

// RecordFailure records a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveSuccess = 0

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// RecordLatency records a latency sample in milliseconds, rejecting
// non-positive, non-finite, or implausibly large (>24h) values (spec §4.1).
func (b *Breaker) RecordLatency(ms float64) {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) || ms > 86_400_000 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.samples = append(b.samples, sample{at: now, latency: time.Duration(ms * float64(time.Millisecond))})
	if len(b.samples) > b.cfg.MaxLatencySamples {
		b.samples = b.samples[len(b.samples)-b.cfg.MaxLatencySamples:]
	}

	if b.cfg.LatencyThreshold <= 0 {
		return
	}

	if time.Duration(ms*float64(time.Millisecond)) > b.cfg.LatencyThreshold {
		b.consecutiveHighLat++
	} else {
		b.consecutiveHighLat = 0
	}

	if b.consecutiveHighLat < b.cfg.LatencyConsecutiveChecks {
		return
	}

	windowStart := now.Add(-b.cfg.LatencyWindow)
	highInWindow := 0
	total := 0
	for i := len(b.samples) - 1; i >= 0 && b.samples[i].at.After(windowStart); i-- {
		total++
		if b.samples[i].latency > b.cfg.LatencyThreshold {
			highInWindow++
		}
		if total >= b.cfg.LatencyConsecutiveChecks {
			break
		}
	}
	if total >= b.cfg.LatencyConsecutiveChecks && highInWindow == total && b.state == Closed {
		b.trip()
	}
}

// trip transitions to OPEN and sets nextAttemptAt. Caller must hold mu.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.nextAttemptAt = b.openedAt.Add(b.cfg.RetryTimeout)
	b.consecutiveFailures = 0
	b.consecutiveHighLat = 0
	if b.obs != nil {
		b.obs.BreakerTrips.WithLabelValues(b.name).Inc()
	}
	b.publishStateLocked()
}

// Trip forces the breaker OPEN (admin/test operation, spec §4.1).
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// Reset forces the breaker back to CLOSED, clearing counters (admin/test
// operation, spec §4.1).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
	b.consecutiveHighLat = 0
	b.samples = nil
	b.publishStateLocked()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics is a copy-out snapshot returned by GetMetrics.
type Metrics struct {
	State               string
	TotalSuccesses      int64
	TotalFailures       int64
	ConsecutiveFailures int
	ConsecutiveHighLat  int
	MinLatencyMs        float64
	MaxLatencyMs        float64
	AvgLatencyMs        float64
	P50LatencyMs        float64
	P95LatencyMs        float64
	P99LatencyMs        float64
	SampleCount         int
	NextAttemptAt       *time.Time
}

// GetMetrics returns a point-in-time copy of the breaker's metrics,
// including latency percentiles computed by linear interpolation between
// sorted ranks (spec §4.1).
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	latencies := make([]float64, len(b.samples))
	for i, s := range b.samples {
		latencies[i] = float64(s.latency) / float64(time.Millisecond)
	}
	m := Metrics{
		State:               b.state.String(),
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
		ConsecutiveFailures: b.consecutiveFailures,
		ConsecutiveHighLat:  b.consecutiveHighLat,
		SampleCount:         len(latencies),
	}
	if b.state == Open {
		t := b.nextAttemptAt
		m.NextAttemptAt = &t
	}
	b.mu.Unlock()

	if len(latencies) == 0 {
		return m
	}

	sort.Float64s(latencies)
	sum := 0.0
	for _, v := range latencies {
		sum += v
	}
	m.MinLatencyMs = latencies[0]
	m.MaxLatencyMs = latencies[len(latencies)-1]
	m.AvgLatencyMs = sum / float64(len(latencies))
	m.P50LatencyMs = percentile(latencies, 0.50)
	m.P95LatencyMs = percentile(latencies, 0.95)
	m.P99LatencyMs = percentile(latencies, 0.99)
	return m
}

// percentile interpolates linearly between the two nearest ranks of a
// sorted slice, matching the teacher's style of avoiding a dependency for
// a five-line numeric routine.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
