// Package ratelimit implements the composite token-bucket rate limiter
// named in SPEC_FULL.md §5 "Composite rate limiting". Adapted directly
// from the teacher's internal/ratelimit/limiter.go (Bucket, Limiter,
// MultiLimiter, CompositeKey), keyed here by client IP or X-Session-Id
// instead of the teacher's per-channel/per-user keys.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket: capacity tokens, refilled at rate
// tokens/sec, consumed one at a time per allowed call.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket constructs a full bucket.
func NewBucket(capacity, refillRate float64) *Bucket {
	return &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes one token if available, refilling first.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Status is a copy-out snapshot of a bucket's remaining tokens.
type Status struct {
	Tokens   float64
	Capacity float64
}

// Status returns the bucket's current fill level without consuming a
// token.
func (b *Bucket) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{Tokens: b.tokens, Capacity: b.capacity}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Limiter manages one Bucket per key, creating buckets lazily with the
// configured capacity/refill rate.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*Bucket
	capacity   float64
	refillRate float64
}

// NewLimiter constructs a Limiter.
func NewLimiter(capacity, refillRate float64) *Limiter {
	return &Limiter{buckets: make(map[string]*Bucket), capacity: capacity, refillRate: refillRate}
}

// Allow reports whether key may proceed, creating its bucket if this is
// the first call for key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = NewBucket(l.capacity, l.refillRate)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Status returns key's bucket status, or a full bucket's Status if key
// has never been seen.
func (l *Limiter) Status(key string) Status {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return Status{Capacity: l.capacity, Tokens: l.capacity}
	}
	return b.Status()
}

// MultiLimiter chains several Limiters, each keyed independently (e.g.
// per-IP and a global ceiling); a request is allowed only if every
// limiter allows it.
type MultiLimiter struct {
	limiters []*Limiter
	keyFuncs []func(CompositeKey) string
}

// CompositeKey carries the request attributes a MultiLimiter's key
// functions may read (spec's Request Handler applies this ahead of the
// Context Estimator, keyed by client IP or X-Session-Id).
type CompositeKey struct {
	ClientIP  string
	SessionID string
}

// NewMultiLimiter pairs each Limiter with a function that derives its key
// from a CompositeKey.
func NewMultiLimiter(pairs ...struct {
	Limiter *Limiter
	KeyFunc func(CompositeKey) string
}) *MultiLimiter {
	m := &MultiLimiter{}
	for _, p := range pairs {
		m.limiters = append(m.limiters, p.Limiter)
		m.keyFuncs = append(m.keyFuncs, p.KeyFunc)
	}
	return m
}

// Allow reports whether every chained limiter allows this request.
func (m *MultiLimiter) Allow(ck CompositeKey) bool {
	for i, l := range m.limiters {
		if !l.Allow(m.keyFuncs[i](ck)) {
			return false
		}
	}
	return true
}

// SessionOrIPKey prefers X-Session-Id when present, otherwise the client
// IP (spec's Request Handler rate-limit key, SPEC_FULL.md §5).
func SessionOrIPKey(ck CompositeKey) string {
	if ck.SessionID != "" {
		return "session:" + ck.SessionID
	}
	return "ip:" + ck.ClientIP
}
