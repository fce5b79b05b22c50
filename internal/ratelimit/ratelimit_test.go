package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_AllowsUpToCapacityThenBlocks(t *testing.T) {
	b := NewBucket(3, 0)
	if !b.Allow() || !b.Allow() || !b.Allow() {
		t.Fatal("expected first 3 calls to be allowed")
	}
	if b.Allow() {
		t.Error("expected 4th call to be blocked")
	}
}

func TestBucket_RefillsOverTime(t *testing.T) {
	b := NewBucket(1, 1) // 1 token/sec
	fixed := time.Unix(0, 0)
	b.now = func() time.Time { return fixed }
	b.lastRefill = fixed

	if !b.Allow() {
		t.Fatal("expected first call to be allowed")
	}
	if b.Allow() {
		t.Fatal("expected second call to be blocked before refill")
	}

	fixed = fixed.Add(time.Second)
	if !b.Allow() {
		t.Error("expected call to be allowed after refill")
	}
}

func TestLimiter_PerKeyIsolation(t *testing.T) {
	l := NewLimiter(1, 0)
	if !l.Allow("a") {
		t.Fatal("expected first call for key a to be allowed")
	}
	if l.Allow("a") {
		t.Error("expected second call for key a to be blocked")
	}
	if !l.Allow("b") {
		t.Error("expected first call for key b to be allowed")
	}
}

func TestSessionOrIPKey_PrefersSession(t *testing.T) {
	if got := SessionOrIPKey(CompositeKey{ClientIP: "1.2.3.4", SessionID: "s1"}); got != "session:s1" {
		t.Errorf("got %q, want %q", got, "session:s1")
	}
	if got := SessionOrIPKey(CompositeKey{ClientIP: "1.2.3.4"}); got != "ip:1.2.3.4" {
		t.Errorf("got %q, want %q", got, "ip:1.2.3.4")
	}
}

func TestMultiLimiter_AllowsOnlyWhenAllLimitersAllow(t *testing.T) {
	perIP := NewLimiter(5, 0)
	global := NewLimiter(1, 0)
	m := NewMultiLimiter(
		struct {
			Limiter *Limiter
			KeyFunc func(CompositeKey) string
		}{perIP, func(ck CompositeKey) string { return ck.ClientIP }},
		struct {
			Limiter *Limiter
			KeyFunc func(CompositeKey) string
		}{global, func(ck CompositeKey) string { return "global" }},
	)

	if !m.Allow(CompositeKey{ClientIP: "1.2.3.4"}) {
		t.Fatal("expected first request to be allowed")
	}
	if m.Allow(CompositeKey{ClientIP: "5.6.7.8"}) {
		t.Error("expected second request to be blocked: global limiter exhausted")
	}
}
