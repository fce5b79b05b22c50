// Package retry implements exponential backoff with jitter for the
// stream-setup leg of a backend call (SPEC_FULL.md §5 "Retryable backend
// calls": non-streaming and stream-setup calls retry; mid-stream chunks
// never do). Adapted directly from the teacher's internal/retry/retry.go
// Do/Config/DefaultConfig/Backoff, swapping PermanentError for the
// gateway's own gwerrors.Kind.IsRetryable classification.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/anyclaude/gateway/internal/gwerrors"
)

// Config configures retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultConfig matches the teacher's conservative default for a
// collaborator call that should fail fast rather than hammer a dead
// backend.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result reports how a retried operation concluded.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do retries op until it succeeds, attempts are exhausted, ctx is
// canceled, or op's error is not retryable per gwerrors.KindOf(err).
func Do(ctx context.Context, cfg Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	cfg = withDefaults(cfg)
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if !gwerrors.KindOf(err).IsRetryable() {
			result.Duration = time.Since(start)
			return result
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter, not cryptographic
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

func withDefaults(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}
	return cfg
}
