package retry

import (
	"context"
	"testing"
	"time"

	"github.com/anyclaude/gateway/internal/gwerrors"
)

func fastConfig() Config {
	return Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2.0}
}

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesRetryableErrorUntilSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return gwerrors.New(gwerrors.UpstreamUnavailable, "connection refused")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return gwerrors.New(gwerrors.BadRequest, "malformed request")
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3

	calls := 0
	result := Do(context.Background(), cfg, func() error {
		calls++
		return gwerrors.New(gwerrors.UpstreamTimeout, "deadline exceeded")
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_StopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Do(ctx, fastConfig(), func() error {
		t.Fatal("op should not be called against a canceled context")
		return nil
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if result.Err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}
