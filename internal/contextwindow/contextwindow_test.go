package contextwindow

import (
	"testing"

	"github.com/anyclaude/gateway/internal/neutral"
)

func textMsg(role string, chars int) neutral.Message {
	return neutral.Message{Role: role, Blocks: []neutral.Block{{Kind: neutral.KindText, Text: repeat("a", chars)}}}
}

func repeat(s string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = s[0]
	}
	return string(b)
}

func TestCountTokens_CeilDiv4(t *testing.T) {
	cases := map[string]int{"": 0, "abc": 1, "abcd": 1, "abcde": 2}
	for in, want := range cases {
		if got := CountTokens(in); got != want {
			t.Errorf("CountTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestNativeWindow_TableLookup(t *testing.T) {
	e := New()
	if got := e.NativeWindow("claude-3-5-sonnet-20241022", 0); got != 200_000 {
		t.Errorf("got %d, want 200000", got)
	}
	if got := e.NativeWindow("gpt-4o-mini", 0); got != 128_000 {
		t.Errorf("got %d, want 128000", got)
	}
	if got := e.NativeWindow("some-unknown-model", 0); got != defaultContextWindow {
		t.Errorf("got %d, want default %d", got, defaultContextWindow)
	}
}

func TestNativeWindow_BackendReportedBeatsTable(t *testing.T) {
	e := New()
	if got := e.NativeWindow("gpt-4", 65_536); got != 65_536 {
		t.Errorf("got %d, want 65536", got)
	}
}

func TestNativeWindow_EnvOverrideBeatsAll(t *testing.T) {
	t.Setenv("ANYCLAUDE_CONTEXT_LENGTH", "4096")
	e := New()
	if got := e.NativeWindow("claude-3-5-sonnet", 999_999); got != 4096 {
		t.Errorf("got %d, want 4096", got)
	}
}

func TestUsableLimit_Is80Percent(t *testing.T) {
	e := New()
	want := 26_214 // floor(32768 * 0.8)
	if got := e.UsableLimit("unknown-model", 0); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestTruncateMessages_NoTruncationNeeded(t *testing.T) {
	msgs := []neutral.Message{textMsg("user", 40), textMsg("assistant", 40)}
	res, err := TruncateMessages(msgs, 10, 1000)
	if err != nil {
		t.Fatalf("TruncateMessages() error: %v", err)
	}
	if res.RemovedCount != 0 {
		t.Errorf("got RemovedCount %d, want 0", res.RemovedCount)
	}
	if len(res.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(res.Messages))
	}
}

func TestTruncateMessages_KeepsAtLeastThreeNewest(t *testing.T) {
	// Five messages each costing far more than fits; usable limit only
	// allows the fixed overhead plus a sliver, but at least 3 must survive
	// unconditionally.
	var msgs []neutral.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, textMsg("user", 400)) // ~100 tokens each
	}
	res, err := TruncateMessages(msgs, 10, 50)
	if err != nil {
		t.Fatalf("TruncateMessages() error: %v", err)
	}
	if len(res.Messages) != minRecentMessages {
		t.Errorf("got %d messages, want %d", len(res.Messages), minRecentMessages)
	}
	if res.RemovedCount != 2 {
		t.Errorf("got RemovedCount %d, want 2", res.RemovedCount)
	}
}

func TestTruncateMessages_OlderAdmittedOnlyIfFits(t *testing.T) {
	// 3 newest total ~8000 tokens (fixed+recent = 13001 against usable
	// 26214); each older message costs 14000 and does not fit
	// (13001+14000 = 27001), so none are admitted.
	fixed := 5000
	usable := 26214
	var msgs []neutral.Message
	// Older messages: 14000 tokens => 56000 chars each.
	for i := 0; i < 4; i++ {
		msgs = append(msgs, textMsg("user", 56000))
	}
	// 3 newest total 8000 tokens => ~10667 chars each, split across 3.
	for i := 0; i < 3; i++ {
		msgs = append(msgs, textMsg("assistant", 10667))
	}
	res, err := TruncateMessages(msgs, fixed, usable)
	if err != nil {
		t.Fatalf("TruncateMessages() error: %v", err)
	}
	if len(res.Messages) != minRecentMessages {
		t.Errorf("got %d messages, want %d", len(res.Messages), minRecentMessages)
	}
	if want := len(msgs) - minRecentMessages; res.RemovedCount != want {
		t.Errorf("got RemovedCount %d, want %d", res.RemovedCount, want)
	}
}

func TestTruncateMessages_FixedOverheadAloneExceeds(t *testing.T) {
	if _, err := TruncateMessages([]neutral.Message{textMsg("user", 40)}, 5000, 1000); err == nil {
		t.Error("expected error when fixed overhead alone exceeds the usable limit")
	}
}

func TestTruncateMessages_EmptyInputStaysEmpty(t *testing.T) {
	res, err := TruncateMessages(nil, 10, 1000)
	if err != nil {
		t.Fatalf("TruncateMessages() error: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Errorf("got %d messages, want 0", len(res.Messages))
	}
}
