// Package contextwindow implements the Context Estimator (spec.md §4.2):
// approximate token counting, per-model context-window lookup, and
// newest-first message truncation. The truncation shape follows the
// teacher's internal/agent/context.Packer.Pack, which also walks messages
// newest-first within a budget and reports how much was dropped.
package contextwindow

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/anyclaude/gateway/internal/gwerrors"
	"github.com/anyclaude/gateway/internal/neutral"
)

// defaultContextWindow is used when no override, backend report, or table
// entry applies (spec §4.2).
const defaultContextWindow = 32_768

// usableFraction leaves headroom below a model's native context window.
const usableFraction = 0.8

// minRecentMessages is the number of newest messages truncateMessages
// keeps unconditionally (spec §4.2, §8).
const minRecentMessages = 3

// modelWindows maps case-insensitive, partial-match model-name substrings
// to native context windows. NativeWindow picks the longest matching
// substring, so more specific entries win (e.g. "claude-3-5" over
// "claude-3").
var modelWindows = []struct {
	substr string
	tokens int
}{
	{"claude-3-5", 200_000},
	{"claude-3-opus", 200_000},
	{"claude-3", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"gpt-3.5", 16_385},
	{"llama-3.1", 128_000},
	{"llama-3", 8_192},
	{"mixtral", 32_768},
	{"qwen2.5", 32_768},
	{"mistral", 32_768},
}

// Estimator counts approximate tokens and resolves context-window limits.
type Estimator struct {
	// ContextLengthEnvPrefix is the prefix of the <PREFIX>_CONTEXT_LENGTH
	// environment variable, consulted before the backend-reported value
	// and the model table (spec §4.2 "environment override takes highest
	// precedence").
	ContextLengthEnvPrefix string
}

// New constructs an Estimator using the ANYCLAUDE_CONTEXT_LENGTH /
// <MODEL>_CONTEXT_LENGTH environment convention (spec §6).
func New() *Estimator {
	return &Estimator{ContextLengthEnvPrefix: "ANYCLAUDE"}
}

// CountTokens approximates the token count of s. We do not carry a BPE
// table dependency (none in the teacher's or pack's go.mod), so we use the
// ceil(len/4) fallback spec §4.2 explicitly allows.
func CountTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 4.0))
}

// CountToolsJSON approximates the token count of a tool schema blob.
func CountToolsJSON(raw []byte) int {
	return CountTokens(string(raw))
}

// NativeWindow resolves a model's native context window: env override >
// backendReportedTokens (0 = none) > table lookup > default.
func (e *Estimator) NativeWindow(model string, backendReportedTokens int) int {
	if v, ok := e.envOverride(model); ok {
		return v
	}
	if backendReportedTokens > 0 {
		return backendReportedTokens
	}
	lower := strings.ToLower(model)
	best := 0
	bestLen := -1
	for _, w := range modelWindows {
		if strings.Contains(lower, w.substr) && len(w.substr) > bestLen {
			best = w.tokens
			bestLen = len(w.substr)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return defaultContextWindow
}

func (e *Estimator) envOverride(model string) (int, bool) {
	prefix := e.ContextLengthEnvPrefix
	if prefix == "" {
		prefix = "ANYCLAUDE"
	}
	if v := os.Getenv(prefix + "_CONTEXT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n, true
		}
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, strings.ToUpper(model))
	if v := os.Getenv(sanitized + "_CONTEXT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// UsableLimit returns floor(native * 0.8) (spec §4.2).
func (e *Estimator) UsableLimit(model string, backendReportedTokens int) int {
	native := e.NativeWindow(model, backendReportedTokens)
	return int(math.Floor(float64(native) * usableFraction))
}

// TruncationResult reports what truncateMessages did.
type TruncationResult struct {
	Messages     []neutral.Message
	RemovedCount int
	FixedTokens  int
	TotalTokens  int
}

// TruncateMessages preserves system+tools (fixedTokens) and walks messages
// newest-first, keeping at least minRecentMessages unconditionally and
// admitting older messages only if they still fit the usable limit (spec
// §4.2, §8 testable property, §8 scenario 4).
func TruncateMessages(messages []neutral.Message, fixedTokens int, usableLimit int) (TruncationResult, error) {
	if fixedTokens > usableLimit {
		return TruncationResult{}, gwerrors.New(gwerrors.ContextTooLarge,
			fmt.Sprintf("fixed overhead %d tokens exceeds usable limit %d", fixedTokens, usableLimit))
	}

	n := len(messages)
	if n == 0 {
		return TruncationResult{Messages: nil, FixedTokens: fixedTokens}, nil
	}

	tokenCounts := make([]int, n)
	total := fixedTokens
	for i, m := range messages {
		tokenCounts[i] = messageTokens(m)
		total += tokenCounts[i]
	}

	if total <= usableLimit {
		return TruncationResult{Messages: messages, FixedTokens: fixedTokens, TotalTokens: total}, nil
	}

	keepFrom := n
	budget := fixedTokens
	kept := 0

	for i := n - 1; i >= 0; i-- {
		cost := tokenCounts[i]
		mustKeep := kept < minRecentMessages
		if mustKeep || budget+cost <= usableLimit {
			budget += cost
			keepFrom = i
			kept++
			continue
		}
		break
	}

	result := make([]neutral.Message, n-keepFrom)
	copy(result, messages[keepFrom:])

	return TruncationResult{
		Messages:     result,
		RemovedCount: keepFrom,
		FixedTokens:  fixedTokens,
		TotalTokens:  budget,
	}, nil
}

func messageTokens(m neutral.Message) int {
	total := 0
	for _, b := range m.Blocks {
		switch b.Kind {
		case neutral.KindText:
			total += CountTokens(b.Text)
		case neutral.KindToolCall:
			total += CountTokens(b.ToolCallName) + CountToolsJSON(b.ToolCallJSON)
		case neutral.KindToolResult:
			total += CountTokens(b.ToolResultContent)
		case neutral.KindImage:
			total += 256 // flat approximation; images carry no text to count
		}
	}
	return total
}
