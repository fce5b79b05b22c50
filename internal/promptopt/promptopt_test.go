package promptopt

import (
	"regexp"
	"strings"
	"testing"
)

func TestOptimize_PassthroughByDefault(t *testing.T) {
	system := "You are a helpful assistant."
	text, stats := Optimize(system, 10, Options{Mode: "anthropic"})
	if text != system {
		t.Errorf("got %q, want passthrough of %q", text, system)
	}
	if stats.AppliedTier != StrategyPassthrough {
		t.Errorf("got tier %v, want %v", stats.AppliedTier, StrategyPassthrough)
	}
	if !stats.ValidationOk {
		t.Error("expected ValidationOk true")
	}
}

func TestOptimize_LocalModeDefaultsSafeOn(t *testing.T) {
	system := "# Critical\nNever do X.\n# Optional\nSome extra notes that run on a while and are not load bearing at all."
	_, stats := Optimize(system, 50_000, Options{Mode: "local"})
	if stats.AppliedTier != StrategySafe {
		t.Errorf("got tier %v, want %v", stats.AppliedTier, StrategySafe)
	}
}

func TestOptimize_SmartBeatsSafeWhenBothRequested(t *testing.T) {
	system := "# Critical\nAlways be safe."
	_, stats := Optimize(system, 1000, Options{Mode: "local", UseSmart: true})
	if stats.AppliedTier != StrategySmart {
		t.Errorf("got tier %v, want %v", stats.AppliedTier, StrategySmart)
	}
}

func TestOptimize_SafeFallsBackToTruncateOnValidationFailure(t *testing.T) {
	pattern := regexp.MustCompile(`MUST-SURVIVE-TOKEN`)
	system := "# Optional\nMUST-SURVIVE-TOKEN appears only in a droppable section here for the test."
	enabled := true
	_, stats := Optimize(system, 50_000, Options{
		Mode:             "local",
		UseSafe:          &enabled,
		CriticalPatterns: []*regexp.Regexp{pattern},
	})
	if stats.AppliedTier != StrategyTruncate {
		t.Errorf("got tier %v, want %v", stats.AppliedTier, StrategyTruncate)
	}
	if stats.ValidationOk {
		t.Error("expected ValidationOk false")
	}
}

func TestResolvedTier_AutoByTokenCount(t *testing.T) {
	cases := map[int]Tier{1000: TierMinimal, 7000: TierModerate, 15000: TierAggressive, 25000: TierExtreme}
	for tokens, want := range cases {
		if got := resolvedTier(Options{}, tokens); got != want {
			t.Errorf("resolvedTier(%d) = %v, want %v", tokens, got, want)
		}
	}
}

func TestResolvedTier_ExplicitOverride(t *testing.T) {
	tier := TierExtreme
	if got := resolvedTier(Options{TierOverride: &tier}, 10); got != TierExtreme {
		t.Errorf("got %v, want %v", got, TierExtreme)
	}
}

func TestTruncate_KeepsFirstNLinesAndImportantSections(t *testing.T) {
	opts := Options{SystemPromptMaxTokens: 1000}
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, "filler line")
	}
	system := "# Tools\nkeep this tool doc line\n"
	for _, l := range lines {
		system += l + "\n"
	}
	out := truncate(system, opts)
	if !strings.Contains(out, "keep this tool doc line") {
		t.Error("expected truncated output to retain the tool doc line")
	}
}

func TestDedupeSentences_ExtractsRepeatedTemplates(t *testing.T) {
	repeated := "This exact sentence repeats many times across the prompt for testing"
	system := repeated + ". " + repeated + ". " + repeated + ". Something unique here."
	_, templates := dedupeSentences(system)
	if len(templates) != 1 {
		t.Fatalf("got %d templates, want 1", len(templates))
	}
	if !strings.Contains(templates[0], "repeats many times") {
		t.Errorf("got template %q, missing expected phrase", templates[0])
	}
}

func TestOptimize_ReductionPercentComputed(t *testing.T) {
	system := "short"
	_, stats := Optimize(system, 1, Options{Mode: "anthropic"})
	if stats.ReductionPercent != 0.0 {
		t.Errorf("got ReductionPercent %v, want 0", stats.ReductionPercent)
	}
}
