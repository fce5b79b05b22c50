// Package promptopt implements the Prompt Optimizer (spec.md §4.3): a
// priority-ordered chain of system-prompt reduction strategies
// (smart > safe > truncate > passthrough) with validation-driven fallback.
// Grounded on the teacher's internal/agent/context.Packer, which applies
// the same "budget, then fall back to a cheaper strategy" shape to message
// history instead of a system prompt.
package promptopt

import (
	"regexp"
	"strings"
)

// Tier is the aggressiveness level used by the "safe" strategy.
type Tier int

const (
	TierMinimal Tier = iota
	TierModerate
	TierAggressive
	TierExtreme
)

// Strategy names, in spec §4.3 priority order.
const (
	StrategySmart       = "smart"
	StrategySafe        = "safe"
	StrategyTruncate    = "truncate"
	StrategyPassthrough = "passthrough"
)

// Stats is the output tuple spec §4.3 requires alongside the optimized
// text.
type Stats struct {
	OriginalTokens   int
	FinalTokens      int
	ReductionPercent float64
	AppliedTier      string
	ValidationOk     bool
}

// Options configures a single optimization call.
type Options struct {
	Mode                   string // e.g. "local", "anthropic", ...
	UseSmart               bool
	UseSafe                *bool // nil = unset, so the local-mode default can kick in
	TierOverride           *Tier
	SystemPromptMaxTokens  int
	CriticalPatterns       []*regexp.Regexp
	ImportantSectionTitles []string
}

// resolvedTier returns the explicit override, or derives it from the
// estimated token count (spec §4.3 "auto").
func resolvedTier(opts Options, estimatedTokens int) Tier {
	if opts.TierOverride != nil {
		return *opts.TierOverride
	}
	switch {
	case estimatedTokens < 5_000:
		return TierMinimal
	case estimatedTokens < 10_000:
		return TierModerate
	case estimatedTokens < 20_000:
		return TierAggressive
	default:
		return TierExtreme
	}
}

// useSafe resolves whether the "safe" filter is enabled: explicit caller
// choice wins; otherwise it defaults on when mode=="local" (spec §4.3
// "Safe filter gating").
func useSafe(opts Options) bool {
	if opts.UseSafe != nil {
		return *opts.UseSafe
	}
	return opts.Mode == "local"
}

// countTokens is a local ceil(len/4) approximation, matching
// contextwindow.CountTokens without introducing a cross-package
// dependency for one helper used identically in both.
func countTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// Optimize applies the strategy chain to system and returns the optimized
// text plus its stats. estimatedTokens is the caller's pre-computed token
// estimate for system (spec §4.3 "by estimated tokens").
func Optimize(system string, estimatedTokens int, opts Options) (string, Stats) {
	original := countTokens(system)

	useSmart := opts.UseSmart
	safeEnabled := useSafe(opts)
	if useSmart {
		safeEnabled = false // "smart beats safe if both requested" (spec §4.3)
	}

	var (
		text         string
		applied      string
		validationOk bool
	)

	switch {
	case useSmart:
		text = smart(system, opts)
		applied = StrategySmart
		validationOk = true
	case safeEnabled:
		tier := resolvedTier(opts, estimatedTokens)
		candidate := safe(system, tier)
		if validateCritical(candidate, opts.CriticalPatterns) {
			text = candidate
			applied = StrategySafe
			validationOk = true
		} else {
			text = truncate(system, opts)
			applied = StrategyTruncate
			validationOk = false
		}
	default:
		text = system
		applied = StrategyPassthrough
		validationOk = true
	}

	final := countTokens(text)
	reduction := 0.0
	if original > 0 {
		reduction = (1 - float64(final)/float64(original)) * 100
	}

	return text, Stats{
		OriginalTokens:   original,
		FinalTokens:      final,
		ReductionPercent: reduction,
		AppliedTier:      applied,
		ValidationOk:     validationOk,
	}
}

// tierKeywords maps heading keywords to one of the four section classes,
// from TierMinimal (critical) to TierExtreme (droppable) (spec §4.3
// "tiers"); classifyLine returns the first class whose keyword a heading
// contains, and TierModerate otherwise.
var tierKeywords = map[Tier][]string{
	TierMinimal:    {"critical", "safety", "must", "required"},
	TierModerate:   {"important", "guideline", "should"},
	TierAggressive: {"optional", "example", "note"},
	TierExtreme:    {"appendix", "reference", "background"},
}

func classifyLine(line string) Tier {
	lower := strings.ToLower(line)
	for tier := TierMinimal; tier <= TierExtreme; tier++ {
		for _, kw := range tierKeywords[tier] {
			if strings.Contains(lower, kw) {
				return tier
			}
		}
	}
	return TierModerate
}

// safe removes sections by class according to the aggressiveness tier
// (spec §4.3 "safe"): TierMinimal keeps every section, and each higher
// tier drops one more class, so TierExtreme keeps only critical sections.
func safe(system string, tier Tier) string {
	lines := strings.Split(system, "\n")
	var kept []string
	dropSection := false
	for _, line := range lines {
		if isHeading(line) {
			lineTier := classifyLine(line)
			dropSection = lineTier > TierExtreme-tier
			if dropSection {
				continue
			}
		} else if dropSection {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "#") || (strings.HasSuffix(trimmed, ":") && len(trimmed) < 80 && len(trimmed) > 0)
}

// validateCritical reports whether every critical pattern still matches
// candidate (spec §4.3 "validation step").
func validateCritical(candidate string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if !p.MatchString(candidate) {
			return false
		}
	}
	return true
}

// defaultImportantSections is the fixed list of headings the "truncate"
// strategy always keeps regardless of line position (spec §4.3).
var defaultImportantSections = []string{
	"tools", "important", "critical", "safety", "constraints",
}

const truncateKeepLines = 100

// truncate keeps the first N lines plus any line inside an important
// section, stopping at a char budget of systemPromptMaxTokens*4 (spec
// §4.3 "truncate").
func truncate(system string, opts Options) string {
	budget := opts.SystemPromptMaxTokens * 4
	if budget <= 0 {
		budget = truncateKeepLines * 4 * 4
	}

	important := opts.ImportantSectionTitles
	if len(important) == 0 {
		important = defaultImportantSections
	}

	lines := strings.Split(system, "\n")
	var kept []string
	inImportant := false
	used := 0

	for i, line := range lines {
		withinFirstN := i < truncateKeepLines
		if isHeading(line) {
			inImportant = containsAny(strings.ToLower(line), important)
		}
		if !withinFirstN && !inImportant {
			continue
		}
		cost := len(line) + 1
		if used+cost > budget {
			break
		}
		kept = append(kept, line)
		used += cost
	}
	return strings.Join(kept, "\n")
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// minRepeatLen/maxRepeatLen/minRepeatCount bound the sentence-dedup pass
// of the "smart" strategy (spec §4.3 "(1) deduplicate").
const (
	minRepeatLen   = 25
	maxRepeatLen   = 300
	minRepeatCount = 3
)

// smart runs the 3-layer pipeline: sentence dedup into a template
// library, hierarchical tool-doc headings left untouched (no tool docs
// are threaded into this text-only helper; the Tool Schema Bridge handles
// injection separately), then a final budget clamp (spec §4.3 "smart").
func smart(system string, opts Options) string {
	deduped, templates := dedupeSentences(system)
	if len(templates) > 0 {
		var b strings.Builder
		b.WriteString(deduped)
		b.WriteString("\n\n## Repeated Patterns\n")
		for i, tpl := range templates {
			b.WriteString(strings.TrimSpace(tpl))
			if i < len(templates)-1 {
				b.WriteString("\n")
			}
		}
		deduped = b.String()
	}
	return truncate(deduped, opts)
}

var sentenceSplit = regexp.MustCompile(`(?:[.!?]\s+|\n+)`)

// dedupeSentences finds sentences of length [25,300] repeated 3+ times,
// removes all but the first occurrence, and returns the removed text as a
// template library.
func dedupeSentences(system string) (string, []string) {
	sentences := sentenceSplit.Split(system, -1)
	counts := make(map[string]int)
	for _, s := range sentences {
		trimmed := strings.TrimSpace(s)
		if len(trimmed) < minRepeatLen || len(trimmed) > maxRepeatLen {
			continue
		}
		counts[trimmed]++
	}

	var templates []string
	seen := make(map[string]bool)
	var kept []string
	for _, s := range sentences {
		trimmed := strings.TrimSpace(s)
		if counts[trimmed] >= minRepeatCount {
			if seen[trimmed] {
				continue
			}
			seen[trimmed] = true
			templates = append(templates, trimmed)
		}
		kept = append(kept, s)
	}
	return strings.Join(kept, ". "), templates
}
