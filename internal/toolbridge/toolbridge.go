// Package toolbridge implements the Tool Schema Bridge (spec.md §4.4):
// per-provider JSON-Schema normalization, description stubbing with
// on-demand skill re-injection, tools-array caching across turns, and
// server-side tool filtering. Schema validation uses
// github.com/santhosh-tekuri/jsonschema/v5, the same library the teacher
// uses in internal/gateway/ws_schema.go to compile caller-supplied JSON
// Schema documents.
package toolbridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anyclaude/gateway/internal/neutral"
)

// descriptionStubCap is the per-provider cap beyond which a tool
// description is replaced with a stub and persisted to the skill store
// (spec §4.4).
const descriptionStubCap = 400

// injectedSkillBudgetBytes bounds the text re-injected into the system
// prompt (spec §4.4 "Budget the injected text to ≤ 5 KB").
const injectedSkillBudgetBytes = 5 * 1024

// disallowedFields lists JSON-Schema keys providers commonly reject
// (vendor extensions, non-standard hints). Table-driven, per provider, as
// spec §9 "Schema fixups per provider" directs.
var disallowedFields = map[string][]string{
	"openai": {"examples", "$comment", "default"},
	"mlx":    {"examples", "$comment", "default", "const"},
}

// SkillStore is the external collaborator spec §9 names: an on-disk
// skills directory keyed by sha256(description)[:12]. The Bridge depends
// only on this interface; a real implementation lives in
// internal/toolbridge/diskstore.go.
type SkillStore interface {
	Put(name, hash, body string) error
	Get(name string) (body string, ok bool)
	ByHash(hash string) (name string, ok bool)
}

// Bridge is the Tool Schema Bridge. One Bridge instance is shared across
// requests for a given client/session so it can cache the last non-empty
// tools array and track which tools were called in the previous turn.
type Bridge struct {
	mu sync.Mutex

	skills SkillStore

	// lastTools is keyed by session/conversation identifier.
	lastTools map[string][]neutral.Tool
	// lastCalledTools tracks tool names invoked in the previous turn, per
	// session, to drive skill re-injection by (a) in spec §4.4.
	lastCalledTools map[string][]string

	stubEnabled bool
}

// New constructs a Bridge. stubEnabled toggles description stubbing.
func New(skills SkillStore, stubEnabled bool) *Bridge {
	return &Bridge{
		skills:          skills,
		lastTools:       make(map[string][]neutral.Tool),
		lastCalledTools: make(map[string][]string),
		stubEnabled:     stubEnabled,
	}
}

// Prepare resolves the tools array to send for one request: restoring the
// caller's cached tools if the current turn supplied none, sorting by
// name, filtering server-side tools, applying description stubbing, and
// normalizing each kept tool's input_schema for the target provider
// (spec §4.4 "normalises the JSON-Schema per provider"). latestUserText
// feeds keyword-triggered skill re-injection (spec §4.4 trigger (b));
// pass "" when unavailable.
func (b *Bridge) Prepare(sessionID string, tools []neutral.Tool, provider, latestUserText string) (resolved []neutral.Tool, webSearchRequested bool, injectedSkills string, err error) {
	b.mu.Lock()
	if len(tools) == 0 {
		tools = append([]neutral.Tool(nil), b.lastTools[sessionID]...)
	} else {
		b.lastTools[sessionID] = append([]neutral.Tool(nil), tools...)
	}
	calledPrev := append([]string(nil), b.lastCalledTools[sessionID]...)
	b.mu.Unlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	var kept []neutral.Tool
	for _, tool := range tools {
		if IsServerTool(tool.Name) {
			webSearchRequested = webSearchRequested || strings.HasPrefix(tool.Name, "web_search")
			continue
		}
		kept = append(kept, tool)
	}

	if b.stubEnabled {
		kept, injectedSkills, err = b.stubDescriptions(kept, calledPrev, latestUserText)
		if err != nil {
			return nil, false, "", err
		}
	}

	for i, tool := range kept {
		normalized, nerr := NormalizeSchema(provider, tool.InputSchema)
		if nerr != nil {
			return nil, false, "", fmt.Errorf("toolbridge: normalize schema for %s: %w", tool.Name, nerr)
		}
		kept[i].InputSchema = normalized
	}

	return kept, webSearchRequested, injectedSkills, nil
}

// RecordCalledTools updates the per-session record of which tools were
// invoked this turn, consulted by (a) in spec §4.4 on the next turn.
func (b *Bridge) RecordCalledTools(sessionID string, names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCalledTools[sessionID] = append([]string(nil), names...)
}

// stubDescriptions replaces long descriptions with fixed stubs, persists
// the full text to the skill store, and re-injects relevant sections
// based on (a) tools called in the previous turn or (b) the tool's name
// appearing as a keyword in the latest user message (spec §4.4).
func (b *Bridge) stubDescriptions(tools []neutral.Tool, calledPrev []string, latestUserText string) ([]neutral.Tool, string, error) {
	calledSet := make(map[string]bool, len(calledPrev))
	for _, n := range calledPrev {
		calledSet[n] = true
	}
	lowerUserText := strings.ToLower(latestUserText)

	var injected strings.Builder
	out := make([]neutral.Tool, len(tools))
	for i, tool := range tools {
		out[i] = tool
		if len(tool.Description) <= descriptionStubCap {
			continue
		}
		hash := sha256Hex(tool.Description)[:12]
		if b.skills != nil {
			if err := b.skills.Put(tool.Name, hash, tool.Description); err != nil {
				return nil, "", fmt.Errorf("toolbridge: persist skill for %s: %w", tool.Name, err)
			}
		}
		out[i].Description = fmt.Sprintf("%s (full docs available as skill %s)", stubText(tool.Description), tool.Name)

		triggered := calledSet[tool.Name] ||
			(lowerUserText != "" && strings.Contains(lowerUserText, strings.ToLower(tool.Name)))
		if triggered && injected.Len() < injectedSkillBudgetBytes {
			section := fmt.Sprintf("## %s\n%s\n\n", tool.Name, tool.Description)
			if injected.Len()+len(section) <= injectedSkillBudgetBytes {
				injected.WriteString(section)
			}
		}
	}
	return out, injected.String(), nil
}

func stubText(description string) string {
	cut := descriptionStubCap
	if cut > len(description) {
		cut = len(description)
	}
	return strings.TrimSpace(description[:cut]) + "..."
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsServerTool reports whether a tool name identifies an Anthropic
// first-party server-side tool by its fixed version suffix (spec §4.4,
// pkg/wire.ServerToolSuffix).
func IsServerTool(name string) bool {
	return strings.HasSuffix(name, "_20250305")
}

// Fingerprint computes sha256(JSON({system, tools})) over the canonical
// (name-sorted) tools list, matching the Cluster Router's cache-aware
// selection and the Cache Monitor's key (spec §4.7, §4.8, §8 "Fingerprint
// purity").
func Fingerprint(system string, tools []neutral.Tool) (string, error) {
	sorted := append([]neutral.Tool(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	payload := struct {
		System string         `json:"system"`
		Tools  []neutral.Tool `json:"tools"`
	}{System: system, Tools: sorted}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("toolbridge: marshal fingerprint payload: %w", err)
	}
	return sha256Hex(string(raw)), nil
}

// NormalizeSchema strips provider-disallowed fields from a tool's JSON
// Schema and validates that the result still compiles as JSON Schema
// draft-7 (spec §4.4 "Strip fields disallowed by the provider").
func NormalizeSchema(provider string, schema json.RawMessage) (json.RawMessage, error) {
	if len(schema) == 0 {
		return schema, nil
	}

	var tree map[string]any
	if err := json.Unmarshal(schema, &tree); err != nil {
		return nil, fmt.Errorf("toolbridge: invalid input_schema: %w", err)
	}

	for _, field := range disallowedFields[provider] {
		delete(tree, field)
	}
	stripVendorExtensions(tree)

	cleaned, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("toolbridge: re-marshal normalized schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(cleaned))); err != nil {
		return nil, fmt.Errorf("toolbridge: schema not valid JSON Schema: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return nil, fmt.Errorf("toolbridge: schema failed to compile: %w", err)
	}

	return cleaned, nil
}

// stripVendorExtensions recursively removes keys beginning with "x-",
// a common convention for vendor-specific JSON-Schema extensions.
func stripVendorExtensions(tree map[string]any) {
	for k, v := range tree {
		if strings.HasPrefix(k, "x-") {
			delete(tree, k)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			stripVendorExtensions(nested)
		}
		if arr, ok := v.([]any); ok {
			for _, item := range arr {
				if nested, ok := item.(map[string]any); ok {
					stripVendorExtensions(nested)
				}
			}
		}
	}
}
