// Package translate implements the Message Translator (spec.md §4.5):
// Anthropic Messages ↔ backend-neutral message conversion in both
// directions. Grounded on the teacher's
// internal/agent/providers/openai.go convertToOpenAIMessages/
// convertToOpenAITools, which perform the same block-flattening walk one
// level down (neutral → OpenAI wire), and on pkg/models.Message's
// role/content shape for naming.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/anyclaude/gateway/internal/neutral"
	"github.com/anyclaude/gateway/pkg/wire"
)

// Warning is a structured record of a non-fatal translation anomaly (spec
// §4.5 "orphan tool_results ... dropped with a warning").
type Warning struct {
	Kind    string
	Message string
}

// ForwardResult is the output of ToNeutral.
type ForwardResult struct {
	System   string
	Tools    []neutral.Tool
	Messages []neutral.Message
	Warnings []Warning
}

// ToNeutral converts an Anthropic wire Request into the backend-neutral
// message model (spec §4.5 "Forward direction").
func ToNeutral(req *wire.Request) (ForwardResult, error) {
	system, err := req.SystemText()
	if err != nil {
		return ForwardResult{}, fmt.Errorf("translate: resolve system: %w", err)
	}

	tools := make([]neutral.Tool, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = neutral.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}

	var (
		out      []neutral.Message
		warnings []Warning
		knownIDs = make(map[string]bool)
	)

	for _, m := range req.Messages {
		blocks, err := m.Blocks()
		if err != nil {
			return ForwardResult{}, fmt.Errorf("translate: decode content blocks: %w", err)
		}

		var nb []neutral.Block
		for _, cb := range blocks {
			switch cb.Type {
			case "text":
				nb = append(nb, neutral.Block{Kind: neutral.KindText, Text: cb.Text})
			case "tool_use":
				nb = append(nb, neutral.Block{
					Kind:         neutral.KindToolCall,
					ToolCallID:   cb.ID,
					ToolCallName: cb.Name,
					ToolCallJSON: cb.Input,
				})
				knownIDs[cb.ID] = true
			case "tool_result":
				if !knownIDs[cb.ToolUseID] {
					warnings = append(warnings, Warning{
						Kind:    "orphan_tool_result",
						Message: fmt.Sprintf("tool_result references unknown tool_use_id %q; dropped", cb.ToolUseID),
					})
					continue
				}
				nb = append(nb, neutral.Block{
					Kind:              neutral.KindToolResult,
					ToolResultID:      cb.ToolUseID,
					ToolResultContent: contentText(cb.Content),
					ToolResultIsError: cb.IsError,
				})
			case "image":
				if cb.Source == nil {
					return ForwardResult{}, &neutral.UnsupportedBlockError{Kind: "image (missing source)"}
				}
				nb = append(nb, neutral.Block{
					Kind:           neutral.KindImage,
					ImageMediaType: cb.Source.MediaType,
					ImageData:      cb.Source.Data,
					ImageURL:       cb.Source.URL,
				})
			default:
				return ForwardResult{}, &neutral.UnsupportedBlockError{Kind: cb.Type}
			}
		}

		out = append(out, neutral.Message{Role: m.Role, Blocks: nb})
	}

	out, deduped := dedupeAdjacentTextOnly(out)
	_ = deduped

	return ForwardResult{System: system, Tools: tools, Messages: out, Warnings: warnings}, nil
}

// contentText resolves a tool_result's content field, which may be a bare
// string or a list of {type:"text", text} blocks, into plain text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for i, b := range blocks {
			if i > 0 {
				out += "\n"
			}
			out += b.Text
		}
		return out
	}
	return string(raw)
}

// dedupeAdjacentTextOnly merges adjacent same-role messages when both
// consist solely of text blocks (spec §4.5 "Deduplicate adjacent
// same-role messages only when both contain only text").
func dedupeAdjacentTextOnly(messages []neutral.Message) ([]neutral.Message, int) {
	if len(messages) < 2 {
		return messages, 0
	}

	out := make([]neutral.Message, 0, len(messages))
	removed := 0
	for _, m := range messages {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Role == m.Role && isTextOnly(*prev) && isTextOnly(m) {
				prev.Blocks = append(prev.Blocks, m.Blocks...)
				removed++
				continue
			}
		}
		out = append(out, m)
	}
	return out, removed
}

func isTextOnly(m neutral.Message) bool {
	for _, b := range m.Blocks {
		if b.Kind != neutral.KindText {
			return false
		}
	}
	return true
}

// ToAnthropic re-emits the final assistant message as Anthropic content
// blocks for the non-streaming response path, reusing preserved tool_use
// ids (spec §4.5 "Reverse direction").
func ToAnthropic(msg neutral.Message) ([]wire.ContentBlock, error) {
	out := make([]wire.ContentBlock, 0, len(msg.Blocks))
	for _, b := range msg.Blocks {
		switch b.Kind {
		case neutral.KindText:
			out = append(out, wire.ContentBlock{Type: "text", Text: b.Text})
		case neutral.KindToolCall:
			input := b.ToolCallJSON
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out = append(out, wire.ContentBlock{
				Type:  "tool_use",
				ID:    b.ToolCallID,
				Name:  b.ToolCallName,
				Input: input,
			})
		case neutral.KindImage:
			out = append(out, wire.ContentBlock{
				Type: "image",
				Source: &wire.ImageSource{
					Type:      "base64",
					MediaType: b.ImageMediaType,
					Data:      b.ImageData,
					URL:       b.ImageURL,
				},
			})
		case neutral.KindToolResult:
			raw, err := json.Marshal(b.ToolResultContent)
			if err != nil {
				return nil, fmt.Errorf("translate: marshal tool_result content: %w", err)
			}
			out = append(out, wire.ContentBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolResultID,
				Content:   raw,
				IsError:   b.ToolResultIsError,
			})
		default:
			return nil, &neutral.UnsupportedBlockError{Kind: string(b.Kind)}
		}
	}
	return out, nil
}
