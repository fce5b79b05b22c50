// Package neutral holds the backend-neutral message model that sits between
// the Anthropic wire format (pkg/wire) and whichever backend family a
// request is ultimately dispatched to (spec.md §3 "Backend-neutral
// message").
package neutral

import "encoding/json"

// BlockKind tags the variant held by a Block.
type BlockKind string

const (
	KindText       BlockKind = "text"
	KindToolCall   BlockKind = "tool_call"
	KindToolResult BlockKind = "tool_result"
	KindImage      BlockKind = "image"
)

// Block is a tagged union over {Text, ToolCall, ToolResult, Image}. Only the
// fields relevant to Kind are populated; order among a message's Blocks is
// preserved end to end.
type Block struct {
	Kind BlockKind

	Text string

	// ToolCall
	ToolCallID   string
	ToolCallName string
	ToolCallJSON json.RawMessage

	// ToolResult
	ToolResultID      string
	ToolResultContent string
	ToolResultIsError bool

	// Image
	ImageMediaType string
	ImageData      string
	ImageURL       string
}

// Message is {role, content: Block[]}.
type Message struct {
	Role   string
	Blocks []Block
}

// Tool is the neutral form of an Anthropic tool definition.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// UnsupportedBlockError is returned when a content block's kind cannot be
// translated (spec §4.5 "Errors").
type UnsupportedBlockError struct {
	Kind string
}

func (e *UnsupportedBlockError) Error() string {
	return "unsupported content block kind: " + e.Kind
}
