// Package wire defines the Anthropic Messages wire format: the request and
// response shapes the gateway accepts from and emits to callers, independent
// of whichever backend family actually served the request.
package wire

import "encoding/json"

// Request is the body of a POST /v1/messages call.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// Message is one turn of the conversation. Content is either a plain string
// or an ordered list of ContentBlock, so it is kept as raw JSON in Content
// and resolved with Blocks().
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Blocks normalizes Content into a list of ContentBlock regardless of
// whether the caller sent a bare string or an array of typed blocks.
func (m Message) Blocks() ([]ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	trimmed := skipSpace(m.Content)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(m.Content, &text); err != nil {
			return nil, err
		}
		if text == "" {
			return nil, nil
		}
		return []ContentBlock{{Type: "text", Text: text}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func skipSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// ContentBlock is a tagged union over {text, tool_use, tool_result, image}.
// Only the fields relevant to Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource describes an inline base64 or URL image payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// SystemText resolves the request's System field, which may be a bare
// string or an ordered list of {text} segments, into one joined string.
func (r *Request) SystemText() (string, error) {
	if len(r.System) == 0 {
		return "", nil
	}
	trimmed := skipSpace(r.System)
	if len(trimmed) == 0 {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(r.System, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var segs []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(r.System, &segs); err != nil {
		return "", err
	}
	joined := ""
	for i, s := range segs {
		if i > 0 {
			joined += "\n"
		}
		joined += s.Text
	}
	return joined, nil
}

// Tool is an Anthropic tool definition: a name, optional description, and a
// JSON Schema (draft-7 subset) describing its input.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ServerToolSuffix identifies Anthropic's first-party server-side tools
// (e.g. "web_search_20250305"), which are stripped before forwarding to a
// non-Anthropic backend (spec §4.4).
const ServerToolSuffix = "_20250305"

// Response is the non-streaming assembled reply to POST /v1/messages.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// Usage carries token accounting, including the cache fields which default
// to zero for backends that never report them (spec §4.6 mapping details).
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ErrorBody is the JSON shape of a pre-stream error response (spec §7).
type ErrorBody struct {
	Type  string    `json:"type"`
	Error ErrorInfo `json:"error"`
}

// ErrorInfo is the nested error payload inside ErrorBody and inside the SSE
// "error" event.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
