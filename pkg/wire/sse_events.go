package wire

// Event names on the SSE wire (spec §6).
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// MessageStartPayload is the data payload of the message_start event.
type MessageStartPayload struct {
	Type    string `json:"type"`
	Message struct {
		ID      string         `json:"id"`
		Type    string         `json:"type"`
		Role    string         `json:"role"`
		Model   string         `json:"model"`
		Content []ContentBlock `json:"content"`
		Usage   Usage          `json:"usage"`
	} `json:"message"`
}

// NewMessageStart builds a message_start payload with zeroed usage and
// empty content, per spec §4.6 item 1.
func NewMessageStart(id, model string) MessageStartPayload {
	p := MessageStartPayload{Type: EventMessageStart}
	p.Message.ID = id
	p.Message.Type = "message"
	p.Message.Role = "assistant"
	p.Message.Model = model
	p.Message.Content = []ContentBlock{}
	return p
}

// ContentBlockStartPayload is the data payload of content_block_start.
type ContentBlockStartPayload struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// Delta carries either a text_delta or an input_json_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockDeltaPayload is the data payload of content_block_delta.
type ContentBlockDeltaPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// ContentBlockStopPayload is the data payload of content_block_stop.
type ContentBlockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaPayload is the data payload of message_delta.
type MessageDeltaPayload struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string `json:"stop_reason"`
		StopSequence string `json:"stop_sequence,omitempty"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

// MessageStopPayload is the data payload of message_stop.
type MessageStopPayload struct {
	Type string `json:"type"`
}

// ErrorPayload is the data payload of the "error" SSE event (spec §4.6,
// §7: post-stream errors never send a second set of headers).
type ErrorPayload struct {
	Type  string    `json:"type"`
	Error ErrorInfo `json:"error"`
}

// StopReasonFor maps an OpenAI-style finish_reason onto an Anthropic
// stop_reason. The mapping is total: unknown values pass through unchanged
// so a backend error codifies itself in the output instead of causing a
// panic (spec §4.6, §8 testable property).
func StopReasonFor(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "tool_use":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return finishReason
	}
}
