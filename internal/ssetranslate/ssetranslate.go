// Package ssetranslate implements the SSE Stream Translator (spec.md
// §4.6): it converts a lazy sequence of OpenAI-style chat-completion
// chunks into the Anthropic SSE event sequence, as a pure state machine
// driven by a Sink the caller controls (so backpressure, keepalive
// timing, and transport concerns stay in the Request Handler, per spec
// §9 "the translator state machine is a pure function from (state,
// input chunk) to (state', outbound events)"). Grounded on the teacher's
// internal/agent/providers/anthropic.go processStream/processBetaStream,
// which drives the mirror-image conversion (Anthropic SSE → internal
// chunks) with the same tool-argument accumulation-by-index shape.
package ssetranslate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anyclaude/gateway/internal/gwerrors"
	"github.com/anyclaude/gateway/pkg/wire"
)

// ToolCallDelta is one fragment of a tool-call delta from an upstream
// chunk. Index identifies which tool-call slot the fragment belongs to;
// it is the provider's own index, not an Anthropic content-block index.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one unit of an OpenAI-style chat-completion stream (spec §4.6
// "Input").
type Chunk struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// Sink receives the outbound Anthropic SSE events. Implementations own
// backpressure and keepalive transport details; WriteEvent blocking (or
// erroring after its own bounded wait) IS the backpressure contract from
// the translator's point of view (spec §4.6 "Backpressure contract").
type Sink interface {
	WriteEvent(name string, data any) error
}

// Options configures one translation run.
type Options struct {
	MessageID             string
	Model                 string
	SkipFirstMessageStart bool
	StripWebSearchCalls   bool
}

type blockState int

const (
	stateBetween blockState = iota
	stateText
	stateTool
)

type openToolBlock struct {
	outputIndex   int
	providerIndex int
	id            string
	name          string
	argBuf        strings.Builder
	started       bool
	suppressed    bool
	pendingArgs   []string
}

// Translator runs the per-stream state machine described in spec §4.6.
type Translator struct {
	opts Options
	sink Sink

	state        blockState
	nextIndex    int
	indexCounter int
	currentTool  *openToolBlock
	wroteAnyReal bool
	inputTokens  int
	outputTokens int
	calledTools  []string
}

// New constructs a Translator for one assistant turn.
func New(sink Sink, opts Options) *Translator {
	if opts.MessageID == "" {
		opts.MessageID = "msg_" + uuid.NewString()
	}
	return &Translator{opts: opts, sink: sink, state: stateBetween}
}

// Run consumes chunks until the channel closes or ctx is canceled,
// emitting the Anthropic SSE sequence described in spec §4.6. A canceled
// ctx is reported as Canceled; a failed sink write as StreamInterrupted.
func (t *Translator) Run(ctx context.Context, chunks <-chan Chunk) error {
	if !t.opts.SkipFirstMessageStart {
		if err := t.sink.WriteEvent(wire.EventMessageStart, wire.NewMessageStart(t.opts.MessageID, t.opts.Model)); err != nil {
			return gwerrors.Wrap(gwerrors.StreamInterrupted, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return gwerrors.Wrap(gwerrors.Canceled, ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				return t.finish("")
			}
			if err := t.apply(chunk); err != nil {
				return err
			}
			if chunk.FinishReason != "" {
				return t.finish(chunk.FinishReason)
			}
		}
	}
}

func (t *Translator) apply(c Chunk) error {
	if c.InputTokens > 0 {
		t.inputTokens = c.InputTokens
	}
	if c.OutputTokens > 0 {
		t.outputTokens = c.OutputTokens
	}

	if c.Content != "" {
		if err := t.applyText(c.Content); err != nil {
			return err
		}
	}
	for _, tc := range c.ToolCalls {
		if err := t.applyToolCall(tc); err != nil {
			return err
		}
	}
	return nil
}

func (t *Translator) applyText(content string) error {
	if t.state != stateText {
		if err := t.closeCurrentBlock(); err != nil {
			return err
		}
		index := t.allocIndex()
		if err := t.sink.WriteEvent(wire.EventContentBlockStart, wire.ContentBlockStartPayload{
			Type:         wire.EventContentBlockStart,
			Index:        index,
			ContentBlock: wire.ContentBlock{Type: "text", Text: ""},
		}); err != nil {
			return gwerrors.Wrap(gwerrors.StreamInterrupted, err)
		}
		t.wroteAnyReal = true
		t.state = stateText
		t.nextIndex = index
	}
	return t.writeEvent(wire.EventContentBlockDelta, wire.ContentBlockDeltaPayload{
		Type:  wire.EventContentBlockDelta,
		Index: t.nextIndex,
		Delta: wire.Delta{Type: "text_delta", Text: content},
	})
}

func (t *Translator) applyToolCall(tc ToolCallDelta) error {
	if t.state == stateTool && t.currentTool.providerIndex == tc.Index {
		return t.feedTool(t.currentTool, tc)
	}

	if err := t.closeCurrentBlock(); err != nil {
		return err
	}

	block := &openToolBlock{providerIndex: tc.Index}
	if t.opts.StripWebSearchCalls && isWebSearchName(tc.Name) {
		block.suppressed = true
	}
	t.currentTool = block
	t.state = stateTool
	return t.feedTool(block, tc)
}

func (t *Translator) feedTool(block *openToolBlock, tc ToolCallDelta) error {
	if tc.ID != "" {
		block.id = tc.ID
	}
	if tc.Name != "" {
		block.name = tc.Name
		if !block.suppressed && t.opts.StripWebSearchCalls && isWebSearchName(block.name) {
			block.suppressed = true
		}
	}

	if !block.started {
		if block.name == "" {
			if tc.Arguments != "" {
				block.pendingArgs = append(block.pendingArgs, tc.Arguments)
				block.argBuf.WriteString(tc.Arguments)
			}
			return nil // do not emit start until a name is known (spec §4.6)
		}

		block.started = true
		if !block.suppressed {
			t.calledTools = append(t.calledTools, block.name)
			index := t.allocIndex()
			t.nextIndex = index
			block.outputIndex = index
			if err := t.sink.WriteEvent(wire.EventContentBlockStart, wire.ContentBlockStartPayload{
				Type:  wire.EventContentBlockStart,
				Index: index,
				ContentBlock: wire.ContentBlock{
					Type:  "tool_use",
					ID:    block.id,
					Name:  block.name,
					Input: json.RawMessage("{}"),
				},
			}); err != nil {
				return gwerrors.Wrap(gwerrors.StreamInterrupted, err)
			}
			t.wroteAnyReal = true
			for _, frag := range block.pendingArgs {
				if err := t.writeEvent(wire.EventContentBlockDelta, wire.ContentBlockDeltaPayload{
					Type:  wire.EventContentBlockDelta,
					Index: block.outputIndex,
					Delta: wire.Delta{Type: "input_json_delta", PartialJSON: frag},
				}); err != nil {
					return err
				}
			}
		}
		block.pendingArgs = nil
	}

	if tc.Arguments == "" {
		return nil
	}
	block.argBuf.WriteString(tc.Arguments)
	if block.suppressed {
		return nil
	}
	return t.writeEvent(wire.EventContentBlockDelta, wire.ContentBlockDeltaPayload{
		Type:  wire.EventContentBlockDelta,
		Index: block.outputIndex,
		Delta: wire.Delta{Type: "input_json_delta", PartialJSON: tc.Arguments},
	})
}

func isWebSearchName(name string) bool {
	return name == "web_search" || strings.HasPrefix(name, "web_search_")
}

func (t *Translator) closeCurrentBlock() error {
	switch t.state {
	case stateText:
		if err := t.writeEvent(wire.EventContentBlockStop, wire.ContentBlockStopPayload{Type: wire.EventContentBlockStop, Index: t.nextIndex}); err != nil {
			return err
		}
	case stateTool:
		if t.currentTool != nil && t.currentTool.started && !t.currentTool.suppressed {
			if err := t.writeEvent(wire.EventContentBlockStop, wire.ContentBlockStopPayload{Type: wire.EventContentBlockStop, Index: t.currentTool.outputIndex}); err != nil {
				return err
			}
		}
	}
	t.state = stateBetween
	t.currentTool = nil
	return nil
}

func (t *Translator) allocIndex() int {
	idx := t.indexCounter
	t.indexCounter++
	return idx
}

func (t *Translator) finish(finishReason string) error {
	if err := t.closeCurrentBlock(); err != nil {
		return err
	}

	payload := wire.MessageDeltaPayload{Type: wire.EventMessageDelta}
	payload.Delta.StopReason = wire.StopReasonFor(finishReason)
	payload.Usage = wire.Usage{InputTokens: t.inputTokens, OutputTokens: t.outputTokens}

	if err := t.writeEvent(wire.EventMessageDelta, payload); err != nil {
		return err
	}
	return t.writeEvent(wire.EventMessageStop, wire.MessageStopPayload{Type: wire.EventMessageStop})
}

// CalledToolNames returns the names of every tool_use block actually
// emitted this turn (suppressed server-tool calls excluded), for the
// Tool Schema Bridge's next-turn re-injection trigger (spec §4.4 trigger
// (a)).
func (t *Translator) CalledToolNames() []string {
	return t.calledTools
}

func (t *Translator) writeEvent(name string, data any) error {
	if err := t.sink.WriteEvent(name, data); err != nil {
		return gwerrors.Wrap(gwerrors.StreamInterrupted, err)
	}
	return nil
}

// EmitError writes a single SSE error event followed by message_stop, the
// required shape for a mid-stream upstream failure (spec §4.6, §7
// "Post-stream errors").
func EmitError(sink Sink, kind gwerrors.Kind, message string) error {
	if err := sink.WriteEvent(wire.EventError, wire.ErrorPayload{
		Type:  wire.EventError,
		Error: wire.ErrorInfo{Type: kind.AnthropicType(), Message: message},
	}); err != nil {
		return fmt.Errorf("ssetranslate: write error event: %w", err)
	}
	return sink.WriteEvent(wire.EventMessageStop, wire.MessageStopPayload{Type: wire.EventMessageStop})
}

// KeepaliveComment is the literal SSE comment line emitted on a fixed
// cadence before the first real event (spec §4.6 "Keepalive").
func KeepaliveComment(n int) string {
	return fmt.Sprintf(": keepalive %d\n\n", n)
}

// DefaultKeepaliveInterval is the fixed cadence spec §4.6 names.
const DefaultKeepaliveInterval = 10 * time.Second

// DefaultBackpressureTimeout is the bounded wait spec §4.6 names before a
// stalled downstream write aborts the stream.
const DefaultBackpressureTimeout = 5 * time.Second
