package ssetranslate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anyclaude/gateway/internal/gwerrors"
	"github.com/anyclaude/gateway/pkg/wire"
)

type recordedEvent struct {
	name string
	data any
}

type fakeSink struct {
	events []recordedEvent
}

func (f *fakeSink) WriteEvent(name string, data any) error {
	f.events = append(f.events, recordedEvent{name, data})
	return nil
}

func (f *fakeSink) names() []string {
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.name
	}
	return out
}

func equalNames(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got events %v, want %v", got, want)
		}
	}
}

func runChunks(t *testing.T, opts Options, chunks []Chunk) *fakeSink {
	t.Helper()
	sink := &fakeSink{}
	tr := New(sink, opts)
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	if err := tr.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return sink
}

func TestTranslator_TextOnlyStream(t *testing.T) {
	sink := runChunks(t, Options{MessageID: "m1", Model: "gpt"}, []Chunk{
		{Content: "he"},
		{Content: "llo"},
		{FinishReason: "stop"},
	})

	equalNames(t, sink.names(), []string{
		wire.EventMessageStart,
		wire.EventContentBlockStart,
		wire.EventContentBlockDelta,
		wire.EventContentBlockDelta,
		wire.EventContentBlockStop,
		wire.EventMessageDelta,
		wire.EventMessageStop,
	})

	start := sink.events[1].data.(wire.ContentBlockStartPayload)
	if start.Index != 0 {
		t.Errorf("got index %d, want 0", start.Index)
	}
	if start.ContentBlock.Type != "text" {
		t.Errorf("got type %q, want text", start.ContentBlock.Type)
	}

	delta := sink.events[5].data.(wire.MessageDeltaPayload)
	if delta.Delta.StopReason != "end_turn" {
		t.Errorf("got stop reason %q, want end_turn", delta.Delta.StopReason)
	}
}

func TestTranslator_ToolCallStream(t *testing.T) {
	sink := runChunks(t, Options{MessageID: "m1", Model: "gpt"}, []Chunk{
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "t1", Name: "get_weather"}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"c`}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `ity":`}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `"SF"}`}}},
		{FinishReason: "tool_calls"},
	})

	equalNames(t, sink.names(), []string{
		wire.EventMessageStart,
		wire.EventContentBlockStart,
		wire.EventContentBlockDelta,
		wire.EventContentBlockDelta,
		wire.EventContentBlockDelta,
		wire.EventContentBlockStop,
		wire.EventMessageDelta,
		wire.EventMessageStop,
	})

	start := sink.events[1].data.(wire.ContentBlockStartPayload)
	if start.ContentBlock.Type != "tool_use" {
		t.Errorf("got type %q, want tool_use", start.ContentBlock.Type)
	}
	if start.ContentBlock.ID != "t1" {
		t.Errorf("got ID %q, want t1", start.ContentBlock.ID)
	}
	if start.ContentBlock.Name != "get_weather" {
		t.Errorf("got name %q, want get_weather", start.ContentBlock.Name)
	}
	if string(start.ContentBlock.Input) != "{}" {
		t.Errorf("got input %q, want {}", string(start.ContentBlock.Input))
	}

	var full string
	for i := 2; i <= 4; i++ {
		d := sink.events[i].data.(wire.ContentBlockDeltaPayload)
		if d.Delta.Type != "input_json_delta" {
			t.Errorf("got delta type %q, want input_json_delta", d.Delta.Type)
		}
		full += d.Delta.PartialJSON
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(full), &parsed); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if parsed["city"] != "SF" {
		t.Errorf("got city %v, want SF", parsed["city"])
	}

	delta := sink.events[6].data.(wire.MessageDeltaPayload)
	if delta.Delta.StopReason != "tool_use" {
		t.Errorf("got stop reason %q, want tool_use", delta.Delta.StopReason)
	}
}

func TestTranslator_CalledToolNamesTracksEmittedToolBlocks(t *testing.T) {
	sink := &fakeSink{}
	translator := New(sink, Options{MessageID: "m1", Model: "gpt"})
	ch := make(chan Chunk, 3)
	ch <- Chunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "t1", Name: "get_weather"}}}
	ch <- Chunk{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"city":"SF"}`}}}
	ch <- Chunk{FinishReason: "tool_calls"}
	close(ch)

	if err := translator.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	names := translator.CalledToolNames()
	if len(names) != 1 || names[0] != "get_weather" {
		t.Errorf("got %v, want [get_weather]", names)
	}
}

func TestTranslator_ToolStartDelayedUntilNameKnown(t *testing.T) {
	sink := runChunks(t, Options{}, []Chunk{
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "t1", Arguments: `{"a":1}`}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Name: "f"}}},
		{FinishReason: "tool_calls"},
	})
	// content_block_start must come after the name arrives, and the early
	// argument fragment must still be flushed once the block opens.
	if len(sink.events) < 2 {
		t.Fatalf("got %d events, want at least 2", len(sink.events))
	}
	start := sink.events[1].data.(wire.ContentBlockStartPayload)
	if start.ContentBlock.Name != "f" {
		t.Errorf("got name %q, want f", start.ContentBlock.Name)
	}
}

func TestTranslator_StripsWebSearchCalls(t *testing.T) {
	sink := runChunks(t, Options{StripWebSearchCalls: true}, []Chunk{
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "t1", Name: "web_search_preview", Arguments: `{}`}}},
		{Content: "after search"},
		{FinishReason: "stop"},
	})
	names := sink.names()
	// The suppressed tool_use block never gets a start/delta/stop of its
	// own; only the text block that follows produces one start.
	startCount := 0
	hasDelta := false
	for _, n := range names {
		if n == wire.EventContentBlockStart {
			startCount++
		}
		if n == wire.EventContentBlockDelta {
			hasDelta = true
		}
	}
	if startCount != 1 {
		t.Errorf("got %d content_block_start events, want 1", startCount)
	}
	if !hasDelta {
		t.Error("expected at least one content_block_delta event")
	}
}

func TestTranslator_SkipFirstMessageStart(t *testing.T) {
	sink := runChunks(t, Options{SkipFirstMessageStart: true}, []Chunk{
		{Content: "hi"},
		{FinishReason: "stop"},
	})
	for _, n := range sink.names() {
		if n == wire.EventMessageStart {
			t.Error("expected message_start to be skipped")
		}
	}
}

func TestTranslator_SwitchingBetweenTextAndToolClosesBlocks(t *testing.T) {
	sink := runChunks(t, Options{}, []Chunk{
		{Content: "intro"},
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "t1", Name: "f", Arguments: `{}`}}},
		{FinishReason: "tool_calls"},
	})
	names := sink.names()
	// content_block_stop must appear once for the text block and again for
	// the tool block.
	count := 0
	for _, n := range names {
		if n == wire.EventContentBlockStop {
			count++
		}
	}
	if count != 2 {
		t.Errorf("got %d content_block_stop events, want 2", count)
	}
}

func TestTranslator_IndexIsContiguousFromZero(t *testing.T) {
	sink := runChunks(t, Options{}, []Chunk{
		{Content: "a"},
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "t1", Name: "f"}}},
		{FinishReason: "tool_calls"},
	})
	textStart := sink.events[1].data.(wire.ContentBlockStartPayload)
	toolStart := sink.events[4].data.(wire.ContentBlockStartPayload)
	if textStart.Index != 0 {
		t.Errorf("got text index %d, want 0", textStart.Index)
	}
	if toolStart.Index != 1 {
		t.Errorf("got tool index %d, want 1", toolStart.Index)
	}
}

func TestStopReasonFor_TotalAndStable(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"tool_use":       "tool_use",
		"content_filter": "content_filter",
		"something_else": "something_else",
	}
	for in, want := range cases {
		if got := wire.StopReasonFor(in); got != want {
			t.Errorf("StopReasonFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmitError_WritesErrorThenMessageStop(t *testing.T) {
	sink := &fakeSink{}
	if err := EmitError(sink, gwerrors.Internal, "boom"); err != nil {
		t.Fatalf("EmitError() error: %v", err)
	}
	equalNames(t, sink.names(), []string{wire.EventError, wire.EventMessageStop})
}
