package proxyhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anyclaude/gateway/internal/breaker"
	"github.com/anyclaude/gateway/internal/cluster"
	"github.com/anyclaude/gateway/internal/gwerrors"
	"github.com/anyclaude/gateway/internal/neutral"
	"github.com/anyclaude/gateway/internal/ssetranslate"
	"github.com/anyclaude/gateway/internal/toolbridge"
	"github.com/anyclaude/gateway/internal/translate"
	"github.com/anyclaude/gateway/pkg/wire"
)

// toolAccumulator collects one tool call's streamed fragments by provider
// index, mirroring openaiclient's own index-keyed accumulation one layer up
// (spec §4.5 "Reverse direction").
type toolAccumulator struct {
	id      string
	name    string
	argsBuf strings.Builder
}

// serveNonStreaming drains chunks into a single assembled Anthropic
// response (spec §4.9 "Non-streaming path: drain, then respond once").
func (h *Handler) serveNonStreaming(
	w http.ResponseWriter,
	req *wire.Request,
	chunks <-chan ssetranslate.Chunk,
	errs <-chan error,
	node cluster.Handle,
	nodeBreaker *breaker.Breaker,
	start time.Time,
	fwd translate.ForwardResult,
	sessionID string,
) {
	var textBuf strings.Builder
	acc := make(map[int]*toolAccumulator)
	var order []int
	stopReason := ""
	inputTokens, outputTokens := 0, 0

	for c := range chunks {
		if c.Content != "" {
			textBuf.WriteString(c.Content)
		}
		for _, tc := range c.ToolCalls {
			a, ok := acc[tc.Index]
			if !ok {
				a = &toolAccumulator{}
				acc[tc.Index] = a
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				a.id = tc.ID
			}
			if tc.Name != "" {
				a.name = tc.Name
			}
			if tc.Arguments != "" {
				a.argsBuf.WriteString(tc.Arguments)
			}
		}
		if c.InputTokens > 0 {
			inputTokens = c.InputTokens
		}
		if c.OutputTokens > 0 {
			outputTokens = c.OutputTokens
		}
		if c.FinishReason != "" {
			stopReason = c.FinishReason
		}
	}

	latencyMs := float64(time.Since(start).Milliseconds())

	select {
	case err := <-errs:
		if err != nil {
			h.recordOutcome(node, nodeBreaker, false, latencyMs)
			writeJSONError(w, err)
			return
		}
	default:
	}

	msg := neutral.Message{Role: "assistant"}
	if textBuf.Len() > 0 {
		msg.Blocks = append(msg.Blocks, neutral.Block{Kind: neutral.KindText, Text: textBuf.String()})
	}
	for _, idx := range order {
		a := acc[idx]
		msg.Blocks = append(msg.Blocks, neutral.Block{
			Kind:         neutral.KindToolCall,
			ToolCallID:   a.id,
			ToolCallName: a.name,
			ToolCallJSON: json.RawMessage(a.argsBuf.String()),
		})
	}

	content, err := translate.ToAnthropic(msg)
	if err != nil {
		h.recordOutcome(node, nodeBreaker, false, latencyMs)
		writeJSONError(w, gwerrors.Wrap(gwerrors.UpstreamProtocolError, err))
		return
	}

	resp := wire.Response{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    content,
		StopReason: wire.StopReasonFor(stopReason),
		Usage:      wire.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
	}

	if h.Bridge != nil {
		calledNames := make([]string, 0, len(order))
		for _, idx := range order {
			if acc[idx].name != "" {
				calledNames = append(calledNames, acc[idx].name)
			}
		}
		h.Bridge.RecordCalledTools(sessionID, calledNames)
	}

	h.recordOutcome(node, nodeBreaker, true, latencyMs)
	if h.Router != nil && node.ID != "" {
		if fingerprint, fpErr := toolbridge.Fingerprint(fwd.System, fwd.Tools); fpErr == nil {
			h.Router.UpdateNodeCache(node.ID, fingerprint, inputTokens)
		}
	}
	h.recordCache(fwd, inputTokens)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// serveStreaming pipes chunks through an ssetranslate.Translator onto the
// response body as SSE, with a keepalive ticker running until the first
// real chunk arrives (spec §4.6 "Keepalive").
func (h *Handler) serveStreaming(
	ctx context.Context,
	w http.ResponseWriter,
	req *wire.Request,
	chunks <-chan ssetranslate.Chunk,
	errs <-chan error,
	node cluster.Handle,
	nodeBreaker *breaker.Breaker,
	start time.Time,
	fwd translate.ForwardResult,
	sessionID string,
) {
	sink, err := newSSEWriter(w)
	if err != nil {
		h.recordOutcome(node, nodeBreaker, false, 0)
		writeJSONError(w, gwerrors.Wrap(gwerrors.Internal, err))
		return
	}
	WriteSSEHeaders(w)

	messageID := "msg_" + uuid.NewString()
	if err := sink.WriteEvent(wire.EventMessageStart, wire.NewMessageStart(messageID, req.Model)); err != nil {
		h.recordOutcome(node, nodeBreaker, false, 0)
		return
	}

	stopKeepalive := make(chan struct{})
	keepaliveDone := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopKeepalive) }) }

	go func() {
		defer close(keepaliveDone)
		ticker := time.NewTicker(ssetranslate.DefaultKeepaliveInterval)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-stopKeepalive:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				_ = sink.WriteComment(fmt.Sprintf("keepalive %d", seq))
			}
		}
	}()

	relayed := make(chan ssetranslate.Chunk)
	go func() {
		defer close(relayed)
		first := true
		for c := range chunks {
			if first {
				stop()
				first = false
			}
			select {
			case relayed <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	translator := ssetranslate.New(sink, ssetranslate.Options{
		MessageID:             messageID,
		Model:                 req.Model,
		SkipFirstMessageStart: true,
		StripWebSearchCalls:   true,
	})

	runErr := translator.Run(ctx, relayed)
	stop()
	<-keepaliveDone

	if h.Bridge != nil {
		h.Bridge.RecordCalledTools(sessionID, translator.CalledToolNames())
	}

	latencyMs := float64(time.Since(start).Milliseconds())

	if runErr != nil {
		h.recordOutcome(node, nodeBreaker, false, latencyMs)
		_ = ssetranslate.EmitError(sink, gwerrors.KindOf(runErr), runErr.Error())
		return
	}

	select {
	case streamErr := <-errs:
		if streamErr != nil {
			h.recordOutcome(node, nodeBreaker, false, latencyMs)
			_ = ssetranslate.EmitError(sink, gwerrors.KindOf(streamErr), streamErr.Error())
			return
		}
	default:
	}

	h.recordOutcome(node, nodeBreaker, true, latencyMs)
	if h.Router != nil && node.ID != "" {
		if fingerprint, fpErr := toolbridge.Fingerprint(fwd.System, fwd.Tools); fpErr == nil {
			h.Router.UpdateNodeCache(node.ID, fingerprint, 0)
		}
	}
	h.recordCache(fwd, 0)
}

// recordCache feeds the Cache Monitor a fingerprint-keyed, inferred
// hit/miss observation (spec §4.8 "inferred ... for OpenAI-style
// backends").
func (h *Handler) recordCache(fwd translate.ForwardResult, inputTokens int) {
	if h.CacheMon == nil {
		return
	}
	fingerprint, err := toolbridge.Fingerprint(fwd.System, fwd.Tools)
	if err != nil {
		return
	}
	h.CacheMon.RecordInferred(fingerprint, len(fwd.System), len(fwd.Tools), int64(inputTokens))
}
