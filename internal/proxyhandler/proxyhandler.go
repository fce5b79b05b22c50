// Package proxyhandler implements the Request Handler (spec.md §4.9): it
// orchestrates the Context Estimator, Prompt Optimizer, Tool Schema
// Bridge, Message Translator, Cluster Router, SSE Stream Translator,
// Circuit Breaker, and Cache Monitor around one incoming
// `POST /v1/messages`, and owns the pass-through relay for mode=anthropic.
// Grounded on the teacher's internal/gateway/http_server.go +
// streaming.go request-lifecycle shape (bare net/http.ServeMux, explicit
// per-request goroutine, structured slog logging around each stage).
package proxyhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anyclaude/gateway/internal/breaker"
	"github.com/anyclaude/gateway/internal/cachemonitor"
	"github.com/anyclaude/gateway/internal/cluster"
	"github.com/anyclaude/gateway/internal/config"
	"github.com/anyclaude/gateway/internal/contextwindow"
	"github.com/anyclaude/gateway/internal/gwerrors"
	"github.com/anyclaude/gateway/internal/neutral"
	"github.com/anyclaude/gateway/internal/openaiclient"
	"github.com/anyclaude/gateway/internal/promptopt"
	"github.com/anyclaude/gateway/internal/ratelimit"
	"github.com/anyclaude/gateway/internal/ssetranslate"
	"github.com/anyclaude/gateway/internal/toolbridge"
	"github.com/anyclaude/gateway/internal/translate"
	"github.com/anyclaude/gateway/pkg/wire"
)

// MaxRequestBodyBytes is the 10 MiB cap spec §4.9 names.
const MaxRequestBodyBytes = 10 * 1024 * 1024

// AnthropicUpstreamBase is the pass-through target for mode=anthropic
// (spec §6 "transparently proxied to api.anthropic.com").
const AnthropicUpstreamBase = "https://api.anthropic.com"

// BackendCaller is the dependency the Request Handler needs from a
// backend client: open one streaming chat-completion call (spec §4.9
// "Outbound HTTP to backends"). *openaiclient.Client satisfies this; tests
// supply a fake.
type BackendCaller interface {
	StreamChatCompletion(ctx context.Context, req openaiclient.Request) (<-chan ssetranslate.Chunk, <-chan error, error)
}

// Handler is the Request Handler (C9).
type Handler struct {
	Config      *config.Config
	Estimator   *contextwindow.Estimator
	Bridge      *toolbridge.Bridge
	Breaker     *breaker.Breaker
	Router      *cluster.Router // nil outside cluster mode
	CacheMon    *cachemonitor.Monitor
	RateLimiter *ratelimit.MultiLimiter
	Backend     BackendCaller                       // non-cluster modes; unused in cluster mode, where NodeBackend builds per-node clients
	NodeBackend func(url string) BackendCaller // cluster mode: build a client for a selected node's URL

	Logger *slog.Logger

	HTTPClient     *http.Client
	RequestTimeout time.Duration

	// UpstreamBase overrides AnthropicUpstreamBase, for tests.
	UpstreamBase string

	PromptOptions promptopt.Options
}

// ServeHTTP routes /v1/messages to the translation pipeline and anything
// else, under mode=anthropic, to the transparent pass-through relay
// (spec §6 "External Interfaces").
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/messages" && r.Method == http.MethodPost {
		h.handleMessages(w, r)
		return
	}
	if h.Config.Mode == config.ModeAnthropic {
		h.passthrough(w, r)
		return
	}
	http.NotFound(w, r)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxRequestBodyBytes {
		writeJSONError(w, gwerrors.New(gwerrors.BadRequest, "request body too large"))
		return
	}

	clientIP := clientIPFromRequest(r)
	sessionID := r.Header.Get("X-Session-Id")
	if h.RateLimiter != nil && !h.RateLimiter.Allow(ratelimit.CompositeKey{ClientIP: clientIP, SessionID: sessionID}) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(wire.ErrorBody{Type: "error", Error: wire.ErrorInfo{Type: "rate_limit_error", Message: "too many requests"}})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes+1))
	if err != nil {
		writeJSONError(w, gwerrors.Wrap(gwerrors.BadRequest, err))
		return
	}
	if int64(len(body)) > MaxRequestBodyBytes {
		writeJSONError(w, gwerrors.New(gwerrors.BadRequest, "request body too large"))
		return
	}

	if h.Config.Mode == config.ModeAnthropic {
		h.passthroughBody(w, r, body)
		return
	}

	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, gwerrors.Wrap(gwerrors.BadRequest, err))
		return
	}

	h.translateAndDispatch(w, r, &req, sessionID)
}

func (h *Handler) translateAndDispatch(w http.ResponseWriter, r *http.Request, req *wire.Request, sessionID string) {
	ctx := r.Context()
	timeout := h.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fwd, err := translate.ToNeutral(req)
	if err != nil {
		writeJSONError(w, classifyTranslateErr(err))
		return
	}
	for _, warning := range fwd.Warnings {
		h.logger().Warn("message translation warning", "kind", warning.Kind, "message", warning.Message)
	}

	var node cluster.Handle
	var backend BackendCaller
	nodeBreaker := h.Breaker

	if h.Router != nil {
		fingerprint, _ := toolbridge.Fingerprint(fwd.System, fwd.Tools)
		selected, err := h.Router.SelectNode(cluster.SelectOptions{SystemPromptHash: fingerprint, SessionID: sessionID})
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(wire.ErrorBody{Type: "error", Error: wire.ErrorInfo{Type: "overloaded_error", Message: err.Error()}})
			return
		}
		node = selected
		backend = h.NodeBackend(node.URL)
	} else {
		backend = h.Backend
	}

	if nodeBreaker != nil && !nodeBreaker.ShouldAllowRequest() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(wire.ErrorBody{Type: "error", Error: wire.ErrorInfo{Type: "overloaded_error", Message: "circuit breaker open"}})
		return
	}

	usableLimit := h.Estimator.UsableLimit(req.Model, 0)
	fixedTokens := contextwindow.CountTokens(fwd.System) + contextwindow.CountToolsJSON(marshalToolsForEstimate(fwd.Tools))
	trunc, err := contextwindow.TruncateMessages(fwd.Messages, fixedTokens, usableLimit)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	if trunc.RemovedCount > 0 {
		h.logger().Warn("context truncated", "removed_count", trunc.RemovedCount, "model", req.Model)
	}

	optimizedSystem, _ := promptopt.Optimize(fwd.System, contextwindow.CountTokens(fwd.System), h.PromptOptions)

	tools, _, injectedSkills, err := h.Bridge.Prepare(sessionID, fwd.Tools, providerForMode(h.Config.Mode), lastUserText(trunc.Messages))
	if err != nil {
		writeJSONError(w, gwerrors.Wrap(gwerrors.Internal, err))
		return
	}
	if injectedSkills != "" {
		optimizedSystem += "\n\n" + injectedSkills
	}

	backendReq := openaiclient.Request{
		Model:       req.Model,
		Messages:    trunc.Messages,
		System:      optimizedSystem,
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	start := time.Now()
	chunks, errs, err := backend.StreamChatCompletion(ctx, backendReq)
	if err != nil {
		h.recordOutcome(node, nodeBreaker, false, 0)
		writeJSONError(w, err)
		return
	}

	if !req.Stream {
		h.serveNonStreaming(w, req, chunks, errs, node, nodeBreaker, start, fwd, sessionID)
		return
	}
	h.serveStreaming(ctx, w, req, chunks, errs, node, nodeBreaker, start, fwd, sessionID)
}

// providerForMode maps a backend mode to the NormalizeSchema provider key
// (spec §4.4 "Schema fixups per provider"). mlx-cluster nodes and
// local/openrouter backends both speak the OpenAI-compatible wire format,
// but cluster nodes run MLX specifically, which rejects a stricter field
// set (toolbridge.disallowedFields).
func providerForMode(mode config.Mode) string {
	switch mode {
	case config.ModeCluster:
		return "mlx"
	case config.ModeAnthropic:
		return "anthropic"
	default:
		return "openai"
	}
}

// lastUserText returns the concatenated text of the most recent
// user-role message, feeding the Tool Schema Bridge's keyword-trigger
// skill re-injection (spec §4.4 trigger (b)).
func lastUserText(messages []neutral.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		var text strings.Builder
		for _, b := range messages[i].Blocks {
			if b.Kind == neutral.KindText {
				text.WriteString(b.Text)
			}
		}
		return text.String()
	}
	return ""
}

func marshalToolsForEstimate(tools []neutral.Tool) []byte {
	raw, _ := json.Marshal(tools)
	return raw
}

func (h *Handler) recordOutcome(node cluster.Handle, nodeBreaker *breaker.Breaker, success bool, latencyMs float64) {
	if nodeBreaker != nil {
		if success {
			nodeBreaker.RecordSuccess()
			nodeBreaker.RecordLatency(latencyMs)
		} else {
			nodeBreaker.RecordFailure()
		}
	}
	if h.Router != nil && node.ID != "" {
		if success {
			h.Router.RecordNodeSuccess(node.ID, latencyMs)
		} else {
			h.Router.RecordNodeFailure(node.ID, fmt.Errorf("request failed"))
		}
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func clientIPFromRequest(r *http.Request) string {
	if host, _, err := splitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", fmt.Errorf("no port in address")
}

func writeJSONError(w http.ResponseWriter, err error) {
	kind := gwerrors.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(wire.ErrorBody{
		Type:  "error",
		Error: wire.ErrorInfo{Type: kind.AnthropicType(), Message: err.Error()},
	})
}

func classifyTranslateErr(err error) error {
	var ube *neutral.UnsupportedBlockError
	if asUnsupported(err, &ube) {
		return gwerrors.Wrap(gwerrors.BadRequest, err)
	}
	return gwerrors.Wrap(gwerrors.BadRequest, err)
}

func asUnsupported(err error, target **neutral.UnsupportedBlockError) bool {
	ube, ok := err.(*neutral.UnsupportedBlockError)
	if ok {
		*target = ube
	}
	return ok
}

// passthrough relays the raw request verbatim to the Anthropic upstream
// (spec §4.9 item 3, §6).
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes+1))
	if err != nil {
		writeJSONError(w, gwerrors.Wrap(gwerrors.BadRequest, err))
		return
	}
	h.passthroughBody(w, r, body)
}

func (h *Handler) passthroughBody(w http.ResponseWriter, r *http.Request, body []byte) {
	base := h.UpstreamBase
	if base == "" {
		base = AnthropicUpstreamBase
	}
	upstreamURL := base + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, gwerrors.Wrap(gwerrors.Internal, err))
		return
	}
	for k, vv := range r.Header {
		if k == "Host" {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		writeJSONError(w, gwerrors.Wrap(gwerrors.UpstreamUnavailable, err))
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
