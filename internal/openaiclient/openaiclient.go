// Package openaiclient wraps github.com/sashabaranov/go-openai to call
// OpenAI-compatible backends (local inference servers, openrouter,
// cluster nodes). Grounded on the teacher's
// internal/agent/providers/openai.go, which builds the same client,
// converts neutral messages/tools into the library's wire types, and
// accumulates streaming tool-call deltas by index.
package openaiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/anyclaude/gateway/internal/gwerrors"
	"github.com/anyclaude/gateway/internal/neutral"
	"github.com/anyclaude/gateway/internal/retry"
	"github.com/anyclaude/gateway/internal/ssetranslate"
)

// Client calls one OpenAI-compatible backend.
type Client struct {
	inner       *openai.Client
	cachePrompt bool // set for local mode; stored only, no outbound request carries `cache_prompt`
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	CachePrompt bool
}

// New constructs a Client targeting an OpenAI-compatible base URL.
func New(cfg Config) *Client {
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{inner: openai.NewClientWithConfig(oaiCfg), cachePrompt: cfg.CachePrompt}
}

// Request is the neutral-model request handed to StreamChatCompletion.
type Request struct {
	Model       string
	Messages    []neutral.Message
	System      string
	Tools       []neutral.Tool
	MaxTokens   int
	Temperature *float64
}

// buildMessages converts neutral messages (plus the system prompt) into
// go-openai's ChatCompletionMessage list (spec §4.5/§6 "Outbound HTTP to
// backends"), mirroring convertToOpenAIMessages in the teacher.
func buildMessages(system string, messages []neutral.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range messages {
		var text string
		var toolCalls []openai.ToolCall
		var toolResults []openai.ChatCompletionMessage

		for _, b := range m.Blocks {
			switch b.Kind {
			case neutral.KindText:
				text += b.Text
			case neutral.KindToolCall:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolCallName,
						Arguments: string(b.ToolCallJSON),
					},
				})
			case neutral.KindToolResult:
				toolResults = append(toolResults, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.ToolResultContent,
					ToolCallID: b.ToolResultID,
				})
			}
		}

		role := m.Role
		if role == "assistant" {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text, ToolCalls: toolCalls})
		} else {
			if text != "" {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
			}
		}
		out = append(out, toolResults...)
	}
	return out
}

// buildTools converts neutral tools into go-openai's Tool list.
func buildTools(tools []neutral.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &params)
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// StreamChatCompletion opens a streaming chat-completion call and
// translates the library's delta stream into ssetranslate.Chunk values on
// the returned channel, closing it when the stream ends. Establishing the
// stream retries with backoff on a retryable error (gwerrors.IsRetryable);
// once the stream is open, chunk delivery is never retried — a mid-stream
// error is sent on the returned error channel instead (spec §5 "Mid-stream
// chunks are never retried").
func (c *Client) StreamChatCompletion(ctx context.Context, req Request) (<-chan ssetranslate.Chunk, <-chan error, error) {
	oaiReq := openai.ChatCompletionRequest{
		Model:             req.Model,
		Messages:          buildMessages(req.System, req.Messages),
		Tools:             buildTools(req.Tools),
		Stream:            true,
		ParallelToolCalls: false,
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxCompletionTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		oaiReq.Temperature = float32(*req.Temperature)
	}

	var stream *openai.ChatCompletionStream
	result := retry.Do(ctx, retry.DefaultConfig(), func() error {
		s, err := c.inner.CreateChatCompletionStream(ctx, oaiReq)
		if err != nil {
			return classifyErr(err)
		}
		stream = s
		return nil
	})
	if result.Err != nil {
		return nil, nil, result.Err
	}

	chunks := make(chan ssetranslate.Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer stream.Close()

		toolNames := make(map[int]string)

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				errs <- classifyErr(err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			out := ssetranslate.Chunk{
				Content:      choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}
			if resp.Usage != nil {
				out.InputTokens = resp.Usage.PromptTokens
				out.OutputTokens = resp.Usage.CompletionTokens
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				name := tc.Function.Name
				if name != "" {
					toolNames[idx] = name
				}
				out.ToolCalls = append(out.ToolCalls, ssetranslate.ToolCallDelta{
					Index:     idx,
					ID:        tc.ID,
					Name:      name,
					Arguments: tc.Function.Arguments,
				})
			}

			select {
			case chunks <- out:
			case <-ctx.Done():
				errs <- gwerrors.Wrap(gwerrors.Canceled, ctx.Err())
				return
			}
		}
	}()

	return chunks, errs, nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if asAPIError(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return gwerrors.Wrap(gwerrors.UpstreamUnavailable, err)
		case apiErr.HTTPStatusCode >= 400:
			return gwerrors.Wrap(gwerrors.BadRequest, err)
		}
	}
	return gwerrors.Wrap(gwerrors.UpstreamProtocolError, err)
}

func asAPIError(err error, target **openai.APIError) bool {
	if apiErr, ok := err.(*openai.APIError); ok {
		*target = apiErr
		return true
	}
	return false
}
