// Package anthropictest backs the `--check-setup` and `--test-model` CLI
// flags (spec.md §6 "CLI surface", §4.11): it builds a real
// anthropic.Client and issues a minimal non-streaming call to validate the
// configured API key, base URL, and model; when either flag is set the
// command runs the check and returns without serving. Grounded on the teacher's
// internal/agent/providers/anthropic.go NewAnthropicProvider/createStream
// (client construction, request shape, error unwrapping into
// *anthropic.Error).
package anthropictest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used for --check-setup/--test-model when the caller
// supplies no model (spec §4.11 defaults).
const DefaultModel = "claude-3-5-haiku-20241022"

// DefaultTimeout bounds the setup-check call so a hung network doesn't
// block process startup indefinitely.
const DefaultTimeout = 15 * time.Second

// Options configures a setup check.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Result reports the outcome of a setup/model check.
type Result struct {
	Model     string
	RequestID string
	Latency   time.Duration
}

// CheckSetup validates that the configured Anthropic API key and base URL
// can authenticate and reach the API, sending a short "ping" prompt with
// the same small MaxTokens cap TestModel uses (spec §6 "--check-setup").
func CheckSetup(ctx context.Context, opts Options) (Result, error) {
	return run(ctx, opts, "ping")
}

// TestModel validates that a specific model is reachable and returns a
// sane reply, asking for a one-word answer; the request is otherwise the
// same as CheckSetup's (spec §6 "--test-model").
func TestModel(ctx context.Context, opts Options) (Result, error) {
	return run(ctx, opts, "Reply with the single word: ok")
}

func run(ctx context.Context, opts Options, prompt string) (Result, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return Result{}, errors.New("anthropictest: API key is required")
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	options := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		options = append(options, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(options...)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Result{}, classifyErr(err, model)
	}

	return Result{Model: model, RequestID: msg.ID, Latency: time.Since(start)}, nil
}

func classifyErr(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("anthropictest: model %q check failed (status %d): %w", model, apiErr.StatusCode, err)
	}
	return fmt.Errorf("anthropictest: model %q check failed: %w", model, err)
}
