// Command anyclaude-gateway runs the protocol-translating reverse proxy
// (spec.md §1): it accepts Anthropic Messages API requests and serves
// them from an Anthropic pass-through, an OpenAI-compatible single
// endpoint, or a clustered MLX node backend. Grounded on the teacher's
// cmd/nexus/main.go entry point (slog JSON handler on stderr, SetDefault,
// buildRootCmd().Execute()).
package main

import (
	"log/slog"
	"os"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
