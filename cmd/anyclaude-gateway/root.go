package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to keep it testable (spec §6 "CLI surface").
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anyclaude-gateway",
		Short: "Reverse proxy translating the Anthropic Messages API to Anthropic, OpenAI-compatible, or clustered MLX backends",
		Long: `anyclaude-gateway accepts Anthropic Messages API requests and translates
them to whichever backend is configured: an Anthropic pass-through, a
single OpenAI-compatible endpoint (local inference, OpenRouter), or a
load-balanced cluster of MLX nodes with cache-affinity routing and
circuit breaking.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())

	return rootCmd
}
