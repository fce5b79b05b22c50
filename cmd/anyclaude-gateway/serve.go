package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd mirrors the teacher's buildServeCmd
// (cmd/nexus/commands_serve.go): a factory returning one cobra.Command
// with flags bound through closures, delegating to a runServe-style
// handler (spec §6 "CLI surface").
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		mode       string
		checkSetup bool
		testModel  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the anyclaude-gateway proxy server",
		Long: `Start the reverse proxy that translates Anthropic Messages API requests
to the configured backend (anthropic, local, openrouter, or
mlx-cluster).`,
		Example: `  anyclaude-gateway serve --mode=local --config ~/.anyclaude/config.json
  anyclaude-gateway serve --check-setup
  anyclaude-gateway serve --test-model claude-opus-4-20250514`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				ConfigPath: configPath,
				Debug:      debug,
				Mode:       mode,
				CheckSetup: checkSetup,
				TestModel:  testModel,
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to JSON configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&mode, "mode", "", "Backend mode: anthropic|local|openrouter|mlx-cluster")
	cmd.Flags().BoolVar(&checkSetup, "check-setup", false, "Validate the configured Anthropic API key and exit")
	cmd.Flags().StringVar(&testModel, "test-model", "", "Validate that the given Anthropic model is reachable and exit")

	return cmd
}
