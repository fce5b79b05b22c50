package main

import (
	"strings"
	"testing"

	"github.com/anyclaude/gateway/internal/config"
)

func TestBuildRootCmd_RegistersServeSubcommand(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["serve"] {
		t.Error("expected root command to register a serve subcommand")
	}
}

func TestBuildServeCmd_HasExpectedFlags(t *testing.T) {
	cmd := buildServeCmd()
	for _, name := range []string{"config", "debug", "mode", "check-setup", "test-model"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected --%s flag to be registered", name)
		}
	}
}

func TestClusterOverrides_EnvVarsOverrideFileConfig(t *testing.T) {
	t.Setenv("MLX_CLUSTER_NODES", "http://a:9000,http://b:9000")
	t.Setenv("MLX_CLUSTER_STRATEGY", "round-robin")
	t.Setenv("MLX_CLUSTER_HEALTH_INTERVAL", "5000")
	t.Setenv("MLX_CLUSTER_ENABLED", "true")

	merged := clusterOverrides(&config.ClusterConfig{Nodes: []string{"http://stale:9000"}, Strategy: "least-loaded"})

	wantNodes := []string{"http://a:9000", "http://b:9000"}
	if len(merged.Nodes) != len(wantNodes) {
		t.Fatalf("got %d nodes, want %d", len(merged.Nodes), len(wantNodes))
	}
	for i, n := range wantNodes {
		if merged.Nodes[i] != n {
			t.Errorf("got node[%d] %q, want %q", i, merged.Nodes[i], n)
		}
	}
	if merged.Strategy != "round-robin" {
		t.Errorf("got Strategy %q, want round-robin", merged.Strategy)
	}
	if merged.HealthIntervalMs != 5000 {
		t.Errorf("got HealthIntervalMs %d, want 5000", merged.HealthIntervalMs)
	}
	if !merged.Enabled {
		t.Error("expected Enabled true")
	}
}

func TestClusterOverrides_FileConfigUsedWhenNoEnvSet(t *testing.T) {
	merged := clusterOverrides(&config.ClusterConfig{Nodes: []string{"http://only:9000"}, Strategy: "cache-aware"})

	if len(merged.Nodes) != 1 || merged.Nodes[0] != "http://only:9000" {
		t.Errorf("got Nodes %v, want [http://only:9000]", merged.Nodes)
	}
	if merged.Strategy != "cache-aware" {
		t.Errorf("got Strategy %q, want cache-aware", merged.Strategy)
	}
}

func TestDefaultConfigPath_EndsInAnyclaudeDir(t *testing.T) {
	path := defaultConfigPath()
	if !strings.Contains(path, ".anyclaude") {
		t.Errorf("got path %q, expected it to contain .anyclaude", path)
	}
}
