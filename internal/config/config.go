// Package config implements Config & Mode Selection (spec.md §4.11): mode
// resolution across CLI flag, environment, and config file, plus the
// per-mode backend options. Trimmed from the teacher's richer
// internal/config/loader.go ($include directives, YAML, env-var
// expansion inside arbitrary values) to the JSON-only surface spec §6
// describes — config-file loading is an external collaborator per spec
// §1, not a component to re-implement in full.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Mode is a backend family (spec §4.11).
type Mode string

const (
	ModeAnthropic Mode = "anthropic"
	ModeLocal     Mode = "local"
	ModeOpenRouter Mode = "openrouter"
	ModeCluster   Mode = "mlx-cluster"
)

// BackendConfig is one `backends.{name}` entry (spec §6 "Configuration
// file").
type BackendConfig struct {
	BaseURL string       `json:"base_url,omitempty"`
	APIKey  string       `json:"api_key,omitempty"`
	Model   string       `json:"model,omitempty"`
	Cluster *ClusterConfig `json:"cluster,omitempty"`
}

// ClusterConfig is the cluster sub-config (discovery/health/routing/
// cache), read from `MLX_CLUSTER_*` env vars or the `cluster` key.
type ClusterConfig struct {
	Nodes               []string `json:"nodes,omitempty"`
	Strategy             string  `json:"strategy,omitempty"`
	HealthIntervalMs      int    `json:"health_interval_ms,omitempty"`
	Enabled               bool   `json:"enabled,omitempty"`
}

// File is the on-disk JSON configuration shape (spec §6).
type File struct {
	Backend  Mode                      `json:"backend,omitempty"`
	Debug    bool                      `json:"debug,omitempty"`
	Backends map[string]BackendConfig `json:"backends,omitempty"`
}

// Config is the fully resolved, effective configuration for one process
// lifetime — read once at start; changes require restart (spec §4.11).
type Config struct {
	Mode     Mode
	Debug    bool
	Backends map[string]BackendConfig

	SafeSystemFilterSet bool // whether the caller explicitly set safeSystemFilter
	SafeSystemFilter    bool
}

// LoadFile reads and parses a JSON config file at path. A missing file is
// not an error — config-file loading is optional (spec §1 "external
// collaborator"); callers fall back to CLI/env/defaults.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Sources bundles the three precedence inputs for ResolveMode (spec
// §4.11 "Precedence: CLI flag > env var > config file > default").
type Sources struct {
	CLIFlag string // --mode value, empty if unset
	EnvVar  string // ANYCLAUDE_MODE value, empty if unset
	File    Mode   // config file's `backend` key, empty if unset
}

const defaultMode = ModeAnthropic

// ResolveMode applies the fixed precedence order (spec §4.11).
func ResolveMode(s Sources) Mode {
	if s.CLIFlag != "" {
		return Mode(s.CLIFlag)
	}
	if s.EnvVar != "" {
		return Mode(s.EnvVar)
	}
	if s.File != "" {
		return s.File
	}
	return defaultMode
}

// Resolve builds the effective Config from a parsed File, CLI flags, and
// the process environment.
func Resolve(file *File, cliMode string, env func(string) string) *Config {
	if env == nil {
		env = os.Getenv
	}

	mode := ResolveMode(Sources{CLIFlag: cliMode, EnvVar: env("ANYCLAUDE_MODE"), File: file.Backend})

	debug := file.Debug
	if v := env("ANYCLAUDE_DEBUG"); v == "1" || v == "true" {
		debug = true
	}

	return &Config{
		Mode:     mode,
		Debug:    debug,
		Backends: file.Backends,
	}
}

// ValidModes lists the modes spec §4.11/§6 name.
func ValidModes() []Mode {
	return []Mode{ModeAnthropic, ModeLocal, ModeOpenRouter, ModeCluster}
}

// IsValid reports whether m is one of the recognised modes.
func (m Mode) IsValid() bool {
	for _, v := range ValidModes() {
		if m == v {
			return true
		}
	}
	return false
}
