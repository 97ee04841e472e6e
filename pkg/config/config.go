// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the ATP server configuration.
//
// Configuration is loaded from a YAML file with environment variable
// expansion (${VAR}, ${VAR:-default}), then overridden by well-known
// environment variables:
//
//	SESSION_SECRET     - required, minimum 32 bytes
//	PROVENANCE_SECRET  - required when provenance is enabled, minimum 32 bytes
//	STATE_STORE_URL    - optional, selects the execution state store backend
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// minSecretLen is the minimum length of signing secrets.
const minSecretLen = 32

// ProvenanceMode selects how value provenance is tracked inside the sandbox.
type ProvenanceMode string

const (
	// ProvenanceModeProxy wraps tool return values in metadata-carrying proxies.
	ProvenanceModeProxy ProvenanceMode = "proxy"

	// ProvenanceModeAST instruments the transformed code so taint propagates
	// through operators and calls explicitly.
	ProvenanceModeAST ProvenanceMode = "ast"

	// ProvenanceModeNone disables taint tracking.
	ProvenanceModeNone ProvenanceMode = "none"
)

// Config is the root ATP server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server,omitempty"`
	Execution   ExecutionConfig   `yaml:"execution,omitempty"`
	Session     SessionConfig     `yaml:"session,omitempty"`
	Provenance  ProvenanceConfig  `yaml:"provenance,omitempty"`
	StateStore  StateStoreConfig  `yaml:"state_store,omitempty"`
	Metrics     MetricsConfig     `yaml:"metrics,omitempty"`
	ToolSources []ToolSourceConfig `yaml:"tool_sources,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	// MaxBodyBytes caps request body size; oversized bodies yield 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty"`

	// ReadTimeout and WriteTimeout for the HTTP server.
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// SetDefaults applies default values for unset fields.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 120 * time.Second
	}
}

// ExecutionConfig configures per-execution sandbox limits.
type ExecutionConfig struct {
	// Timeout is the wall-clock limit for one sandbox run.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxMemoryBytes caps the sandbox heap (best effort).
	MaxMemoryBytes int64 `yaml:"max_memory_bytes,omitempty"`

	// MaxLLMCalls caps the number of LLM callbacks per execution.
	MaxLLMCalls int `yaml:"max_llm_calls,omitempty"`

	// MaxCodeSize caps the user program length in bytes.
	MaxCodeSize int `yaml:"max_code_size,omitempty"`

	// CheckpointEvery persists state every N statement snapshots while
	// running. Affects durability after crashes only, never correctness.
	CheckpointEvery int `yaml:"checkpoint_every,omitempty"`
}

// SetDefaults applies default values for unset fields.
func (c *ExecutionConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = 256 << 20 // 256 MiB
	}
	if c.MaxLLMCalls == 0 {
		c.MaxLLMCalls = 50
	}
	if c.MaxCodeSize == 0 {
		c.MaxCodeSize = 512 << 10 // 512 KiB
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 10
	}
}

// SessionConfig configures the session and token manager.
type SessionConfig struct {
	// Secret signs session tokens. Minimum 32 bytes; the server refuses to
	// start otherwise. Usually supplied via SESSION_SECRET.
	Secret string `yaml:"secret,omitempty"`

	// TokenTTL is the sliding-window token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`

	// InactivityTimeout destroys sessions with no authenticated calls.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout,omitempty"`
}

// SetDefaults applies default values for unset fields.
func (c *SessionConfig) SetDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 4 * time.Hour
	}
}

// ProvenanceConfig configures taint tracking and security policies.
type ProvenanceConfig struct {
	// Mode selects the tracking mechanism: proxy (default), ast, none.
	Mode ProvenanceMode `yaml:"mode,omitempty"`

	// Secret signs provenance tokens crossing the process boundary.
	// Required (≥ 32 bytes) unless Mode is "none". Usually supplied via
	// PROVENANCE_SECRET.
	Secret string `yaml:"secret,omitempty"`

	// MaxTokens bounds the number of provenance tokens per response.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// MetadataTTL bounds the shared metadata cache lifetime. Never exceeds
	// the execution state TTL.
	MetadataTTL time.Duration `yaml:"metadata_ttl,omitempty"`

	// FetchTimeout bounds a single metadata cache read.
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`

	// RecipientKeys are the argument names treated as recipients by the
	// exfiltration policies.
	RecipientKeys []string `yaml:"recipient_keys,omitempty"`

	// DestructiveOperations lists tool names gated by require_user_origin.
	DestructiveOperations []string `yaml:"destructive_operations,omitempty"`
}

// SetDefaults applies default values for unset fields.
func (c *ProvenanceConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ProvenanceModeProxy
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 5000
	}
	if c.MetadataTTL == 0 {
		c.MetadataTTL = time.Hour
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 100 * time.Millisecond
	}
	if len(c.RecipientKeys) == 0 {
		c.RecipientKeys = []string{"to", "recipient", "recipients", "email", "target", "destination"}
	}
}

// Enabled reports whether provenance tracking is on.
func (c *ProvenanceConfig) Enabled() bool {
	return c.Mode != ProvenanceModeNone
}

// StateStoreConfig configures the durable execution state store.
type StateStoreConfig struct {
	// URL selects the backend: empty (in-memory), sqlite://path,
	// redis://host:port/db. Usually supplied via STATE_STORE_URL.
	URL string `yaml:"url,omitempty"`

	// TTL is the execution state record lifetime.
	TTL time.Duration `yaml:"ttl,omitempty"`

	// MaxPauseDuration garbage-collects paused records on read.
	MaxPauseDuration time.Duration `yaml:"max_pause_duration,omitempty"`
}

// SetDefaults applies default values for unset fields.
func (c *StateStoreConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	if c.MaxPauseDuration == 0 {
		c.MaxPauseDuration = 30 * time.Minute
	}
}

// MetricsConfig configures the prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// ToolSourceConfig configures a server-side tool source exposed under api.*.
type ToolSourceConfig struct {
	// Name is the api group name (api.<name>.<fn>).
	Name string `yaml:"name"`

	// Type identifies the adapter: "mcp" or "builtin".
	Type string `yaml:"type"`

	// URL is the MCP server endpoint (mcp type only).
	URL string `yaml:"url,omitempty"`

	// Command and Args run an MCP server as a subprocess over stdio
	// (mcp type only, alternative to URL).
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// Deferred marks all tools of this source as pause-candidates resolved
	// by the client rather than server-side handlers.
	Deferred bool `yaml:"deferred,omitempty"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Execution.SetDefaults()
	c.Session.SetDefaults()
	c.Provenance.SetDefaults()
	c.StateStore.SetDefaults()

	// Metadata never outlives execution state.
	if c.Provenance.MetadataTTL > c.StateStore.TTL {
		c.Provenance.MetadataTTL = c.StateStore.TTL
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if len(c.Session.Secret) < minSecretLen {
		return fmt.Errorf("session secret must be at least %d bytes (set SESSION_SECRET)", minSecretLen)
	}
	if c.Provenance.Enabled() && len(c.Provenance.Secret) < minSecretLen {
		return fmt.Errorf("provenance secret must be at least %d bytes (set PROVENANCE_SECRET)", minSecretLen)
	}
	switch c.Provenance.Mode {
	case ProvenanceModeProxy, ProvenanceModeAST, ProvenanceModeNone:
	default:
		return fmt.Errorf("unknown provenance mode %q", c.Provenance.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for _, src := range c.ToolSources {
		if src.Name == "" {
			return fmt.Errorf("tool source requires a name")
		}
		if src.Type == "mcp" && src.URL == "" && src.Command == "" {
			return fmt.Errorf("tool source %q: mcp type requires a url or command", src.Name)
		}
	}
	return nil
}

// Load reads a YAML config file, expands environment references, applies
// environment overrides and defaults, and validates the result.
// An empty path yields a default configuration driven by the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
