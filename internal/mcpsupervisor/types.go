// Package mcpsupervisor implements the MCP Supervisor: lifecycle
// management for configured MCP providers, treated strictly as external
// tool sources. Providers start with a per-provider timeout, partial
// failures never fail initialization as a whole, and every healthy
// provider's tools surface under the qualified name
// "mcp_<provider>_<tool>".
//
// The supervisor keeps a continue-on-error startup loop and a stdio
// JSON-RPC client trimmed to the tool surface the turn driver consumes;
// resources, prompts, and sampling stay with a full MCP client outside
// this core.
package mcpsupervisor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportKind selects how a provider is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
)

// ProviderConfig describes one configured MCP provider.
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	Transport TransportKind `yaml:"transport"`

	// Stdio transport options.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`

	Enabled               bool `yaml:"enabled"`
	MaxConcurrentRequests int  `yaml:"max_concurrent_requests"`

	// StartupTimeoutMS bounds the spawn-plus-handshake window; 0 selects
	// DefaultStartupTimeout. Clamped to [MinStartupTimeout, MaxStartupTimeout].
	StartupTimeoutMS int `yaml:"startup_timeout_ms"`
}

const (
	DefaultStartupTimeout = 10 * time.Second
	MinStartupTimeout     = 500 * time.Millisecond
	MaxStartupTimeout     = 30 * time.Second
)

// StartupTimeout resolves the configured startup window.
func (c ProviderConfig) StartupTimeout() time.Duration {
	if c.StartupTimeoutMS <= 0 {
		return DefaultStartupTimeout
	}
	d := time.Duration(c.StartupTimeoutMS) * time.Millisecond
	if d < MinStartupTimeout {
		return MinStartupTimeout
	}
	if d > MaxStartupTimeout {
		return MaxStartupTimeout
	}
	return d
}

// Validate rejects configurations that could not possibly connect or that
// smuggle shell syntax into a spawned command.
func (c ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if strings.ContainsAny(c.Name, " \t/\\") {
		return fmt.Errorf("provider %q: name must not contain whitespace or path separators", c.Name)
	}
	switch c.Transport {
	case TransportStdio, "":
		if c.Command == "" {
			return fmt.Errorf("provider %q: command is required for stdio transport", c.Name)
		}
		if strings.Contains(filepath.Clean(c.Command), "..") {
			return fmt.Errorf("provider %q: command contains path traversal", c.Name)
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("provider %q: arg[%d] contains shell metacharacters: %q", c.Name, i, arg)
			}
		}
	default:
		return fmt.Errorf("provider %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// containsShellMetachars flags command-chaining syntax in an argument that
// will be handed to a spawned process.
func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ToolDescriptor is one tool advertised by a provider, in the provider's
// own (unqualified) naming.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// QualifiedToolName is the registry-facing name for a provider tool.
func QualifiedToolName(provider, tool string) string {
	return "mcp_" + provider + "_" + tool
}
