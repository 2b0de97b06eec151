// Package config holds the validated configuration value the turn driver
// consumes. The on-disk format is YAML, decoded with gopkg.in/yaml.v3;
// the core never reads the file itself — the CLI loads and validates,
// then hands the struct in.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vtcode/turndriver/internal/mcpsupervisor"
	"github.com/vtcode/turndriver/internal/sessionarchive"
	"github.com/vtcode/turndriver/internal/toolregistry"
)

// Config is the root configuration value.
type Config struct {
	Timeouts TimeoutsConfig       `yaml:"timeouts"`
	Tools    ToolsConfig          `yaml:"tools"`
	Commands CommandsConfig       `yaml:"commands"`
	MCP      MCPConfig            `yaml:"mcp"`
	Agent    AgentConfig          `yaml:"agent"`
	Audit    AuditConfig          `yaml:"audit"`
	Logging  LoggingConfig        `yaml:"logging"`
}

// TimeoutsConfig is the timeouts block.
type TimeoutsConfig struct {
	DefaultCeilingS     int            `yaml:"default_ceiling_s"`
	PtyCeilingS         int            `yaml:"pty_ceiling_s"`
	MCPCeilingS         int            `yaml:"mcp_ceiling_s"`
	WarningThresholdPct float64        `yaml:"warning_threshold_pct"`
	Adaptive            AdaptiveConfig `yaml:"adaptive"`
}

// AdaptiveConfig tunes the registry's adaptive timeout behavior.
type AdaptiveConfig struct {
	DecayRatio    float64 `yaml:"decay_ratio"`
	SuccessStreak int     `yaml:"success_streak"`
	MinFloorMs    int     `yaml:"min_floor_ms"`
}

// ToTimeoutConfig converts to the registry's runtime shape.
func (t TimeoutsConfig) ToTimeoutConfig() toolregistry.TimeoutConfig {
	cfg := toolregistry.DefaultTimeoutConfig()
	if t.DefaultCeilingS > 0 {
		cfg.DefaultCeiling = time.Duration(t.DefaultCeilingS) * time.Second
	}
	if t.PtyCeilingS > 0 {
		cfg.PtyCeiling = time.Duration(t.PtyCeilingS) * time.Second
	}
	if t.MCPCeilingS > 0 {
		cfg.MCPCeiling = time.Duration(t.MCPCeilingS) * time.Second
	}
	if t.WarningThresholdPct > 0 && t.WarningThresholdPct <= 100 {
		cfg.WarningThresholdPct = t.WarningThresholdPct / 100
	}
	if t.Adaptive.DecayRatio > 0 {
		cfg.DecayRatio = t.Adaptive.DecayRatio
	}
	if t.Adaptive.SuccessStreak > 0 {
		cfg.SuccessStreak = t.Adaptive.SuccessStreak
	}
	if t.Adaptive.MinFloorMs > 0 {
		cfg.MinFloor = time.Duration(t.Adaptive.MinFloorMs) * time.Millisecond
	}
	return cfg
}

// ToolsConfig is the tools block.
type ToolsConfig struct {
	MaxToolLoops         int               `yaml:"max_tool_loops"`
	MaxRepeatedToolCalls int               `yaml:"max_repeated_tool_calls"`
	Policies             map[string]string `yaml:"policies"`
}

// ToRegistryPolicies converts the string policy map to the registry's
// typed one. Unknown values are an error — a silently-misread policy is a
// security bug.
func (t ToolsConfig) ToRegistryPolicies() (map[string]toolregistry.ToolPolicy, error) {
	out := make(map[string]toolregistry.ToolPolicy, len(t.Policies))
	for name, value := range t.Policies {
		switch value {
		case "allow":
			out[name] = toolregistry.PolicyAllow
		case "prompt":
			out[name] = toolregistry.PolicyPrompt
		case "deny":
			out[name] = toolregistry.PolicyDeny
		default:
			return nil, fmt.Errorf("config: tool %q has unknown policy %q (want allow|prompt|deny)", name, value)
		}
	}
	return out, nil
}

// CommandsConfig is the commands block.
type CommandsConfig struct {
	DenyRegex []string `yaml:"deny_regex"`
	DenyGlob  []string `yaml:"deny_glob"`
	AllowGlob []string `yaml:"allow_glob"`
}

// ToShellPolicy compiles the configured command rules.
func (c CommandsConfig) ToShellPolicy() (*toolregistry.ShellPolicy, error) {
	return toolregistry.NewShellPolicy(c.DenyRegex, c.DenyGlob, c.AllowGlob)
}

// MCPConfig is the mcp block.
type MCPConfig struct {
	Enabled         bool                            `yaml:"enabled"`
	Providers       []mcpsupervisor.ProviderConfig `yaml:"providers"`
	StartupTimeoutS int                             `yaml:"startup_timeout_s"`
	ToolTimeoutS    int                             `yaml:"tool_timeout_s"`
}

// ToSupervisorConfig converts to the supervisor's runtime shape, applying
// the block-level startup timeout to providers that set none.
func (m MCPConfig) ToSupervisorConfig() mcpsupervisor.Config {
	providers := make([]mcpsupervisor.ProviderConfig, len(m.Providers))
	copy(providers, m.Providers)
	if m.StartupTimeoutS > 0 {
		for i := range providers {
			if providers[i].StartupTimeoutMS <= 0 {
				providers[i].StartupTimeoutMS = m.StartupTimeoutS * 1000
			}
		}
	}
	return mcpsupervisor.Config{Enabled: m.Enabled, Providers: providers}
}

// AgentConfig is the agent block.
type AgentConfig struct {
	Provider                string                `yaml:"provider"`
	DefaultModel            string                `yaml:"default_model"`
	RequirePlanConfirmation bool                  `yaml:"require_plan_confirmation"`
	Checkpointing           sessionarchive.Config `yaml:"checkpointing"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Timeouts: TimeoutsConfig{
			DefaultCeilingS:     30,
			PtyCeilingS:         120,
			MCPCeilingS:         60,
			WarningThresholdPct: 80,
			Adaptive:            AdaptiveConfig{DecayRatio: 0.5, SuccessStreak: 5, MinFloorMs: 500},
		},
		Tools: ToolsConfig{
			MaxToolLoops:         24,
			MaxRepeatedToolCalls: 3,
		},
		Agent: AgentConfig{
			Provider:     "anthropic",
			DefaultModel: "claude-sonnet-4-20250514",
			Checkpointing: sessionarchive.Config{
				Enabled:      true,
				MaxSnapshots: 50,
				MaxAgeDays:   30,
			},
		},
		Audit:   AuditConfig{Dir: ".vtcode/audit"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and validates a YAML configuration file, layering it over
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the driver could not run under.
func (c Config) Validate() error {
	if c.Agent.Provider == "" {
		return fmt.Errorf("config: agent.provider is required")
	}
	if c.Agent.DefaultModel == "" {
		return fmt.Errorf("config: agent.default_model is required")
	}
	if c.Tools.MaxToolLoops <= 0 {
		return fmt.Errorf("config: tools.max_tool_loops must be positive")
	}
	if c.Tools.MaxRepeatedToolCalls <= 0 {
		return fmt.Errorf("config: tools.max_repeated_tool_calls must be positive")
	}
	if _, err := c.Tools.ToRegistryPolicies(); err != nil {
		return err
	}
	if _, err := c.Commands.ToShellPolicy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, p := range c.MCP.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("config: mcp: %w", err)
		}
	}
	return nil
}
