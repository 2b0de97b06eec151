// Package toolregistry implements the Tool Registry: the name-keyed
// store of executable tools, the single execution entry point with its
// policy gate, shell-command deny rules, adaptive retry, per-category
// timeout policy, and circuit breaker, plus on-demand MCP tool refresh
// with keyed diffing.
//
// Built around an RWMutex-guarded map with canonical name aliases; tool
// panics are recovered at the execution boundary so third-party tools
// cannot take the driver down.
package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vtcode/turndriver/internal/turnretry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// Category buckets tools for timeout and circuit-breaker policy.
type Category string

const (
	CategoryDefault Category = "default"
	CategoryPty     Category = "pty"
	CategoryMCP     Category = "mcp"
)

// ToolPolicy is the per-tool-name gate, distinct from the command-text
// policy engine: this one answers "may this tool run at all", not
// "may this shell command run".
type ToolPolicy int

const (
	PolicyAllow ToolPolicy = iota
	PolicyPrompt
	PolicyDeny
)

func (p ToolPolicy) String() string {
	switch p {
	case PolicyAllow:
		return "allow"
	case PolicyPrompt:
		return "prompt"
	case PolicyDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Tool is one executable tool. Implementations own their concurrency
// contract; the registry serializes nothing on their behalf.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// CategorizedTool lets a tool opt into a non-default timeout category.
type CategorizedTool interface {
	Tool
	Category() Category
}

// MutatingTool marks tools that write to the workspace; the plan-mode
// gate consults this.
type MutatingTool interface {
	Tool
	Mutating() bool
}

// ShellTool marks tools that execute shell commands; their concatenated
// command text runs through the shell deny rules before dispatch.
type ShellTool interface {
	Tool
	CommandText(args json.RawMessage) string
}

// canonicalAliases maps legacy tool names onto their current ones.
var canonicalAliases = map[string]string{
	"shell":        "run_pty_cmd",
	"run_terminal": "run_pty_cmd",
	"bash":         "run_pty_cmd",
}

// Canonicalize resolves a legacy alias to the current tool name.
func Canonicalize(name string) string {
	if canonical, ok := canonicalAliases[name]; ok {
		return canonical
	}
	return name
}

// Observer receives registry observability events.
type Observer interface {
	// TimeoutWarning fires when a tool's runtime crosses the warning
	// fraction of its category ceiling.
	TimeoutWarning(tool string, category Category, elapsed, ceiling time.Duration)
	// MCPToolsDiscovered reports newly-added MCP tools after a refresh.
	MCPToolsDiscovered(added []string)
}

// Registry is the Tool Registry.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	policies map[string]ToolPolicy

	shellPolicy *ShellPolicy
	timeouts    *TimeoutPolicy
	breakers    map[Category]*CircuitBreaker

	retryPolicy turnretry.Policy
	maxRetries  int

	// mcpKeys tracks registered MCP tools by "<provider>-<name>" for
	// keyed diffing on refresh.
	mcpKeys map[string]bool

	observers []Observer
	logger    *slog.Logger
}

// Config parameterizes NewRegistry.
type Config struct {
	ShellPolicy *ShellPolicy
	Timeouts    *TimeoutPolicy
	// Policies maps tool names to their gate; unlisted tools default to
	// PolicyPrompt.
	Policies map[string]ToolPolicy
	// MaxRetries bounds the adaptive retry loop for transient failures.
	MaxRetries int
	Logger     *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Timeouts == nil {
		cfg.Timeouts = NewTimeoutPolicy(DefaultTimeoutConfig())
	}
	if cfg.ShellPolicy == nil {
		cfg.ShellPolicy = &ShellPolicy{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	policies := make(map[string]ToolPolicy, len(cfg.Policies))
	for name, p := range cfg.Policies {
		policies[Canonicalize(name)] = p
	}
	return &Registry{
		tools:       make(map[string]Tool),
		policies:    policies,
		shellPolicy: cfg.ShellPolicy,
		timeouts:    cfg.Timeouts,
		breakers: map[Category]*CircuitBreaker{
			CategoryDefault: NewCircuitBreaker(DefaultBreakerConfig()),
			CategoryPty:     NewCircuitBreaker(DefaultBreakerConfig()),
			CategoryMCP:     NewCircuitBreaker(DefaultBreakerConfig()),
		},
		retryPolicy: turnretry.ToolRegistryPolicy(),
		maxRetries:  cfg.MaxRetries,
		mcpKeys:     make(map[string]bool),
		observers:   nil,
		logger:      cfg.Logger.With("component", "tool_registry"),
	}
}

// AddObserver registers an observability sink.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register adds or replaces a tool under its canonical name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[Canonicalize(tool.Name())] = tool
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, Canonicalize(name))
}

// HasTool reports whether name (or its canonical alias) is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[Canonicalize(name)]
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[Canonicalize(name)]
	return tool, ok
}

// GetToolPolicy returns the gate for name; unlisted tools default to
// PolicyPrompt.
func (r *Registry) GetToolPolicy(name string) ToolPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[Canonicalize(name)]; ok {
		return p
	}
	return PolicyPrompt
}

// SetToolPolicy overrides the gate for name.
func (r *Registry) SetToolPolicy(name string, p ToolPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[Canonicalize(name)] = p
}

// Definitions returns every registered tool as a ToolDefinition for the
// LLM request, sorted by canonical name.
func (r *Registry) Definitions() []turnmodel.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]turnmodel.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, turnmodel.ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// categoryOf resolves a tool's timeout category.
func categoryOf(tool Tool) Category {
	if ct, ok := tool.(CategorizedTool); ok {
		return ct.Category()
	}
	return CategoryDefault
}

// IsMutating reports whether the named tool writes to the workspace.
// Unknown tools are treated as mutating, the conservative default.
func (r *Registry) IsMutating(name string) bool {
	tool, ok := r.Get(name)
	if !ok {
		return true
	}
	if mt, ok := tool.(MutatingTool); ok {
		return mt.Mutating()
	}
	return true
}

// ExecuteToolRef is the single execution entry point: policy gate, shell
// deny rules, circuit breaker, adaptive retry, and per-category timeout
// all apply here.
func (r *Registry) ExecuteToolRef(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	canonical := Canonicalize(name)

	tool, ok := r.Get(canonical)
	if !ok {
		return nil, turnmodel.NewTurnError(turnmodel.KindInvalidArgs, fmt.Sprintf("unknown tool %q", name), nil)
	}

	// 1. Per-tool policy gate. Deny is an immediate structured error;
	// Allow and Prompt both continue — prompting is the pipeline's job.
	if r.GetToolPolicy(canonical) == PolicyDeny {
		return nil, turnmodel.NewTurnError(turnmodel.KindPermissionDenied, fmt.Sprintf("tool %q denied by policy", canonical), nil)
	}

	// 2. Shell deny rules, for shell-executing tools only.
	if st, ok := tool.(ShellTool); ok {
		if text := st.CommandText(args); text != "" {
			if reason, denied := r.shellPolicy.Denies(text); denied {
				return nil, turnmodel.NewTurnError(turnmodel.KindPermissionDenied, fmt.Sprintf("command not allowed by policy: %s", reason), nil)
			}
		}
	}

	category := categoryOf(tool)
	breaker := r.breakers[category]

	if wait, open := breaker.Open(); open {
		return nil, turnmodel.NewTurnError(turnmodel.KindTimeout,
			fmt.Sprintf("circuit open for %s tools, next probe in %s", category, wait.Round(time.Millisecond)), nil)
	}

	// 3. Adaptive retry loop: transient kinds only; permission and
	// validation errors never retry.
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, turnmodel.NewTurnError(turnmodel.KindTimeout, "tool execution cancelled during retry backoff", ctx.Err())
			case <-time.After(r.retryPolicy.Delay(attempt)):
			}
		}

		result, err := r.executeOnce(ctx, tool, canonical, category, args)
		if err == nil {
			breaker.RecordSuccess()
			r.timeouts.RecordSuccess(category)
			return result, nil
		}
		lastErr = err

		var te *turnmodel.TurnError
		if !errors.As(err, &te) || !te.Retryable() {
			breaker.RecordFailure()
			return nil, err
		}
		r.logger.Debug("retrying tool after transient failure",
			"tool", canonical, "attempt", attempt+1, "error", err)
	}

	breaker.RecordFailure()
	return nil, turnmodel.NewTurnError(turnmodel.KindTimeout,
		fmt.Sprintf("tool %q failed after %d attempts", canonical, r.maxRetries+1), lastErr)
}

// executeOnce runs the tool under the category's effective ceiling,
// recording latency for adaptive tuning and firing the warning-threshold
// observability event.
func (r *Registry) executeOnce(ctx context.Context, tool Tool, name string, category Category, args json.RawMessage) (result json.RawMessage, err error) {
	ceiling := r.timeouts.EffectiveCeiling(category)
	execCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	start := time.Now()
	defer func() {
		// Tools are third-party code; a panic must not take down the
		// driver.
		if rec := recover(); rec != nil {
			err = turnmodel.NewTurnError(turnmodel.KindFatal, fmt.Sprintf("tool %q panicked: %v", name, rec), nil)
		}
		elapsed := time.Since(start)
		r.timeouts.RecordLatency(category, elapsed)
		if r.timeouts.PastWarningThreshold(category, elapsed) {
			r.notifyTimeoutWarning(name, category, elapsed, ceiling)
		}
	}()

	result, err = tool.Execute(execCtx, args)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, turnmodel.NewTurnError(turnmodel.KindTimeout,
				fmt.Sprintf("tool %q exceeded %s ceiling", name, ceiling.Round(time.Millisecond)), err)
		}
		return nil, err
	}
	return result, nil
}

func (r *Registry) notifyTimeoutWarning(tool string, category Category, elapsed, ceiling time.Duration) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, o := range observers {
		o.TimeoutWarning(tool, category, elapsed, ceiling)
	}
}
