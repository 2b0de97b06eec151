// Package toolpipeline implements the Tool Pipeline: the per-tool-
// call state machine Parsed → Validated → Permitted → (CacheHit |
// Executing) → Appended that sits between the turn driver and the tool
// registry.
//
// Results always convert to messages and never abort the turn; the
// permission step composes the policy engine, command resolver,
// permission cache, and audit log.
package toolpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vtcode/turndriver/internal/audit"
	"github.com/vtcode/turndriver/internal/exectracker"
	"github.com/vtcode/turndriver/internal/policy"
	"github.com/vtcode/turndriver/internal/resolver"
	"github.com/vtcode/turndriver/internal/resultcache"
	"github.com/vtcode/turndriver/internal/toolregistry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// Status is the terminal state of one pipeline pass.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusDenied    Status = "denied"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusCacheHit  Status = "cache_hit"
)

// Outcome is what the driver appends to history and feeds to observers.
type Outcome struct {
	Status        Status
	Message       turnmodel.Message
	ModifiedFiles []string
	CacheHit      bool
	Duration      time.Duration
	IsMCP         bool
	Err           error
}

// ModeGate is the mode state machine's hook into the pipeline: plan mode rejects mutating
// tools.
type ModeGate interface {
	// AllowTool returns a non-empty rejection reason when the current
	// mode forbids running the tool with these arguments.
	AllowTool(toolName string, mutating bool, args json.RawMessage) string
}

// Prompter asks the user to confirm a Prompt-gated execution.
type Prompter interface {
	ConfirmTool(ctx context.Context, toolName string, args json.RawMessage, reason string) (bool, error)
}

// MCPPanelEvent mirrors an MCP tool invocation for observers.
type MCPPanelEvent struct {
	Tool    string
	Args    json.RawMessage
	Success bool
	Error   string
}

// Config wires a Pipeline.
type Config struct {
	Registry    *toolregistry.Registry
	Engine      *policy.Engine
	Resolver    *resolver.Resolver
	PermCache   *policy.PermissionCache
	Audit       *audit.Logger
	Approvals   *ApprovalHistory
	ResultCache *resultcache.Cache
	Tracker     *exectracker.Tracker
	ModeGate    ModeGate
	Prompter    Prompter
	// OnMCPEvent, when set, receives a panel event per MCP tool call.
	OnMCPEvent func(MCPPanelEvent)
	// AutoAccept skips prompts for the whole session (plan-mode
	// AutoAccept choice, headless runs).
	AutoAccept bool
	// ToolResponseCap bounds serialized output appended to history.
	ToolResponseCap int
	Logger          *slog.Logger
}

// DefaultToolResponseCap bounds a tool message's content length.
const DefaultToolResponseCap = 32 * 1024

// Pipeline is the Tool Pipeline.
type Pipeline struct {
	cfg Config
}

// New validates the wiring and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, errors.New("toolpipeline: registry is required")
	}
	if cfg.Engine == nil {
		cfg.Engine = policy.NewEngine(nil)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New()
	}
	if cfg.Approvals == nil {
		cfg.Approvals = NewApprovalHistory()
	}
	if cfg.ToolResponseCap <= 0 {
		cfg.ToolResponseCap = DefaultToolResponseCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg}, nil
}

// SetAutoAccept flips the session-scoped auto-accept.
func (p *Pipeline) SetAutoAccept(on bool) { p.cfg.AutoAccept = on }

// Run drives one tool call through the full state machine. The returned
// Outcome always carries a history-ready tool message — errors become
// structured failure payloads, never lost turns.
func (p *Pipeline) Run(ctx context.Context, call turnmodel.ToolCall) Outcome {
	name := toolregistry.Canonicalize(call.Name)

	// Parsed.
	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return p.failure(call, name, StatusFailure, err)
	}

	// Validated.
	if err := p.validateArguments(name, args); err != nil {
		return p.failure(call, name, StatusFailure, err)
	}

	mutating := p.cfg.Registry.IsMutating(name)

	// Mode gate.
	if p.cfg.ModeGate != nil {
		if reason := p.cfg.ModeGate.AllowTool(name, mutating, args); reason != "" {
			return p.failure(call, name, StatusDenied,
				turnmodel.NewTurnError(turnmodel.KindPermissionDenied, reason, nil))
		}
	}

	// Permitted.
	if err := p.checkPermission(ctx, name, args); err != nil {
		return p.failure(call, name, StatusDenied, err)
	}

	// Cache lookup.
	fingerprint := ""
	if resultcache.IsCacheable(name) && p.cfg.ResultCache != nil {
		fingerprint = resultcache.Fingerprint(name, args, "")
		if cached, ok := p.cfg.ResultCache.Get(fingerprint); ok {
			p.record(name, exectracker.StatusSuccess, 0, true)
			return Outcome{
				Status:   StatusCacheHit,
				CacheHit: true,
				Message:  p.toolMessage(call, name, cached),
			}
		}
	}

	// Executing.
	start := time.Now()
	result, err := p.cfg.Registry.ExecuteToolRef(ctx, name, args)
	duration := time.Since(start)
	isMCP := p.cfg.Registry.IsMCPTool(name)

	if err != nil {
		outcome := p.failureWithDuration(call, name, statusForError(ctx, err), err, duration)
		outcome.IsMCP = isMCP
		p.emitMCPEvent(isMCP, name, args, false, err)
		return outcome
	}

	// Success: tracker, cache bookkeeping, invalidation, history append.
	p.record(name, exectracker.StatusSuccess, duration, false)

	modified := modifiedFilesOf(result)
	if p.cfg.ResultCache != nil {
		for _, path := range modified {
			p.cfg.ResultCache.InvalidateForPath(path)
		}
		if fingerprint != "" && len(modified) == 0 {
			p.cfg.ResultCache.Insert(fingerprint, result, primaryPathOf(args))
		}
	}

	p.emitMCPEvent(isMCP, name, args, true, nil)

	return Outcome{
		Status:        StatusSuccess,
		Message:       p.toolMessage(call, name, result),
		ModifiedFiles: modified,
		Duration:      duration,
		IsMCP:         isMCP,
	}
}

// validateArguments checks required fields (reported as missing_params)
// and then full schema validation for type mismatches.
func (p *Pipeline) validateArguments(name string, args json.RawMessage) error {
	tool, ok := p.cfg.Registry.Get(name)
	if !ok {
		return turnmodel.NewTurnError(turnmodel.KindInvalidArgs, fmt.Sprintf("unknown tool %q", name), nil)
	}
	schemaRaw := tool.Schema()
	if len(schemaRaw) == 0 {
		return nil
	}

	var schemaDoc struct {
		Required []string `json:"required"`
	}
	_ = json.Unmarshal(schemaRaw, &schemaDoc)

	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil {
		return turnmodel.InvalidArgsError("tool arguments must be a JSON object", nil)
	}

	var missing []string
	for _, field := range schemaDoc.Required {
		if _, ok := parsed[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return turnmodel.InvalidArgsError(
			fmt.Sprintf("tool %q missing required parameters: %s", name, strings.Join(missing, ", ")), missing)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", strings.NewReader(string(schemaRaw))); err != nil {
		return nil // unschematizable tools validate manually above
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return turnmodel.InvalidArgsError("tool arguments must be a JSON object", nil)
	}
	if err := schema.Validate(doc); err != nil {
		return turnmodel.InvalidArgsError(fmt.Sprintf("tool %q arguments failed validation: %v", name, err), nil)
	}
	return nil
}

// checkPermission composes the policy engine, the command resolver, the
// permission cache, and the audit log, plus the approval-history auto-accept rule.
func (p *Pipeline) checkPermission(ctx context.Context, name string, args json.RawMessage) error {
	commandText := p.shellCommandText(name, args)

	// Shell commands run through the prefix-rule engine.
	if commandText != "" {
		decision := p.evaluateCommand(commandText)
		switch decision {
		case policy.Forbidden:
			p.auditDecision(commandText, "denied", "forbidden by policy")
			return turnmodel.NewTurnError(turnmodel.KindPermissionDenied, "Command not allowed by policy", nil)
		case policy.Allow:
			p.auditDecision(commandText, "allowed", "policy rule")
			return nil
		case policy.Prompt:
			return p.promptFor(ctx, name, args, commandText)
		}
	}

	switch p.cfg.Registry.GetToolPolicy(name) {
	case toolregistry.PolicyDeny:
		p.auditDecision(name, "denied", "tool policy deny")
		return turnmodel.NewTurnError(turnmodel.KindPermissionDenied, fmt.Sprintf("tool %q denied by policy", name), nil)
	case toolregistry.PolicyAllow:
		return nil
	default:
		return p.promptFor(ctx, name, args, name)
	}
}

func (p *Pipeline) evaluateCommand(commandText string) policy.Decision {
	eval := p.cfg.Engine.CheckMultiple([][]string{ShellSplit(commandText)}, policy.DefaultHeuristics)
	return eval.Decision
}

// promptFor resolves a Prompt decision: permission cache, auto-accept,
// learned approvals, then the user.
func (p *Pipeline) promptFor(ctx context.Context, name string, args json.RawMessage, key string) error {
	if p.cfg.PermCache != nil {
		if allow, found := p.cfg.PermCache.Get(key); found {
			if allow {
				return nil
			}
			return turnmodel.NewTurnError(turnmodel.KindPermissionDenied, fmt.Sprintf("%q denied earlier this session", key), nil)
		}
	}
	if p.cfg.AutoAccept || p.cfg.Approvals.AutoAcceptable(name) {
		p.auditDecision(key, "allowed", "auto-accept")
		return nil
	}
	if p.cfg.Prompter == nil {
		p.auditDecision(key, "denied", "no prompter available")
		return turnmodel.NewTurnError(turnmodel.KindPermissionDenied, fmt.Sprintf("%q requires confirmation and no prompter is attached", key), nil)
	}

	approved, err := p.cfg.Prompter.ConfirmTool(ctx, name, args, fmt.Sprintf("%q requires confirmation", key))
	if err != nil {
		return turnmodel.NewTurnError(turnmodel.KindPermissionDenied, "confirmation interrupted", err)
	}
	p.cfg.Approvals.Record(name, approved)
	decision := "denied"
	if approved {
		decision = "allowed"
	}
	if p.cfg.PermCache != nil {
		p.cfg.PermCache.Put(key, approved, "user decision")
	}
	p.auditDecision(key, decision, "user decision")
	if !approved {
		return turnmodel.NewTurnError(turnmodel.KindPermissionDenied, fmt.Sprintf("user declined %q", key), nil)
	}
	return nil
}

// shellCommandText extracts the command text for shell tools; empty for
// everything else.
func (p *Pipeline) shellCommandText(name string, args json.RawMessage) string {
	tool, ok := p.cfg.Registry.Get(name)
	if !ok {
		return ""
	}
	st, ok := tool.(toolregistry.ShellTool)
	if !ok {
		return ""
	}
	return st.CommandText(args)
}

func (p *Pipeline) auditDecision(command, decision, reason string) {
	if p.cfg.Audit == nil {
		return
	}
	resolved := ""
	if p.cfg.Resolver != nil {
		if result := p.cfg.Resolver.Resolve(command); result.Found {
			resolved = result.ResolvedPath
		}
	}
	p.cfg.Audit.LogCommandDecision(command, decision, reason, resolved)
}

func (p *Pipeline) emitMCPEvent(isMCP bool, name string, args json.RawMessage, success bool, err error) {
	if !isMCP || p.cfg.OnMCPEvent == nil {
		return
	}
	event := MCPPanelEvent{Tool: name, Args: args, Success: success}
	if err != nil {
		event.Error = err.Error()
	}
	p.cfg.OnMCPEvent(event)
}

func (p *Pipeline) record(name string, status exectracker.Status, duration time.Duration, cached bool) {
	if p.cfg.Tracker != nil {
		p.cfg.Tracker.Record(name, status, duration, cached)
	}
}

// toolMessage renders serialized output as a history-ready tool message,
// capped in length with structural fields preserved.
func (p *Pipeline) toolMessage(call turnmodel.ToolCall, name string, output json.RawMessage) turnmodel.Message {
	content := string(output)
	if len(content) > p.cfg.ToolResponseCap {
		content = content[:p.cfg.ToolResponseCap] + "…[truncated]"
	}
	return turnmodel.Message{
		Role:       turnmodel.RoleTool,
		ToolCallID: call.ID,
		OriginTool: name,
		Content:    []turnmodel.Part{{Type: turnmodel.PartText, Text: content}},
	}
}

func (p *Pipeline) failure(call turnmodel.ToolCall, name string, status Status, err error) Outcome {
	return p.failureWithDuration(call, name, status, err, 0)
}

func (p *Pipeline) failureWithDuration(call turnmodel.ToolCall, name string, status Status, err error, duration time.Duration) Outcome {
	trackerStatus := exectracker.StatusFailed
	switch status {
	case StatusTimeout:
		trackerStatus = exectracker.StatusTimedOut
	case StatusCancelled:
		trackerStatus = exectracker.StatusCancelled
	}
	p.record(name, trackerStatus, duration, false)

	body := map[string]any{"success": false, "error": err.Error()}
	var te *turnmodel.TurnError
	if errors.As(err, &te) {
		body["error"] = te.Message
		if len(te.MissingFields) > 0 {
			body["missing_params"] = te.MissingFields
		}
		if te.Kind == turnmodel.KindPermissionDenied && strings.Contains(te.Message, "not allowed by policy") {
			body["error"] = "Command not allowed by policy"
		}
	}
	payload, _ := json.Marshal(body)

	return Outcome{
		Status:   status,
		Message:  p.toolMessage(call, name, payload),
		Duration: duration,
		Err:      err,
	}
}

func statusForError(ctx context.Context, err error) Status {
	if ctx.Err() == context.Canceled {
		return StatusCancelled
	}
	var te *turnmodel.TurnError
	if errors.As(err, &te) {
		switch te.Kind {
		case turnmodel.KindTimeout:
			return StatusTimeout
		case turnmodel.KindPermissionDenied:
			return StatusDenied
		}
	}
	return StatusFailure
}

// modifiedFilesOf extracts the modified_files array from a successful
// result, tolerating its absence.
func modifiedFilesOf(result json.RawMessage) []string {
	var payload struct {
		ModifiedFiles []string `json:"modified_files"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil
	}
	return payload.ModifiedFiles
}

// primaryPathOf extracts the path argument a cacheable result concerns,
// for targeted invalidation.
func primaryPathOf(args json.RawMessage) string {
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return ""
	}
	return payload.Path
}
