// Package turndriver implements the Turn Driver and the Plan/Edit
// mode state: the per-turn state machine Guards → Request →
// StreamLoop → ToolLoop → Guards that orchestrates the context manager,
// the LLM provider, the tool pipeline, the ledgers, and the session
// archive.
//
// Errors from tool execution convert to in-history results instead of
// aborting the turn; the guard step, the turn balancer, and three-level
// Ctrl-C cancellation wrap the core loop.
package turndriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vtcode/turndriver/internal/contextmgr"
	"github.com/vtcode/turndriver/internal/ledger"
	"github.com/vtcode/turndriver/internal/llm"
	"github.com/vtcode/turndriver/internal/observability"
	"github.com/vtcode/turndriver/internal/sessionarchive"
	"github.com/vtcode/turndriver/internal/toolpipeline"
	"github.com/vtcode/turndriver/internal/toolregistry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// ErrContextUnresolvable is the guard-level abort when trimming cannot
// bring the history back under budget.
var ErrContextUnresolvable = errors.New("Context budget exceeded and could not be resolved by trimming.")

// maxGuardAttempts bounds the pre_request_check → adaptive_trim cycle.
const maxGuardAttempts = 3

// EventSink receives UI-bound events; the core emits, the UI renders.
type EventSink interface {
	ContentDelta(delta string)
	ReasoningDelta(delta string)
	ToolOutcome(name string, outcome toolpipeline.Outcome)
	SystemNote(note string)
}

// NopSink discards everything; the default when no UI is attached.
type NopSink struct{}

func (NopSink) ContentDelta(string)                         {}
func (NopSink) ReasoningDelta(string)                       {}
func (NopSink) ToolOutcome(string, toolpipeline.Outcome)    {}
func (NopSink) SystemNote(string)                           {}

// Config parameterizes the driver.
type Config struct {
	ProviderID           string
	Model                string
	SystemPrompt         string
	WorkspacePath        string
	MaxToolLoops         int
	MaxRepeatedToolCalls int
	// MaxHistoryMessages caps retained history; oldest non-system
	// messages drop first.
	MaxHistoryMessages int
	// MaxMessageBytes caps a single message's text content.
	MaxMessageBytes int
}

// Driver is the Turn Driver. One Driver owns one session's state;
// RunTurn is not safe for concurrent invocation.
type Driver struct {
	provider   llm.Provider
	pipeline   *toolpipeline.Pipeline
	registry   *toolregistry.Registry
	contextMgr *contextmgr.Manager
	decisions  *ledger.DecisionLedger
	pruning    *ledger.PruningLedger
	archive    *sessionarchive.Archive
	mode       *ModeState
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	sink       EventSink
	logger     *slog.Logger
	cfg        Config

	sessionID string
	history   []turnmodel.Message
}

// Deps wires a Driver.
type Deps struct {
	Provider   llm.Provider
	Pipeline   *toolpipeline.Pipeline
	Registry   *toolregistry.Registry
	ContextMgr *contextmgr.Manager
	Decisions  *ledger.DecisionLedger
	Pruning    *ledger.PruningLedger
	Archive    *sessionarchive.Archive
	Mode       *ModeState
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Sink       EventSink
	Logger     *slog.Logger
}

// New validates the wiring and builds a Driver with a fresh session.
func New(deps Deps, cfg Config) (*Driver, error) {
	if deps.Provider == nil {
		return nil, errors.New("turndriver: provider is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("turndriver: tool pipeline is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("turndriver: tool registry is required")
	}
	if deps.ContextMgr == nil {
		return nil, errors.New("turndriver: context manager is required")
	}
	if deps.Decisions == nil {
		deps.Decisions = ledger.NewDecisionLedger(0)
	}
	if deps.Pruning == nil {
		deps.Pruning = ledger.NewPruningLedger(0)
	}
	if deps.Mode == nil {
		deps.Mode = NewModeState(false)
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 200
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}

	return &Driver{
		provider:   deps.Provider,
		pipeline:   deps.Pipeline,
		registry:   deps.Registry,
		contextMgr: deps.ContextMgr,
		decisions:  deps.Decisions,
		pruning:    deps.Pruning,
		archive:    deps.Archive,
		mode:       deps.Mode,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		sink:       deps.Sink,
		logger:     deps.Logger.With("component", "turn_driver"),
		cfg:        cfg,
		sessionID:  sessionarchive.NewSessionID(),
	}, nil
}

// SessionID reports the current session identifier.
func (d *Driver) SessionID() string { return d.sessionID }

// Mode exposes the plan/edit state machine.
func (d *Driver) Mode() *ModeState { return d.mode }

// History returns a copy of the current conversation history.
func (d *Driver) History() []turnmodel.Message {
	out := make([]turnmodel.Message, len(d.history))
	copy(out, d.history)
	return out
}

// ResumeFrom adopts an archived session's identity and history.
func (d *Driver) ResumeFrom(snapshot sessionarchive.Snapshot, history []turnmodel.Message) {
	d.sessionID = snapshot.Identifier
	d.history = append([]turnmodel.Message(nil), history...)
	if snapshot.Mode == sessionarchive.ModePlan {
		d.mode.EnterPlanMode()
	}
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	TurnID       string
	Response     *turnmodel.LLMResponse
	FinishReason turnmodel.FinishReason
	ToolCount    int
	Cancelled    bool
	Balanced     bool
}

// RunTurn drives one user turn to completion: guards, streaming request,
// tool loop, history commit, checkpoint. Tool-level failures feed back
// into history; only guard-level and provider-level failures abort.
func (d *Driver) RunTurn(ctx context.Context, userMessage turnmodel.Message) (*TurnResult, error) {
	turnID := uuid.NewString()
	ctx, span := d.startTurnSpan(ctx, turnID)
	defer endSpan(span)

	d.appendMessage(userMessage)

	balancer := NewBalancer(d.cfg.MaxToolLoops, d.cfg.MaxRepeatedToolCalls)
	result := &TurnResult{TurnID: turnID}
	overflowTrimmed := false

	for {
		// Guards.
		if err := d.runGuards(); err != nil {
			d.checkpoint()
			return nil, err
		}

		// Request + StreamLoop.
		response, err := d.streamOnce(ctx)
		if err != nil {
			if turnmodel.IsContextOverflow(err) && !overflowTrimmed {
				// Provider-recognized overflow: one adaptive trim, one
				// reattempt. The trim level comes from the local budget
				// estimate, so when that estimate is under the trim
				// thresholds nothing is trimmed before the reattempt.
				overflowTrimmed = true
				outcome := d.contextMgr.AdaptiveTrim(d.history, d.pruning, maxGuardAttempts)
				d.history = outcome.History
				d.recordDecision("provider reported context overflow", "trim_"+outcome.Strategy)
				continue
			}
			if ctx.Err() != nil {
				result.Cancelled = true
				result.FinishReason = turnmodel.Error("cancelled")
				d.checkpoint()
				return result, nil
			}
			d.checkpoint()
			return nil, err
		}

		d.appendMessage(assistantMessage(response))
		result.Response = response
		result.FinishReason = response.FinishReason

		// End: no tool calls.
		if len(response.ToolCalls) == 0 {
			break
		}

		// Turn balancer: count this loop and these attempts before
		// executing anything.
		balancer.RecordLoop()
		for _, call := range response.ToolCalls {
			balancer.RecordAttempt(call.Name, call.Arguments)
		}
		if reason, pause := balancer.ShouldPause(); pause {
			d.pauseTurn(response.ToolCalls, reason)
			result.Balanced = true
			break
		}

		// ToolLoop: model-specified order, no implicit parallelism.
		cancelled := d.runToolLoop(ctx, response.ToolCalls, result)
		if cancelled {
			result.Cancelled = true
			break
		}
	}

	d.checkpoint()
	d.recordTurnMetrics(result)
	return result, nil
}

// runGuards retries pre_request_check → adaptive_trim up to three times;
// a Block that trimming cannot resolve aborts the turn.
func (d *Driver) runGuards() error {
	for attempt := 1; attempt <= maxGuardAttempts; attempt++ {
		action := d.contextMgr.PreRequestCheck(d.history)
		if action == contextmgr.Proceed {
			return nil
		}

		before := len(d.history)
		outcome := d.contextMgr.AdaptiveTrim(d.history, d.pruning, attempt)
		d.history = outcome.History
		d.recordDecision(
			fmt.Sprintf("guard action %s (attempt %d)", action, attempt),
			"trim_"+outcome.Strategy,
		)
		if d.metrics != nil && outcome.Strategy != "none" {
			d.metrics.RecordContextTrim(outcome.Strategy)
		}

		if outcome.Action == contextmgr.Proceed {
			return nil
		}
		// A trim that removed nothing cannot resolve a Block by
		// iterating.
		if outcome.Action == contextmgr.Block && len(d.history) == before && outcome.BeforeTokens == outcome.AfterTokens {
			break
		}
	}
	if d.contextMgr.PreRequestCheck(d.history) == contextmgr.Block {
		d.recordDecision("context budget unresolvable after trimming", "abort_turn")
		return ErrContextUnresolvable
	}
	return nil
}

// streamOnce performs one provider request, forwarding deltas to the sink
// and returning the completed response.
func (d *Driver) streamOnce(ctx context.Context) (*turnmodel.LLMResponse, error) {
	req := &turnmodel.LLMRequest{
		Model:        d.cfg.Model,
		SystemPrompt: d.cfg.SystemPrompt,
		Messages:     d.History(),
		Tools:        d.availableTools(),
		Stream:       true,
	}

	events, err := d.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			// Drain cooperatively; the provider observes the same ctx.
			for range events {
			}
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, turnmodel.NewTurnError(turnmodel.KindProviderError, "stream ended without completion", nil)
			}
			switch ev.Kind {
			case turnmodel.EventContent:
				d.sink.ContentDelta(ev.Delta)
			case turnmodel.EventReasoning:
				d.sink.ReasoningDelta(ev.Delta)
			case turnmodel.EventCompleted:
				return ev.Response, nil
			case turnmodel.EventError:
				return nil, ev.Err
			}
		}
	}
}

// availableTools filters the registry's definitions through the mode
// gate, so a plan-mode request never advertises tools the gate would
// reject.
func (d *Driver) availableTools() []turnmodel.ToolDefinition {
	defs := d.registry.Definitions()
	if d.mode.Mode() != ModePlan {
		return defs
	}
	var filtered []turnmodel.ToolDefinition
	for _, def := range defs {
		if plannerTools[def.Name] || def.Name == "write_file" || !d.registry.IsMutating(def.Name) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

// runToolLoop executes the completed tool calls in order. Returns true
// when the turn was cancelled mid-loop; unanswered calls get synthetic
// cancellation entries so the tool-call/response invariant holds.
func (d *Driver) runToolLoop(ctx context.Context, calls []turnmodel.ToolCall, result *TurnResult) bool {
	for i, call := range calls {
		if ctx.Err() != nil {
			d.appendSyntheticFailures(calls[i:], "cancelled before execution")
			return true
		}

		toolCtx, toolSpan := d.startToolSpan(ctx, call)
		outcome := d.pipeline.Run(toolCtx, call)
		endSpan(toolSpan)

		result.ToolCount++
		d.sink.ToolOutcome(call.Name, outcome)
		d.appendMessage(outcome.Message)
		if d.metrics != nil {
			d.metrics.RecordToolExecution(call.Name, string(categoryOfTool(d.registry, call.Name)), string(outcome.Status), outcome.Duration)
			if outcome.CacheHit {
				d.metrics.RecordCacheHit(call.Name)
			}
		}

		if outcome.Status == toolpipeline.StatusCancelled {
			d.appendSyntheticFailures(calls[i+1:], "cancelled: a prior tool call was interrupted")
			return true
		}
	}
	return false
}

// pauseTurn answers the pending tool calls with synthetic failures,
// injects the balancer's system message, and records the decision.
func (d *Driver) pauseTurn(pending []turnmodel.ToolCall, reason string) {
	d.appendSyntheticFailures(pending, "turn paused by balancer")
	d.appendMessage(turnmodel.Message{
		Role:    turnmodel.RoleSystem,
		Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: balancerPauseNote}},
	})
	d.recordDecision("turn balancer: "+reason, "pause_turn")
	d.sink.SystemNote(balancerPauseNote)
}

// appendSyntheticFailures answers each call with a failure entry so every
// tool_call id is eventually matched by a tool message.
func (d *Driver) appendSyntheticFailures(calls []turnmodel.ToolCall, reason string) {
	for _, call := range calls {
		d.appendMessage(turnmodel.Message{
			Role:       turnmodel.RoleTool,
			ToolCallID: call.ID,
			OriginTool: call.Name,
			Content: []turnmodel.Part{{
				Type: turnmodel.PartText,
				Text: fmt.Sprintf(`{"success":false,"error":%q}`, reason),
			}},
		})
	}
}

// appendMessage commits one message and enforces the history limits:
// bounded message count and per-message content truncation that preserves
// structural fields.
func (d *Driver) appendMessage(msg turnmodel.Message) {
	d.history = append(d.history, truncateMessage(msg, d.cfg.MaxMessageBytes))
	if len(d.history) <= d.cfg.MaxHistoryMessages {
		return
	}
	// Drop oldest non-system messages first.
	excess := len(d.history) - d.cfg.MaxHistoryMessages
	kept := make([]turnmodel.Message, 0, d.cfg.MaxHistoryMessages)
	for _, m := range d.history {
		if excess > 0 && m.Role != turnmodel.RoleSystem {
			excess--
			continue
		}
		kept = append(kept, m)
	}
	d.history = kept
}

func truncateMessage(msg turnmodel.Message, maxBytes int) turnmodel.Message {
	total := 0
	for _, p := range msg.Content {
		total += len(p.Text)
	}
	if total <= maxBytes {
		return msg
	}
	out := msg
	out.Content = nil
	remaining := maxBytes
	for _, p := range msg.Content {
		if p.Type != turnmodel.PartText {
			out.Content = append(out.Content, p)
			continue
		}
		if remaining <= 0 {
			continue
		}
		text := p.Text
		if len(text) > remaining {
			text = text[:remaining] + "…[truncated]"
			remaining = 0
		} else {
			remaining -= len(text)
		}
		out.Content = append(out.Content, turnmodel.Part{Type: turnmodel.PartText, Text: text})
	}
	return out
}

func assistantMessage(response *turnmodel.LLMResponse) turnmodel.Message {
	msg := turnmodel.Message{
		Role:             turnmodel.RoleAssistant,
		Reasoning:        response.Reasoning,
		ReasoningDetails: response.ReasoningDetails,
		ToolCalls:        response.ToolCalls,
	}
	if response.Content != "" {
		msg.Content = []turnmodel.Part{{Type: turnmodel.PartText, Text: response.Content}}
	}
	return msg
}

// checkpoint persists the session snapshot; best-effort, never fatal.
func (d *Driver) checkpoint() {
	if d.archive == nil {
		return
	}
	mode := sessionarchive.ModeEdit
	if d.mode.Mode() == ModePlan {
		mode = sessionarchive.ModePlan
	}
	_, err := d.archive.Save(sessionarchive.Snapshot{
		Identifier:    d.sessionID,
		Messages:      d.History(),
		Mode:          mode,
		ProviderID:    d.cfg.ProviderID,
		ModelID:       d.cfg.Model,
		WorkspacePath: d.cfg.WorkspacePath,
	})
	if err != nil {
		d.logger.Warn("checkpoint failed", "session", d.sessionID, "error", err)
	}
}

func (d *Driver) recordDecision(reason, action string) {
	d.decisions.Record(reason, action, time.Now())
}

func (d *Driver) recordTurnMetrics(result *TurnResult) {
	if d.metrics == nil || result.Response == nil {
		return
	}
	prompt, completion := 0, 0
	if u := result.Response.Usage; u != nil {
		prompt, completion = u.PromptTokens, u.CompletionTokens
	}
	d.metrics.RecordTurn(string(result.FinishReason.Kind), prompt, completion)
}

func (d *Driver) startTurnSpan(ctx context.Context, turnID string) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, nil
	}
	return d.tracer.StartTurn(ctx, turnID, d.cfg.ProviderID, d.cfg.Model)
}

func (d *Driver) startToolSpan(ctx context.Context, call turnmodel.ToolCall) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, nil
	}
	return d.tracer.StartToolCall(ctx, call.Name, call.ID)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func categoryOfTool(registry *toolregistry.Registry, name string) toolregistry.Category {
	tool, ok := registry.Get(name)
	if !ok {
		return toolregistry.CategoryDefault
	}
	if ct, ok := tool.(toolregistry.CategorizedTool); ok {
		return ct.Category()
	}
	return toolregistry.CategoryDefault
}
