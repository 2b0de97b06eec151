package turndriver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vtcode/turndriver/internal/contextmgr"
	"github.com/vtcode/turndriver/internal/ledger"
	"github.com/vtcode/turndriver/internal/sessionarchive"
	"github.com/vtcode/turndriver/internal/toolpipeline"
	"github.com/vtcode/turndriver/internal/toolregistry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// scriptedProvider returns one canned response per request, in order;
// past the script it repeats the final entry.
type scriptedProvider struct {
	responses []*turnmodel.LLMResponse
	errs      []error
	requests  int
}

func (s *scriptedProvider) Generate(ctx context.Context, req *turnmodel.LLMRequest) (*turnmodel.LLMResponse, error) {
	events, err := s.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		if ev.Kind == turnmodel.EventCompleted {
			return ev.Response, nil
		}
		if ev.Kind == turnmodel.EventError {
			return nil, ev.Err
		}
	}
	return nil, errors.New("no completion")
}

func (s *scriptedProvider) Stream(ctx context.Context, req *turnmodel.LLMRequest) (<-chan turnmodel.LLMStreamEvent, error) {
	idx := s.requests
	s.requests++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	resp := s.responses[idx]

	ch := make(chan turnmodel.LLMStreamEvent, 4)
	if resp.Content != "" {
		ch <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventContent, Delta: resp.Content}
	}
	ch <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventCompleted, Response: resp}
	close(ch)
	return ch, nil
}

func (s *scriptedProvider) BackendKind() string                  { return "scripted" }
func (s *scriptedProvider) SupportsReasoningEffort(string) bool { return false }

type echoTool struct{ calls int }

func (e *echoTool) Name() string            { return "echo" }
func (e *echoTool) Description() string     { return "echo" }
func (e *echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object","properties":{}}`) }
func (e *echoTool) Mutating() bool          { return false }

func (e *echoTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	e.calls++
	return json.RawMessage(`{"success":true,"echo":true}`), nil
}

func toolCallResponse(calls ...turnmodel.ToolCall) *turnmodel.LLMResponse {
	return &turnmodel.LLMResponse{
		Model:        "m",
		ToolCalls:    calls,
		FinishReason: turnmodel.ToolCalls(),
		Usage:        &turnmodel.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func finalResponse(text string) *turnmodel.LLMResponse {
	return &turnmodel.LLMResponse{
		Model:        "m",
		Content:      text,
		FinishReason: turnmodel.Stop(),
		Usage:        &turnmodel.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}
}

func newTestDriver(t *testing.T, provider *scriptedProvider, mutate func(*Deps, *Config)) (*Driver, *toolregistry.Registry) {
	t.Helper()
	registry := toolregistry.NewRegistry(toolregistry.Config{
		Policies: map[string]toolregistry.ToolPolicy{"echo": toolregistry.PolicyAllow},
	})
	pipeline, err := toolpipeline.New(toolpipeline.Config{Registry: registry})
	if err != nil {
		t.Fatal(err)
	}
	deps := Deps{
		Provider:   provider,
		Pipeline:   pipeline,
		Registry:   registry,
		ContextMgr: contextmgr.NewManager(100_000, contextmgr.DefaultThresholds()),
		Decisions:  ledger.NewDecisionLedger(0),
		Pruning:    ledger.NewPruningLedger(0),
	}
	cfg := Config{
		ProviderID:           "scripted",
		Model:                "m",
		MaxToolLoops:         5,
		MaxRepeatedToolCalls: 2,
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	driver, err := New(deps, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return driver, registry
}

func userMsg(text string) turnmodel.Message {
	return turnmodel.Message{Role: turnmodel.RoleUser, Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: text}}}
}

// assertToolCallsAnswered checks that every assistant
// tool_call id appears exactly once as a tool message's tool_call_id.
func assertToolCallsAnswered(t *testing.T, history []turnmodel.Message) {
	t.Helper()
	answered := map[string]int{}
	for _, msg := range history {
		if msg.Role == turnmodel.RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID]++
		}
	}
	for _, msg := range history {
		for _, call := range msg.ToolCalls {
			if answered[call.ID] != 1 {
				t.Errorf("tool call %s answered %d times, want exactly once", call.ID, answered[call.ID])
			}
		}
	}
}

func TestRunTurnWithToolLoop(t *testing.T) {
	provider := &scriptedProvider{responses: []*turnmodel.LLMResponse{
		toolCallResponse(turnmodel.ToolCall{ID: "c1", Kind: turnmodel.ToolCallFunction, Name: "echo", Arguments: []byte(`{"n":1}`)}),
		finalResponse("done"),
	}}
	tool := &echoTool{}
	driver, registry := newTestDriver(t, provider, nil)
	registry.Register(tool)

	result, err := driver.RunTurn(context.Background(), userMsg("run echo"))
	if err != nil {
		t.Fatal(err)
	}
	if result.ToolCount != 1 || tool.calls != 1 {
		t.Errorf("expected one tool execution, got result=%d tool=%d", result.ToolCount, tool.calls)
	}
	if result.FinishReason.Kind != turnmodel.FinishStop {
		t.Errorf("expected stop finish, got %v", result.FinishReason)
	}
	if result.Response.Content != "done" {
		t.Errorf("final content lost: %q", result.Response.Content)
	}
	assertToolCallsAnswered(t, driver.History())
}

func TestBalancerPausesRepeatedCalls(t *testing.T) {
	// The model keeps issuing the identical call; the balancer must pause
	// the turn after MaxRepeatedToolCalls is exceeded.
	sameCall := func(id string) turnmodel.ToolCall {
		return turnmodel.ToolCall{ID: id, Kind: turnmodel.ToolCallFunction, Name: "echo", Arguments: []byte(`{"n":1}`)}
	}
	provider := &scriptedProvider{responses: []*turnmodel.LLMResponse{
		toolCallResponse(sameCall("c1")),
		toolCallResponse(sameCall("c2")),
		toolCallResponse(sameCall("c3")),
		toolCallResponse(sameCall("c4")),
		finalResponse("never reached"),
	}}
	driver, registry := newTestDriver(t, provider, nil)
	registry.Register(&echoTool{})

	result, err := driver.RunTurn(context.Background(), userMsg("loop forever"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Balanced {
		t.Fatal("expected the balancer to pause the turn")
	}

	history := driver.History()
	assertToolCallsAnswered(t, history)

	found := false
	for _, msg := range history {
		if msg.Role == turnmodel.RoleSystem && strings.Contains(msg.Text(), "Turn balancer paused") {
			found = true
		}
	}
	if !found {
		t.Error("balancer system message missing from history")
	}
}

func TestGuardBlockUnresolvable(t *testing.T) {
	provider := &scriptedProvider{responses: []*turnmodel.LLMResponse{finalResponse("hi")}}
	driver, _ := newTestDriver(t, provider, func(deps *Deps, cfg *Config) {
		// Budget so small that even a lone system message blocks it.
		deps.ContextMgr = contextmgr.NewManager(10, contextmgr.DefaultThresholds())
	})

	// A system message cannot be trimmed, so the block is unresolvable.
	driver.history = []turnmodel.Message{{
		Role:    turnmodel.RoleSystem,
		Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: strings.Repeat("x", 400)}},
	}}

	_, err := driver.RunTurn(context.Background(), userMsg("hello"))
	if !errors.Is(err, ErrContextUnresolvable) {
		t.Fatalf("expected ErrContextUnresolvable, got %v", err)
	}
}

func TestContextOverflowSelfHeal(t *testing.T) {
	overflow := turnmodel.NewTurnError(turnmodel.KindContextOverflow, "context length exceeded", nil)
	provider := &scriptedProvider{
		errs:      []error{overflow},
		responses: []*turnmodel.LLMResponse{finalResponse("recovered"), finalResponse("recovered")},
	}
	driver, _ := newTestDriver(t, provider, nil)

	result, err := driver.RunTurn(context.Background(), userMsg("big context"))
	if err != nil {
		t.Fatalf("overflow should self-heal via aggressive trim: %v", err)
	}
	if result.Response.Content != "recovered" {
		t.Errorf("unexpected content: %q", result.Response.Content)
	}
	if provider.requests != 2 {
		t.Errorf("expected a retry after the trim, got %d requests", provider.requests)
	}
}

func TestCheckpointWritten(t *testing.T) {
	archive, err := sessionarchive.New(sessionarchive.Config{Enabled: true, Dir: t.TempDir(), MaxSnapshots: 10})
	if err != nil {
		t.Fatal(err)
	}
	provider := &scriptedProvider{responses: []*turnmodel.LLMResponse{finalResponse("hello")}}
	driver, _ := newTestDriver(t, provider, func(deps *Deps, cfg *Config) {
		deps.Archive = archive
	})

	if _, err := driver.RunTurn(context.Background(), userMsg("hi")); err != nil {
		t.Fatal(err)
	}

	snapshot, history, err := archive.Resume(driver.SessionID())
	if err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if snapshot.ProviderID != "scripted" || snapshot.ModelID != "m" {
		t.Errorf("snapshot identity wrong: %+v", snapshot)
	}
	if len(history) != 2 {
		t.Errorf("expected user + assistant in checkpoint, got %d messages", len(history))
	}
}

func TestHistoryLimitsPreserveStructure(t *testing.T) {
	provider := &scriptedProvider{responses: []*turnmodel.LLMResponse{finalResponse("x")}}
	driver, _ := newTestDriver(t, provider, func(deps *Deps, cfg *Config) {
		cfg.MaxMessageBytes = 32
	})

	driver.appendMessage(turnmodel.Message{
		Role:       turnmodel.RoleTool,
		ToolCallID: "c9",
		OriginTool: "read_file",
		Content:    []turnmodel.Part{{Type: turnmodel.PartText, Text: strings.Repeat("y", 500)}},
	})

	last := driver.History()[0]
	if last.ToolCallID != "c9" || last.OriginTool != "read_file" {
		t.Error("truncation must preserve structural fields")
	}
	if len(last.Text()) > 64 {
		t.Errorf("content not truncated: %d bytes", len(last.Text()))
	}
}

func TestModeStateTransitions(t *testing.T) {
	m := NewModeState(true)
	if m.Mode() != ModeEdit {
		t.Fatal("must start in edit mode")
	}

	m.EnterPlanMode()
	if m.Mode() != ModePlan {
		t.Fatal("EnterPlanMode failed")
	}

	// Confirmation required: exit parks pending.
	if status := m.ExitPlanMode(); status != StatusPendingConfirmation {
		t.Fatalf("expected pending confirmation, got %v", status)
	}
	if !m.PendingConfirmation() {
		t.Error("pending flag not set")
	}

	// EditPlan keeps plan mode.
	if status := m.ConfirmExit(ChoiceEditPlan); status != StatusStayedInPlan || m.Mode() != ModePlan {
		t.Error("EditPlan must stay in plan mode")
	}

	// Execute switches to edit.
	m.ExitPlanMode()
	if status := m.ConfirmExit(ChoiceExecute); status != StatusSwitched || m.Mode() != ModeEdit {
		t.Error("Execute must switch to edit mode")
	}

	// AutoAccept is session-scoped.
	m.EnterPlanMode()
	m.ExitPlanMode()
	m.ConfirmExit(ChoiceAutoAccept)
	if !m.AutoAcceptActive() {
		t.Error("AutoAccept choice must persist for the session")
	}
}

func TestPlanModeGate(t *testing.T) {
	m := NewModeState(false)
	m.EnterPlanMode()

	if reason := m.AllowTool("read_file", false, nil); reason != "" {
		t.Errorf("planner tool rejected: %s", reason)
	}
	if reason := m.AllowTool("run_pty_cmd", true, nil); reason == "" {
		t.Error("mutating tool must be rejected in plan mode")
	}
	if reason := m.AllowTool("write_file", true, json.RawMessage(`{"path":".vtcode/plans/plan.md"}`)); reason != "" {
		t.Errorf("plan-directory write rejected: %s", reason)
	}
	if reason := m.AllowTool("write_file", true, json.RawMessage(`{"path":"main.go"}`)); reason == "" {
		t.Error("workspace write must be rejected in plan mode")
	}

	m.ExitPlanMode()
	if reason := m.AllowTool("run_pty_cmd", true, nil); reason != "" {
		t.Errorf("edit mode must allow mutating tools: %s", reason)
	}
}

func TestCtrlCStateEscalation(t *testing.T) {
	c := NewCtrlCState(context.Background())

	if c.ArmedForCancel() {
		t.Fatal("fresh state must not be armed")
	}
	if exit := c.Press(); exit {
		t.Fatal("first press must not exit")
	}
	if !c.ArmedForCancel() {
		t.Error("first press arms cancel")
	}
	select {
	case <-c.Notify():
	case <-time.After(time.Second):
		t.Fatal("notify channel not closed on first press")
	}
	if c.Context().Err() == nil {
		t.Error("turn context must be cancelled on first press")
	}
	if exit := c.Press(); !exit {
		t.Error("second press must escalate to exit")
	}
}

func TestBalancerBoundaries(t *testing.T) {
	b := NewBalancer(2, 2)
	b.RecordLoop()
	b.RecordLoop()
	if _, pause := b.ShouldPause(); pause {
		t.Error("loops == max must not pause")
	}
	b.RecordLoop()
	if _, pause := b.ShouldPause(); !pause {
		t.Error("loops > max must pause")
	}

	b2 := NewBalancer(10, 2)
	args := json.RawMessage(`{"a":1}`)
	b2.RecordAttempt("t", args)
	b2.RecordAttempt("t", args)
	if _, pause := b2.ShouldPause(); pause {
		t.Error("attempts == max must not pause")
	}
	b2.RecordAttempt("t", args)
	if _, pause := b2.ShouldPause(); !pause {
		t.Error("attempts > max must pause")
	}
}
