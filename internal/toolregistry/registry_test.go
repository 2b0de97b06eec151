package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vtcode/turndriver/internal/mcpsupervisor"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// stubTool is the baseline test double.
type stubTool struct {
	name     string
	category Category
	mutating bool
	execute  func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

	mu    sync.Mutex
	calls int
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "stub" }
func (s *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Mutating() bool          { return s.mutating }

func (s *stubTool) Category() Category {
	if s.category == "" {
		return CategoryDefault
	}
	return s.category
}

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(ctx, args)
	}
	return json.RawMessage(`{"success":true}`), nil
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// shellStub additionally exposes command text for shell policy checks.
type shellStub struct {
	stubTool
}

func (s *shellStub) CommandText(args json.RawMessage) string {
	var payload struct {
		Command string `json:"command"`
	}
	json.Unmarshal(args, &payload)
	return payload.Command
}

func newTestRegistry(t *testing.T, policies map[string]ToolPolicy, denyRegex []string) *Registry {
	t.Helper()
	shell, err := NewShellPolicy(denyRegex, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewRegistry(Config{Policies: policies, ShellPolicy: shell, MaxRetries: 2})
}

func TestCanonicalAliases(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	r.Register(&stubTool{name: "run_pty_cmd"})

	if !r.HasTool("shell") {
		t.Error("legacy alias shell must resolve to run_pty_cmd")
	}
	if !r.HasTool("run_pty_cmd") {
		t.Error("canonical name must resolve")
	}
	if r.HasTool("nonexistent") {
		t.Error("unknown tool must not resolve")
	}
}

func TestPolicyGateDeny(t *testing.T) {
	r := newTestRegistry(t, map[string]ToolPolicy{"danger": PolicyDeny}, nil)
	tool := &stubTool{name: "danger"}
	r.Register(tool)

	_, err := r.ExecuteToolRef(context.Background(), "danger", nil)
	var te *turnmodel.TurnError
	if !errors.As(err, &te) || te.Kind != turnmodel.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if tool.callCount() != 0 {
		t.Error("denied tool must never execute")
	}
}

func TestGetToolPolicyDefaultsToPrompt(t *testing.T) {
	r := newTestRegistry(t, map[string]ToolPolicy{"read_file": PolicyAllow}, nil)
	if got := r.GetToolPolicy("read_file"); got != PolicyAllow {
		t.Errorf("configured policy lost: %v", got)
	}
	if got := r.GetToolPolicy("unlisted"); got != PolicyPrompt {
		t.Errorf("unlisted tool must default to Prompt, got %v", got)
	}
}

// TestShellPolicyForbidsRmRf mirrors the end-to-end scenario: deny_regex
// ["^rm\s+-rf"] blocks the command before any execution.
func TestShellPolicyForbidsRmRf(t *testing.T) {
	r := newTestRegistry(t, map[string]ToolPolicy{"run_pty_cmd": PolicyAllow}, []string{`^rm\s+-rf`})
	tool := &shellStub{stubTool: stubTool{name: "run_pty_cmd", category: CategoryPty}}
	r.Register(tool)

	_, err := r.ExecuteToolRef(context.Background(), "run_pty_cmd", json.RawMessage(`{"command":"rm -rf /"}`))
	var te *turnmodel.TurnError
	if !errors.As(err, &te) || te.Kind != turnmodel.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if tool.callCount() != 0 {
		t.Error("forbidden command must never reach the tool")
	}

	if _, err := r.ExecuteToolRef(context.Background(), "run_pty_cmd", json.RawMessage(`{"command":"ls -la"}`)); err != nil {
		t.Errorf("benign command should pass: %v", err)
	}
}

func TestAdaptiveRetryOnTransientErrors(t *testing.T) {
	attempts := 0
	tool := &stubTool{
		name: "flaky",
		execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts < 3 {
				return nil, turnmodel.NewTurnError(turnmodel.KindNetworkError, "transient", nil)
			}
			return json.RawMessage(`{"success":true}`), nil
		},
	}
	r := newTestRegistry(t, map[string]ToolPolicy{"flaky": PolicyAllow}, nil)
	r.Register(tool)

	out, err := r.ExecuteToolRef(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if string(out) != `{"success":true}` {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNoRetryOnPermissionErrors(t *testing.T) {
	attempts := 0
	tool := &stubTool{
		name: "guarded",
		execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			attempts++
			return nil, turnmodel.NewTurnError(turnmodel.KindPermissionDenied, "nope", nil)
		},
	}
	r := newTestRegistry(t, map[string]ToolPolicy{"guarded": PolicyAllow}, nil)
	r.Register(tool)

	if _, err := r.ExecuteToolRef(context.Background(), "guarded", nil); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("permission errors must not retry; got %d attempts", attempts)
	}
}

func TestCircuitBreakerOpensAndProbes(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if _, open := b.Open(); open {
			t.Fatalf("circuit open too early at failure %d", i)
		}
		b.RecordFailure()
	}
	if wait, open := b.Open(); !open || wait <= 0 {
		t.Fatalf("circuit should be open after threshold, got open=%v wait=%v", open, wait)
	}

	// After the cooldown a probe is admitted and success closes it.
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, open := b.Open(); open {
		t.Fatal("cooldown elapsed, probe should be admitted")
	}
	b.RecordSuccess()
	if b.ConsecutiveFailures() != 0 {
		t.Error("success must reset the failure streak")
	}
}

func TestTimeoutPolicyAdaptiveTuning(t *testing.T) {
	p := NewTimeoutPolicy(TimeoutConfig{
		DefaultCeiling: 10 * time.Second,
		SuccessStreak:  2,
		DecayRatio:     0.5,
		MinFloor:       time.Second,
	})

	// Sustained slow latencies tighten the ceiling.
	for i := 0; i < latencyWindow; i++ {
		p.RecordLatency(CategoryDefault, 11*time.Second)
	}
	tightened := p.EffectiveCeiling(CategoryDefault)
	if tightened >= 10*time.Second {
		t.Skip("p95 below ceiling, no tightening expected")
	}

	// Success streaks relax back toward the static ceiling.
	before := p.EffectiveCeiling(CategoryDefault)
	p.RecordSuccess(CategoryDefault)
	p.RecordSuccess(CategoryDefault)
	if p.EffectiveCeiling(CategoryDefault) < before {
		t.Error("success streak must not tighten the ceiling")
	}
}

func TestTimeoutPolicyWarningThreshold(t *testing.T) {
	p := NewTimeoutPolicy(TimeoutConfig{DefaultCeiling: 10 * time.Second, WarningThresholdPct: 0.8})
	if p.PastWarningThreshold(CategoryDefault, 7*time.Second) {
		t.Error("7s of a 10s ceiling is under the 80% threshold")
	}
	if !p.PastWarningThreshold(CategoryDefault, 9*time.Second) {
		t.Error("9s of a 10s ceiling is past the 80% threshold")
	}
}

type fakeMCPSource struct {
	tools []mcpsupervisor.QualifiedTool
	calls []string
}

func (f *fakeMCPSource) ListTools() []mcpsupervisor.QualifiedTool { return f.tools }

func (f *fakeMCPSource) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.calls = append(f.calls, name)
	return json.RawMessage(`{"echoed":true}`), nil
}

type recordingObserver struct {
	mu         sync.Mutex
	discovered [][]string
}

func (o *recordingObserver) TimeoutWarning(string, Category, time.Duration, time.Duration) {}

func (o *recordingObserver) MCPToolsDiscovered(added []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discovered = append(o.discovered, added)
}

func TestRefreshMCPToolsKeyedDiff(t *testing.T) {
	source := &fakeMCPSource{tools: []mcpsupervisor.QualifiedTool{
		{Provider: "mock", Qualified: "mcp_mock_echo", Tool: mcpsupervisor.ToolDescriptor{Name: "echo"}},
	}}
	r := newTestRegistry(t, map[string]ToolPolicy{"mcp_mock_echo": PolicyAllow}, nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)

	added := r.RefreshMCPTools(source)
	if len(added) != 1 || added[0] != "mcp_mock_echo" {
		t.Fatalf("first refresh should add echo, got %v", added)
	}
	if !r.HasTool("mcp_mock_echo") || !r.IsMCPTool("mcp_mock_echo") {
		t.Error("mcp tool not registered")
	}

	// Second refresh with the same listing: no additions, no observer event.
	if added := r.RefreshMCPTools(source); len(added) != 0 {
		t.Errorf("unchanged listing must diff to empty, got %v", added)
	}
	obs.mu.Lock()
	events := len(obs.discovered)
	obs.mu.Unlock()
	if events != 1 {
		t.Errorf("expected exactly one discovery event, got %d", events)
	}

	// A new tool appears: only the addition is reported.
	source.tools = append(source.tools, mcpsupervisor.QualifiedTool{
		Provider: "mock", Qualified: "mcp_mock_ping", Tool: mcpsupervisor.ToolDescriptor{Name: "ping"},
	})
	if added := r.RefreshMCPTools(source); len(added) != 1 || added[0] != "mcp_mock_ping" {
		t.Errorf("expected only the new tool, got %v", added)
	}

	// Dispatch routes through the source.
	if _, err := r.ExecuteToolRef(context.Background(), "mcp_mock_echo", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if len(source.calls) != 1 || source.calls[0] != "mcp_mock_echo" {
		t.Errorf("expected qualified dispatch, got %v", source.calls)
	}
}

func TestIsMutating(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	r.Register(&stubTool{name: "read_file", mutating: false})
	r.Register(&stubTool{name: "write_file", mutating: true})

	if r.IsMutating("read_file") {
		t.Error("read_file declared non-mutating")
	}
	if !r.IsMutating("write_file") {
		t.Error("write_file declared mutating")
	}
	if !r.IsMutating("unknown_tool") {
		t.Error("unknown tools must be treated as mutating")
	}
}
