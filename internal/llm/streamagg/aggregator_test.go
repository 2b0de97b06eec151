package streamagg

import (
	"errors"
	"strings"
	"testing"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// TestToolCallReassembly mirrors the streaming scenario from the turn
// driver's contract: id, name, and argument fragments arrive in separate
// deltas and must reassemble losslessly.
func TestToolCallReassembly(t *testing.T) {
	agg := New("test-model")

	agg.AddContent("Reading file…")
	agg.AddToolCallDelta(turnmodel.ToolCallDelta{Index: 0, ID: "c1"})
	agg.AddToolCallDelta(turnmodel.ToolCallDelta{Index: 0, Name: "read_file"})
	agg.AddToolCallDelta(turnmodel.ToolCallDelta{Index: 0, ArgumentsDelta: `{"pa`})
	agg.AddToolCallDelta(turnmodel.ToolCallDelta{Index: 0, ArgumentsDelta: `th":"a.txt"}`})

	ev, err := agg.Complete("tool_use")
	if err != nil {
		t.Fatal(err)
	}
	resp := ev.Response
	if resp == nil {
		t.Fatal("expected Completed event to carry a response")
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "c1" || tc.Name != "read_file" {
		t.Errorf("unexpected tool call identity: %+v", tc)
	}
	if string(tc.Arguments) != `{"path":"a.txt"}` {
		t.Errorf("arguments not reassembled losslessly: %q", tc.Arguments)
	}
	if resp.Content != "Reading file…" {
		t.Errorf("content lost: %q", resp.Content)
	}
	if resp.FinishReason.Kind != turnmodel.FinishToolCalls {
		t.Errorf("expected tool_calls finish reason, got %v", resp.FinishReason.Kind)
	}
}

func TestIdenticalDeltaSequencesRoundTrip(t *testing.T) {
	deltas := []turnmodel.ToolCallDelta{
		{Index: 0, ID: "a1", Name: "grep_search"},
		{Index: 0, ArgumentsDelta: `{"query":`},
		{Index: 0, ArgumentsDelta: `"foo"}`},
		{Index: 1, ID: "a2", Name: "list_dir", ArgumentsDelta: `{"path":"."}`},
	}

	build := func() []turnmodel.ToolCall {
		agg := New("m")
		for _, d := range deltas {
			agg.AddToolCallDelta(d)
		}
		ev, err := agg.Complete("tool_use")
		if err != nil {
			t.Fatal(err)
		}
		return ev.Response.ToolCalls
	}

	first, second := build(), build()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 calls each, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Name != second[i].Name ||
			string(first[i].Arguments) != string(second[i].Arguments) {
			t.Errorf("run %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestReasoningAccumulation(t *testing.T) {
	agg := New("m")
	agg.AddReasoning("thinking ")
	agg.AddReasoning("hard")
	agg.AddContent("answer")

	ev, err := agg.Complete("end_turn")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Response.Reasoning != "thinking hard" {
		t.Errorf("reasoning not accumulated: %q", ev.Response.Reasoning)
	}
	if len(ev.Response.ReasoningDetails) != 1 || ev.Response.ReasoningDetails[0] != "thinking hard" {
		t.Errorf("reasoning segment not snapshotted: %v", ev.Response.ReasoningDetails)
	}
}

func TestCompletedExactlyOnce(t *testing.T) {
	agg := New("m")
	if _, err := agg.Complete("end_turn"); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Complete("end_turn"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestEmptyArgumentsBecomeEmptyObject(t *testing.T) {
	agg := New("m")
	agg.AddToolCallDelta(turnmodel.ToolCallDelta{Index: 0, ID: "x", Name: "noop"})
	ev, err := agg.Complete("tool_use")
	if err != nil {
		t.Fatal(err)
	}
	if got := string(ev.Response.ToolCalls[0].Arguments); got != "{}" {
		t.Errorf("expected {} for empty arguments, got %q", got)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := []struct {
		in   string
		want turnmodel.FinishReasonKind
	}{
		{"end_turn", turnmodel.FinishStop},
		{"stop", turnmodel.FinishStop},
		{"max_tokens", turnmodel.FinishLength},
		{"length", turnmodel.FinishLength},
		{"tool_use", turnmodel.FinishToolCalls},
		{"tool_calls", turnmodel.FinishToolCalls},
		{"pause_turn", turnmodel.FinishPause},
		{"compaction", turnmodel.FinishPause},
		{"refusal", turnmodel.FinishRefusal},
		{"content_filter", turnmodel.FinishRefusal},
		{"weird_reason", turnmodel.FinishError},
	}
	for _, c := range cases {
		got := MapStopReason(c.in)
		if got.Kind != c.want {
			t.Errorf("MapStopReason(%q) = %v, want %v", c.in, got.Kind, c.want)
		}
		if c.want == turnmodel.FinishError && got.Detail != c.in {
			t.Errorf("expected unknown reason preserved in detail, got %q", got.Detail)
		}
	}
}

func TestSetUsageMerges(t *testing.T) {
	agg := New("m")
	agg.SetUsage(turnmodel.Usage{PromptTokens: 100})
	agg.SetUsage(turnmodel.Usage{CompletionTokens: 42, CacheReadTokens: 10})

	ev, err := agg.Complete("end_turn")
	if err != nil {
		t.Fatal(err)
	}
	u := ev.Response.Usage
	if u.PromptTokens != 100 || u.CompletionTokens != 42 || u.TotalTokens != 142 || u.CacheReadTokens != 10 {
		t.Errorf("usage merge wrong: %+v", u)
	}
}

func TestDecodeSSE(t *testing.T) {
	raw := strings.Join([]string{
		"event: content_block_delta",
		`data: {"text":"hello"}`,
		"",
		": a comment",
		"data: plain",
		"data: lines",
		"",
		"event: message_stop",
		"data: {}",
		"",
	}, "\n")

	type frame struct{ typ, data string }
	var frames []frame
	err := DecodeSSE(strings.NewReader(raw), func(eventType, data string) error {
		frames = append(frames, frame{eventType, data})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %+v", len(frames), frames)
	}
	if frames[0].typ != "content_block_delta" || frames[0].data != `{"text":"hello"}` {
		t.Errorf("unexpected first frame: %+v", frames[0])
	}
	if frames[1].typ != "" || frames[1].data != "plain\nlines" {
		t.Errorf("multi-line data not joined: %+v", frames[1])
	}
	if frames[2].typ != "message_stop" {
		t.Errorf("unexpected final frame: %+v", frames[2])
	}
}

func TestDecodeSSEHandlerError(t *testing.T) {
	sentinel := errors.New("boom")
	err := DecodeSSE(strings.NewReader("data: x\n\n"), func(string, string) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("expected handler error surfaced, got %v", err)
	}
}
