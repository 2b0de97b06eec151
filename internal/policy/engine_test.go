package policy

import "testing"

func TestPrefixRuleMatching(t *testing.T) {
	rule := PrefixRule{Pattern: []string{"cargo", "build"}, Decision: Allow}

	if !rule.Matches([]string{"cargo", "build"}) {
		t.Error("expected exact match")
	}
	if !rule.Matches([]string{"cargo", "build", "--release"}) {
		t.Error("expected prefix match with trailing args")
	}
	if rule.Matches([]string{"cargo", "test"}) {
		t.Error("expected no match on different second token")
	}
	if rule.Matches([]string{"cargo"}) {
		t.Error("expected no match when command shorter than pattern")
	}
}

func TestEngineCheck(t *testing.T) {
	e := NewEngine([]PrefixRule{
		{Pattern: []string{"cargo", "build"}, Decision: Allow},
		{Pattern: []string{"rm"}, Decision: Forbidden},
	})

	allow := e.Check([]string{"cargo", "build"})
	if allow.Decision != Allow || !allow.IsPolicyMatch() {
		t.Fatalf("expected Allow policy match, got %+v", allow)
	}

	forbidden := e.Check([]string{"rm", "-rf"})
	if forbidden.Decision != Forbidden {
		t.Fatalf("expected Forbidden, got %v", forbidden.Decision)
	}

	heuristic := e.Check([]string{"unknown"})
	if heuristic.IsPolicyMatch() {
		t.Fatalf("expected heuristics fallback, not a policy match")
	}
}

func TestCheckMultipleIsMonotonicFold(t *testing.T) {
	e := NewEngine([]PrefixRule{
		{Pattern: []string{"echo"}, Decision: Allow},
		{Pattern: []string{"rm"}, Decision: Forbidden},
	})

	eval := e.CheckMultiple([][]string{
		{"echo", "hello"},
		{"rm", "-rf"},
	}, DefaultHeuristics)

	if eval.Decision != Forbidden {
		t.Fatalf("expected Forbidden to dominate the fold, got %v", eval.Decision)
	}

	allAllow := e.CheckMultiple([][]string{{"echo", "a"}, {"echo", "b"}}, DefaultHeuristics)
	if allAllow.Decision != Allow {
		t.Fatalf("expected Allow when every command allows, got %v", allAllow.Decision)
	}
}

func TestCheckMultipleUsesHeuristicsForUnmatched(t *testing.T) {
	e := NewEngine(nil)
	eval := e.CheckMultiple([][]string{{"rm", "-rf", "/"}}, DangerousVerbHeuristics)
	if eval.Decision != Forbidden {
		t.Fatalf("expected dangerous-verb heuristic to forbid rm, got %v", eval.Decision)
	}
}

func TestForbiddenDominatesPromptDominatesAllow(t *testing.T) {
	if worse(Allow, Prompt) != Prompt {
		t.Error("Prompt should dominate Allow")
	}
	if worse(Prompt, Forbidden) != Forbidden {
		t.Error("Forbidden should dominate Prompt")
	}
	if worse(Allow, Forbidden) != Forbidden {
		t.Error("Forbidden should dominate Allow")
	}
}
