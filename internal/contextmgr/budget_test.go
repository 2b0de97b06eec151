package contextmgr

import (
	"testing"

	"github.com/vtcode/turndriver/internal/ledger"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

func textMessage(role turnmodel.Role, n int) turnmodel.Message {
	text := make([]byte, n)
	for i := range text {
		text[i] = 'x'
	}
	return turnmodel.Message{Role: role, Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: string(text)}}}
}

func TestPreRequestCheckBoundaries(t *testing.T) {
	th := DefaultThresholds()
	m := NewManager(1000, th) // 1000 tokens budget

	// ~0 tokens: well under warning -> Proceed.
	if got := m.PreRequestCheck(nil); got != Proceed {
		t.Fatalf("expected Proceed for empty history, got %v", got)
	}

	// Build a history just at/above the Block threshold (95% of 1000 = 950 tokens -> ~3800 chars).
	blockHistory := []turnmodel.Message{textMessage(turnmodel.RoleUser, 4000)}
	if got := m.PreRequestCheck(blockHistory); got != Block {
		t.Fatalf("expected Block at/above threshold, got %v", got)
	}
}

func TestAdaptiveTrimReducesUsageAndRecordsLedger(t *testing.T) {
	m := NewManager(1000, DefaultThresholds())
	pl := ledger.NewPruningLedger(10)

	history := []turnmodel.Message{
		{Role: turnmodel.RoleSystem, Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: "system prompt"}}},
		textMessage(turnmodel.RoleUser, 1000),
		textMessage(turnmodel.RoleAssistant, 1000),
		textMessage(turnmodel.RoleUser, 3000),
	}

	outcome := m.AdaptiveTrim(history, pl, 1)
	if outcome.AfterTokens > outcome.BeforeTokens {
		t.Fatalf("expected after <= before, got before=%d after=%d", outcome.BeforeTokens, outcome.AfterTokens)
	}

	entries := pl.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one pruning ledger entry, got %d", len(entries))
	}
	if entries[0].AfterTokens > entries[0].BeforeTokens {
		t.Fatal("pruning ledger entry must satisfy before_tokens >= after_tokens")
	}

	// System message must survive a trim.
	found := false
	for _, msg := range outcome.History {
		if msg.Role == turnmodel.RoleSystem {
			found = true
		}
	}
	if !found {
		t.Fatal("expected system message to survive trimming")
	}
}

func TestAdaptiveTrimHardClearPreservesStructuralFields(t *testing.T) {
	m := NewManager(200, DefaultThresholds())
	history := []turnmodel.Message{
		{Role: turnmodel.RoleTool, ToolCallID: "call-1", OriginTool: "read_file", Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: string(make([]byte, 5000))}}},
		textMessage(turnmodel.RoleUser, 5000),
	}

	outcome := m.AdaptiveTrim(history, nil, 1)
	for _, msg := range outcome.History {
		if msg.Role == turnmodel.RoleTool {
			if msg.ToolCallID != "call-1" || msg.OriginTool != "read_file" {
				t.Fatalf("expected structural fields preserved after hard clear, got %+v", msg)
			}
		}
	}
}
