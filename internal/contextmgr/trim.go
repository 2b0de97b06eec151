package contextmgr

import (
	"time"

	"github.com/vtcode/turndriver/internal/ledger"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// Trim targets are ratio-thresholded: a light trim drops the oldest
// non-system messages until the ratio target is met; an aggressive trim
// additionally hard-clears tool-response bodies to a placeholder.
const (
	lightTrimTarget      = 0.70
	aggressiveTrimTarget = 0.55
)

// AdaptiveTrim performs one trimming pass appropriate to the given action,
// recording the outcome in the pruning ledger. step is the caller-supplied
// attempt counter (the driver retries the check-then-trim cycle up to 3
// times).
func (m *Manager) AdaptiveTrim(history []turnmodel.Message, pl *ledger.PruningLedger, step int) TrimOutcome {
	before := EstimateHistoryTokens(history)
	action := m.PreRequestCheck(history)

	var (
		trimmed  []turnmodel.Message
		strategy string
	)

	switch action {
	case TrimAggressive, Block:
		strategy = "aggressive"
		trimmed = m.trimToRatio(history, aggressiveTrimTarget, true)
	case TrimLight:
		strategy = "light"
		trimmed = m.trimToRatio(history, lightTrimTarget, false)
	default:
		strategy = "none"
		trimmed = history
	}

	after := EstimateHistoryTokens(trimmed)
	outcome := TrimOutcome{
		Strategy:     strategy,
		BeforeTokens: before,
		AfterTokens:  after,
		History:      trimmed,
		Action:       m.PreRequestCheck(trimmed),
	}

	if pl != nil && strategy != "none" {
		pl.Record(ledger.PruningEntry{
			Strategy:     strategy,
			BeforeTokens: before,
			AfterTokens:  after,
			Step:         step,
			Timestamp:    time.Now(),
		})
	}

	return outcome
}

// trimToRatio drops the oldest non-system messages (soft trim), and when
// hardClear is set additionally replaces old tool-response message bodies
// with a placeholder, until estimated usage falls at or below targetRatio
// of the context budget or there is nothing left to drop. System messages
// are never dropped, preserving the driver's instructions across trims.
func (m *Manager) trimToRatio(history []turnmodel.Message, targetRatio float64, hardClear bool) []turnmodel.Message {
	out := make([]turnmodel.Message, len(history))
	copy(out, history)

	targetTokens := int(targetRatio * float64(m.contextSize))

	// Soft trim: drop oldest non-system messages first.
	for i := 0; i < len(out); i++ {
		if EstimateHistoryTokens(out) <= targetTokens {
			return out
		}
		if out[i].Role == turnmodel.RoleSystem {
			continue
		}
		out = append(out[:i], out[i+1:]...)
		i--
	}

	if !hardClear {
		return out
	}

	// Hard clear: replace remaining tool-response bodies with a short
	// placeholder, preserving the structural fields (tool_call_id,
	// origin_tool).
	for i, msg := range out {
		if EstimateHistoryTokens(out) <= targetTokens {
			break
		}
		if msg.Role != turnmodel.RoleTool {
			continue
		}
		out[i] = turnmodel.Message{
			Role:       msg.Role,
			ToolCallID: msg.ToolCallID,
			OriginTool: msg.OriginTool,
			Content:    []turnmodel.Part{{Type: turnmodel.PartText, Text: "[trimmed: content cleared to reclaim context budget]"}},
		}
	}

	return out
}
