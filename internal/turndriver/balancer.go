package turndriver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// balancerPauseNote is the system message injected when the balancer
// pauses a turn.
const balancerPauseNote = "Turn balancer paused turn after repeated low-signal calls."

// Balancer is the per-turn circuit independent of the token budget: it
// pauses the turn when the tool loop spins or the model re-issues the
// same call past the configured limits.
type Balancer struct {
	maxToolLoops         int
	maxRepeatedToolCalls int

	loops    int
	attempts map[string]int
}

// NewBalancer builds a Balancer; non-positive limits select defaults.
func NewBalancer(maxToolLoops, maxRepeatedToolCalls int) *Balancer {
	if maxToolLoops <= 0 {
		maxToolLoops = 24
	}
	if maxRepeatedToolCalls <= 0 {
		maxRepeatedToolCalls = 3
	}
	return &Balancer{
		maxToolLoops:         maxToolLoops,
		maxRepeatedToolCalls: maxRepeatedToolCalls,
		attempts:             make(map[string]int),
	}
}

// RecordLoop counts one tool-loop iteration.
func (b *Balancer) RecordLoop() { b.loops++ }

// RecordAttempt counts one {name, args} tool attempt.
func (b *Balancer) RecordAttempt(name string, args json.RawMessage) {
	b.attempts[attemptKey(name, args)]++
}

// ShouldPause fires precisely when loops exceed max_tool_loops or any
// repeated attempt count exceeds max_repeated_tool_calls.
func (b *Balancer) ShouldPause() (string, bool) {
	if b.loops > b.maxToolLoops {
		return "tool loop limit exceeded", true
	}
	for _, count := range b.attempts {
		if count > b.maxRepeatedToolCalls {
			return "repeated identical tool calls", true
		}
	}
	return "", false
}

// attemptKey digests {name, args} so equality means "the same call".
func attemptKey(name string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(args)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
