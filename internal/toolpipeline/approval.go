package toolpipeline

import "sync"

// autoAcceptMinApprovals and autoAcceptMinRate encode the learning rule:
// a Prompt-gated tool skips the prompt once the user
// has approved it at least 3 times with an approval rate above 80%.
const (
	autoAcceptMinApprovals = 3
	autoAcceptMinRate      = 0.8
)

// ApprovalHistory records per-tool prompt outcomes across a session.
type ApprovalHistory struct {
	mu      sync.Mutex
	counts  map[string]*approvalCount
}

type approvalCount struct {
	approved int
	denied   int
}

func NewApprovalHistory() *ApprovalHistory {
	return &ApprovalHistory{counts: make(map[string]*approvalCount)}
}

// Record notes one prompt outcome for tool.
func (h *ApprovalHistory) Record(tool string, approved bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.counts[tool]
	if !ok {
		c = &approvalCount{}
		h.counts[tool] = c
	}
	if approved {
		c.approved++
	} else {
		c.denied++
	}
}

// AutoAcceptable reports whether tool has earned prompt-free execution.
func (h *ApprovalHistory) AutoAcceptable(tool string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.counts[tool]
	if !ok || c.approved < autoAcceptMinApprovals {
		return false
	}
	total := c.approved + c.denied
	return float64(c.approved)/float64(total) > autoAcceptMinRate
}
