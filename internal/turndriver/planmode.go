package turndriver

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
)

// Mode is the two-phase profile switch: a read-only planner and a
// mutating coder.
type Mode string

const (
	ModePlan Mode = "plan"
	ModeEdit Mode = "edit"
)

// PlanChoice is the user's answer to the exit-plan confirmation.
type PlanChoice string

const (
	ChoiceExecute    PlanChoice = "execute"
	ChoiceAutoAccept PlanChoice = "auto_accept"
	ChoiceEditPlan   PlanChoice = "edit_plan"
	ChoiceCancel     PlanChoice = "cancel"
)

// ModeStatus is what ExitPlanMode reports back to the caller.
type ModeStatus string

const (
	StatusSwitched            ModeStatus = "switched"
	StatusPendingConfirmation ModeStatus = "pending_confirmation"
	StatusStayedInPlan        ModeStatus = "stayed_in_plan"
)

// planWriteDir is the one place plan mode may write: plan documents.
const planWriteDir = ".vtcode/plans"

// plannerTools is the planner profile's allowed non-mutating tool set.
var plannerTools = map[string]bool{
	"read_file":      true,
	"list_files":     true,
	"grep_search":    true,
	"code_intel":     true,
	"search":         true,
	"ask_user":       true,
	"spawn_subagent": true,
}

// ModeState holds the plan/edit state machine. It implements
// toolpipeline.ModeGate.
type ModeState struct {
	mu                  sync.Mutex
	mode                Mode
	requireConfirmation bool
	pending             bool
	autoAccept          bool
}

// NewModeState starts in edit mode.
func NewModeState(requireConfirmation bool) *ModeState {
	return &ModeState{mode: ModeEdit, requireConfirmation: requireConfirmation}
}

// Mode reports the current mode.
func (m *ModeState) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// AutoAcceptActive reports whether a session-scoped AutoAccept was chosen.
func (m *ModeState) AutoAcceptActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoAccept
}

// PendingConfirmation reports whether an exit is awaiting the user.
func (m *ModeState) PendingConfirmation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// EnterPlanMode switches to the planner profile.
func (m *ModeState) EnterPlanMode() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = ModePlan
	m.pending = false
}

// ExitPlanMode requests the switch back to the coder profile. With
// confirmation required, the first call parks in pending_confirmation and
// the switch resolves via ConfirmExit.
func (m *ModeState) ExitPlanMode() ModeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModePlan {
		return StatusSwitched
	}
	if m.requireConfirmation {
		m.pending = true
		return StatusPendingConfirmation
	}
	m.mode = ModeEdit
	return StatusSwitched
}

// ConfirmExit resolves a pending confirmation with the user's choice.
func (m *ModeState) ConfirmExit(choice PlanChoice) ModeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = false
	switch choice {
	case ChoiceExecute:
		m.mode = ModeEdit
		return StatusSwitched
	case ChoiceAutoAccept:
		m.mode = ModeEdit
		m.autoAccept = true
		return StatusSwitched
	case ChoiceEditPlan, ChoiceCancel:
		return StatusStayedInPlan
	default:
		return StatusStayedInPlan
	}
}

// AllowTool implements the pipeline's mode gate: in plan mode only the
// planner tool set runs, except writes under the plan directory.
func (m *ModeState) AllowTool(toolName string, mutating bool, args json.RawMessage) string {
	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()

	if mode != ModePlan {
		return ""
	}
	if plannerTools[toolName] {
		return ""
	}
	if !mutating {
		return ""
	}
	if toolName == "write_file" && isPlanPath(args) {
		return ""
	}
	return "plan mode permits only read-only tools; switch to edit mode to run " + toolName
}

func isPlanPath(args json.RawMessage) bool {
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &payload); err != nil || payload.Path == "" {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(payload.Path))
	return clean == planWriteDir || strings.HasPrefix(clean, planWriteDir+"/")
}
