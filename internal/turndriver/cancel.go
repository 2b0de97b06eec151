package turndriver

import (
	"context"
	"sync"
)

// CtrlCState is the three-level cancellation signal: the
// first press arms cancel and interrupts the in-flight stream and tool;
// the second press escalates to exit. The first press both closes
// Notify() and cancels Context().
type CtrlCState struct {
	mu             sync.Mutex
	armedForCancel bool
	armedForExit   bool

	notify chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
}

// NewCtrlCState derives the cancellable turn context from parent.
func NewCtrlCState(parent context.Context) *CtrlCState {
	ctx, cancel := context.WithCancel(parent)
	return &CtrlCState{
		notify: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is the context handed to streaming and tool execution; it is
// cancelled on the first press.
func (c *CtrlCState) Context() context.Context { return c.ctx }

// Notify returns the channel closed on the first press; select-ready.
func (c *CtrlCState) Notify() <-chan struct{} { return c.notify }

// Press registers one Ctrl-C. Returns true when the press escalated to
// exit (second press).
func (c *CtrlCState) Press() (exit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armedForCancel {
		c.armedForExit = true
		return true
	}
	c.armedForCancel = true
	close(c.notify)
	c.cancel()
	return false
}

// ArmedForCancel reports whether the first press happened.
func (c *CtrlCState) ArmedForCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armedForCancel
}

// ArmedForExit reports whether the second press happened.
func (c *CtrlCState) ArmedForExit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armedForExit
}
