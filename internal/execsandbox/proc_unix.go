//go:build unix

package execsandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup detaches the child into its own process group so the
// whole tree can be signaled on timeout/cancellation instead of just the
// immediate child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
}
