//go:build windows

package execsandbox

import "os/exec"

// setProcessGroup is a no-op on Windows; process-group detachment is
// handled by the windows_restricted_token wrapper launcher instead.
func setProcessGroup(cmd *exec.Cmd) {}
