package turnmodel

import (
	"context"
	"runtime"
	"time"
)

// SandboxType selects the platform-specific process isolation wrapper.
type SandboxType string

const (
	SandboxNone                   SandboxType = "none"
	SandboxMacosSeatbelt          SandboxType = "macos_seatbelt"
	SandboxLinuxLandlock          SandboxType = "linux_landlock"
	SandboxWindowsRestrictedToken SandboxType = "windows_restricted_token"
)

// PlatformDefault returns the sandbox type appropriate for the running OS.
func PlatformDefault() SandboxType {
	switch runtime.GOOS {
	case "darwin":
		return SandboxMacosSeatbelt
	case "linux":
		return SandboxLinuxLandlock
	case "windows":
		return SandboxWindowsRestrictedToken
	default:
		return SandboxNone
	}
}

// ExecExpirationKind tags the variant carried by an ExecExpiration.
type ExecExpirationKind string

const (
	ExpireTimeout        ExecExpirationKind = "timeout"
	ExpireDefaultTimeout ExecExpirationKind = "default_timeout"
	ExpireCancellation   ExecExpirationKind = "cancellation"
)

// DefaultExecTimeout is used when ExecExpiration.Kind == ExpireDefaultTimeout.
const DefaultExecTimeout = 30 * time.Second

// ExecExpiration describes how a sandboxed command's lifetime is bounded.
type ExecExpiration struct {
	Kind    ExecExpirationKind
	Timeout time.Duration    // set when Kind == ExpireTimeout
	Cancel  context.Context  // set when Kind == ExpireCancellation
}

func Timeout(d time.Duration) ExecExpiration {
	return ExecExpiration{Kind: ExpireTimeout, Timeout: d}
}

func DefaultTimeout() ExecExpiration {
	return ExecExpiration{Kind: ExpireDefaultTimeout, Timeout: DefaultExecTimeout}
}

func Cancellation(ctx context.Context) ExecExpiration {
	return ExecExpiration{Kind: ExpireCancellation, Cancel: ctx}
}

// CommandSpec is the input to the Sandbox/Exec component.
type CommandSpec struct {
	Program            string
	Args               []string
	Cwd                string
	Env                map[string]string
	Expiration         ExecExpiration
	SandboxPermissions SandboxType
	Justification      string
	Stdin              []byte
}

// ExecResult is the terminal outcome of a sandboxed command execution.
type ExecResult struct {
	Stdout           []byte
	Stderr           []byte
	StdoutTruncated  bool
	StderrTruncated  bool
	ExitCode         int
	Success          bool
	TimedOut         bool
	Cancelled        bool
	Duration         time.Duration
	UsedSandbox      SandboxType
	SandboxFallback  bool // true if platform_default() was unavailable and we fell back to None
}
