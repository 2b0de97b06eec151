// Package execsandbox implements Sandbox/Exec: wrapping a
// turnmodel.CommandSpec into a platform-sandboxed process, streaming its
// stdout/stderr into bounded buffers, and enforcing the spec's expiration.
//
// The child is detached into its own process group so terminating the
// parent never orphans it; stdout/stderr drain concurrently into bounded
// buffers; expiration maps onto context deadlines and cancellation.
package execsandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// MaxStreamBytes bounds each of stdout/stderr; output beyond this is
// still read from the child but discarded, and the stream is flagged
// truncated.
const MaxStreamBytes = 1 << 20 // 1 MiB

// Spawn errors, surfaced as typed errors distinct from non-zero exits.
var (
	ErrNotFound         = errors.New("sandbox: executable not found")
	ErrPermissionDenied = errors.New("sandbox: permission denied launching child")
)

// Sandbox executes CommandSpecs with platform-native process isolation.
type Sandbox struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{logger: logger}
}

// Run spawns spec's program, drains stdout/stderr concurrently into bounded
// buffers, applies the configured expiration, and returns the terminal
// result. Non-zero exit is not an error at this layer.
func (s *Sandbox) Run(ctx context.Context, spec turnmodel.CommandSpec) (turnmodel.ExecResult, error) {
	start := time.Now()

	sandboxType := spec.SandboxPermissions
	if sandboxType == "" {
		sandboxType = turnmodel.PlatformDefault()
	}
	fallback := false
	if !sandboxSupported(sandboxType) {
		s.logger.Warn("sandbox type unavailable on this platform, falling back to none",
			"requested", sandboxType, "platform", runtime.GOOS)
		sandboxType = turnmodel.SandboxNone
		fallback = true
	}

	runCtx, cancel := s.applyExpiration(ctx, spec.Expiration)
	defer cancel()

	program, args := wrapForSandbox(sandboxType, spec)

	cmd := exec.CommandContext(runCtx, program, args...) //nolint:gosec // program/args validated by policy+resolver upstream
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(spec.Env)
	setProcessGroup(cmd)

	var stdoutBuf, stderrBuf boundedBuffer
	stdoutBuf.limit = MaxStreamBytes
	stderrBuf.limit = MaxStreamBytes
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	err := cmd.Run()
	duration := time.Since(start)

	result := turnmodel.ExecResult{
		Stdout:          stdoutBuf.Bytes(),
		Stderr:          stderrBuf.Bytes(),
		StdoutTruncated: stdoutBuf.truncated,
		StderrTruncated: stderrBuf.truncated,
		Duration:        duration,
		UsedSandbox:     sandboxType,
		SandboxFallback: fallback,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.Success = false
		result.ExitCode = -1
		return result, nil
	case runCtx.Err() == context.Canceled:
		result.Cancelled = true
		result.Success = false
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Success = false
			return result, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return result, ErrNotFound
		}
		return result, err
	}

	result.ExitCode = 0
	result.Success = true
	return result, nil
}

func (s *Sandbox) applyExpiration(parent context.Context, exp turnmodel.ExecExpiration) (context.Context, context.CancelFunc) {
	switch exp.Kind {
	case turnmodel.ExpireTimeout:
		return context.WithTimeout(parent, exp.Timeout)
	case turnmodel.ExpireCancellation:
		if exp.Cancel != nil {
			ctx, cancel := context.WithCancel(parent)
			go func() {
				select {
				case <-exp.Cancel.Done():
					cancel()
				case <-ctx.Done():
				}
			}()
			return ctx, cancel
		}
		return context.WithCancel(parent)
	default:
		return context.WithTimeout(parent, turnmodel.DefaultExecTimeout)
	}
}

func buildEnv(overrides map[string]string) []string {
	env := make([]string, 0, len(overrides))
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func sandboxSupported(t turnmodel.SandboxType) bool {
	switch t {
	case turnmodel.SandboxNone:
		return true
	case turnmodel.SandboxMacosSeatbelt:
		return runtime.GOOS == "darwin"
	case turnmodel.SandboxLinuxLandlock:
		return runtime.GOOS == "linux"
	case turnmodel.SandboxWindowsRestrictedToken:
		return runtime.GOOS == "windows"
	default:
		return false
	}
}

// wrapForSandbox prepends the platform sandbox wrapper program/args ahead
// of the original command. The wrapper binaries
// themselves (sandbox-exec, a landlock launcher, a restricted-token
// launcher) are external collaborators this core only invokes by name.
func wrapForSandbox(t turnmodel.SandboxType, spec turnmodel.CommandSpec) (string, []string) {
	switch t {
	case turnmodel.SandboxMacosSeatbelt:
		return "sandbox-exec", append([]string{"-p", seatbeltDefaultProfile, spec.Program}, spec.Args...)
	case turnmodel.SandboxLinuxLandlock:
		return "vtcode-landlock-launcher", append([]string{spec.Program}, spec.Args...)
	case turnmodel.SandboxWindowsRestrictedToken:
		return "vtcode-restricted-token-launcher", append([]string{spec.Program}, spec.Args...)
	default:
		return spec.Program, spec.Args
	}
}

const seatbeltDefaultProfile = `(version 1)(deny default)(allow process-fork)(allow file-read*)`

// boundedBuffer caps how much of a stream is retained: writes beyond the
// limit are dropped (not an error) so the child never blocks on a full
// pipe, and the buffer flags truncation.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

var _ io.Writer = (*boundedBuffer)(nil)
