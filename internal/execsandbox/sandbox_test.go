package execsandbox

import (
	"context"
	"testing"
	"time"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

func TestRunSuccess(t *testing.T) {
	sb := New(nil)
	spec := turnmodel.CommandSpec{
		Program:    "echo",
		Args:       []string{"hello"},
		Expiration: turnmodel.DefaultTimeout(),
	}

	result, err := sb.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.ExitCode != 0 {
		t.Fatalf("expected success exit 0, got %+v", result)
	}
}

func TestRunNonZeroExitIsNotError(t *testing.T) {
	sb := New(nil)
	spec := turnmodel.CommandSpec{
		Program:    "sh",
		Args:       []string{"-c", "exit 3"},
		Expiration: turnmodel.DefaultTimeout(),
	}

	result, err := sb.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("non-zero exit must not surface as an error, got %v", err)
	}
	if result.Success || result.ExitCode != 3 {
		t.Fatalf("expected success=false exit=3, got %+v", result)
	}
}

func TestRunTimeout(t *testing.T) {
	sb := New(nil)
	spec := turnmodel.CommandSpec{
		Program:    "sleep",
		Args:       []string{"5"},
		Expiration: turnmodel.Timeout(20 * time.Millisecond),
	}

	result, err := sb.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected TimedOut, got %+v", result)
	}
}

func TestRunCancellation(t *testing.T) {
	sb := New(nil)
	cancelCtx, cancel := context.WithCancel(context.Background())
	spec := turnmodel.CommandSpec{
		Program:    "sleep",
		Args:       []string{"5"},
		Expiration: turnmodel.Cancellation(cancelCtx),
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := sb.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Cancelled {
		t.Fatalf("expected Cancelled, got %+v", result)
	}
}

func TestRunMissingBinary(t *testing.T) {
	sb := New(nil)
	spec := turnmodel.CommandSpec{
		Program:    "definitely-not-a-real-binary-xyz",
		Expiration: turnmodel.DefaultTimeout(),
	}

	_, err := sb.Run(context.Background(), spec)
	if err == nil {
		t.Fatal("expected an error for a missing binary")
	}
}

func TestRunTruncatesLargeOutput(t *testing.T) {
	sb := New(nil)
	spec := turnmodel.CommandSpec{
		Program:    "sh",
		Args:       []string{"-c", "head -c 2000000 /dev/zero"},
		Expiration: turnmodel.DefaultTimeout(),
	}

	result, err := sb.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.StdoutTruncated {
		t.Fatal("expected stdout to be marked truncated past MaxStreamBytes")
	}
	if len(result.Stdout) != MaxStreamBytes {
		t.Fatalf("expected stdout capped at %d bytes, got %d", MaxStreamBytes, len(result.Stdout))
	}
}

func TestFallbackToNoneOnUnsupportedSandbox(t *testing.T) {
	sb := New(nil)
	spec := turnmodel.CommandSpec{
		Program:            "echo",
		Args:               []string{"hi"},
		Expiration:         turnmodel.DefaultTimeout(),
		SandboxPermissions: "not_a_real_sandbox_type",
	}

	result, err := sb.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.SandboxFallback || result.UsedSandbox != turnmodel.SandboxNone {
		t.Fatalf("expected fallback to SandboxNone, got %+v", result)
	}
}
