package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vtcode/turndriver/internal/execsandbox"
	"github.com/vtcode/turndriver/internal/toolregistry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// RunPtyCmdTool executes a shell command inside the sandbox layer. It is
// the canonical target of the "shell" legacy alias.
type RunPtyCmdTool struct {
	workspace Workspace
	sandbox   *execsandbox.Sandbox
}

func NewRunPtyCmdTool(workspace Workspace, sandbox *execsandbox.Sandbox) *RunPtyCmdTool {
	return &RunPtyCmdTool{workspace: workspace, sandbox: sandbox}
}

type runPtyCmdArgs struct {
	Command  []string `json:"command" jsonschema:"required,description=Command and arguments as an argv array."`
	TimeoutS int      `json:"timeout_s,omitempty" jsonschema:"description=Timeout in seconds; 0 uses the default."`
	Stdin    string   `json:"stdin,omitempty" jsonschema:"description=Bytes fed to the child's stdin."`
}

func (t *RunPtyCmdTool) Name() string            { return "run_pty_cmd" }
func (t *RunPtyCmdTool) Description() string     { return "Run a command in the workspace inside the platform sandbox." }
func (t *RunPtyCmdTool) Schema() json.RawMessage { return schemaFor(&runPtyCmdArgs{}) }
func (t *RunPtyCmdTool) Mutating() bool          { return true }

func (t *RunPtyCmdTool) Category() toolregistry.Category { return toolregistry.CategoryPty }

// CommandText implements toolregistry.ShellTool: the concatenated command
// evaluated against the configured deny rules.
func (t *RunPtyCmdTool) CommandText(args json.RawMessage) string {
	var input runPtyCmdArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return ""
	}
	return strings.Join(input.Command, " ")
}

func (t *RunPtyCmdTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var input runPtyCmdArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, turnmodel.InvalidArgsError("run_pty_cmd: invalid arguments", nil)
	}
	if len(input.Command) == 0 {
		return nil, turnmodel.InvalidArgsError("run_pty_cmd: missing command", []string{"command"})
	}

	expiration := turnmodel.Cancellation(ctx)
	if input.TimeoutS > 0 {
		expiration = turnmodel.Timeout(time.Duration(input.TimeoutS) * time.Second)
	}

	spec := turnmodel.CommandSpec{
		Program:    input.Command[0],
		Args:       input.Command[1:],
		Cwd:        t.workspace.Root,
		Expiration: expiration,
	}
	if input.Stdin != "" {
		spec.Stdin = []byte(input.Stdin)
	}

	result, err := t.sandbox.Run(ctx, spec)
	if err != nil {
		return nil, turnmodel.NewTurnError(turnmodel.KindSandboxError,
			fmt.Sprintf("run_pty_cmd: %s could not be launched", input.Command[0]), err)
	}

	payload, _ := json.Marshal(map[string]any{
		"success":          result.Success,
		"stdout":           string(result.Stdout),
		"stderr":           string(result.Stderr),
		"exit_code":        result.ExitCode,
		"timed_out":        result.TimedOut,
		"stdout_truncated": result.StdoutTruncated,
		"stderr_truncated": result.StderrTruncated,
		"duration_ms":      result.Duration.Milliseconds(),
	})
	return payload, nil
}

// RegisterBuiltins registers the built-in tool set on a registry.
func RegisterBuiltins(registry *toolregistry.Registry, workspace Workspace, sandbox *execsandbox.Sandbox) {
	registry.Register(NewReadFileTool(workspace))
	registry.Register(NewWriteFileTool(workspace))
	registry.Register(NewListFilesTool(workspace))
	registry.Register(NewGrepSearchTool(workspace))
	registry.Register(NewRunPtyCmdTool(workspace, sandbox))
}
