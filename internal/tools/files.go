package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// maxReadBytes caps a single read_file result.
const maxReadBytes = 200_000

// ReadFileTool reads a workspace file with offset/limit support.
type ReadFileTool struct {
	workspace Workspace
}

func NewReadFileTool(workspace Workspace) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

type readFileArgs struct {
	Path     string `json:"path" jsonschema:"required,description=Path to the file relative to the workspace."`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=Byte offset to start reading from."`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read."`
}

func (t *ReadFileTool) Name() string            { return "read_file" }
func (t *ReadFileTool) Description() string     { return "Read a file from the workspace with optional offset and byte limit." }
func (t *ReadFileTool) Schema() json.RawMessage { return schemaFor(&readFileArgs{}) }
func (t *ReadFileTool) Mutating() bool          { return false }

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var input readFileArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, turnmodel.InvalidArgsError("read_file: invalid arguments", nil)
	}
	if input.Path == "" {
		return nil, turnmodel.InvalidArgsError("read_file: missing path", []string{"path"})
	}

	abs, err := t.workspace.Resolve(input.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(fmt.Sprintf("read %s: %v", input.Path, err)), nil
	}

	offset := input.Offset
	if offset < 0 || offset > len(data) {
		offset = len(data)
	}
	limit := input.MaxBytes
	if limit <= 0 || limit > maxReadBytes {
		limit = maxReadBytes
	}
	end := offset + limit
	hasMore := false
	if end < len(data) {
		hasMore = true
	} else {
		end = len(data)
	}

	payload, _ := json.Marshal(map[string]any{
		"success":  true,
		"path":     input.Path,
		"content":  string(data[offset:end]),
		"size":     len(data),
		"has_more": hasMore,
	})
	return payload, nil
}

// WriteFileTool writes a workspace file, creating parent directories.
type WriteFileTool struct {
	workspace Workspace
}

func NewWriteFileTool(workspace Workspace) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path to the file relative to the workspace."`
	Content string `json:"content" jsonschema:"required,description=Full content to write."`
}

func (t *WriteFileTool) Name() string            { return "write_file" }
func (t *WriteFileTool) Description() string     { return "Write a file in the workspace, replacing any existing content." }
func (t *WriteFileTool) Schema() json.RawMessage { return schemaFor(&writeFileArgs{}) }
func (t *WriteFileTool) Mutating() bool          { return true }

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var input writeFileArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, turnmodel.InvalidArgsError("write_file: invalid arguments", nil)
	}
	if input.Path == "" {
		return nil, turnmodel.InvalidArgsError("write_file: missing path", []string{"path"})
	}

	abs, err := t.workspace.Resolve(input.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errorResult(fmt.Sprintf("write %s: %v", input.Path, err)), nil
	}
	if err := os.WriteFile(abs, []byte(input.Content), 0o644); err != nil {
		return errorResult(fmt.Sprintf("write %s: %v", input.Path, err)), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"success":        true,
		"modified_files": []string{t.workspace.Rel(abs)},
		"bytes_written":  len(input.Content),
	})
	return payload, nil
}

// ListFilesTool lists workspace entries in one of three modes: "list"
// (one directory level), "recursive", or "largest" (recursive, files
// sorted by size descending, directories after all files).
type ListFilesTool struct {
	workspace Workspace
}

func NewListFilesTool(workspace Workspace) *ListFilesTool {
	return &ListFilesTool{workspace: workspace}
}

type listFilesArgs struct {
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the workspace root."`
	Mode       string `json:"mode,omitempty" jsonschema:"description=list | recursive | largest,enum=list,enum=recursive,enum=largest"`
	MaxEntries int    `json:"max_entries,omitempty" jsonschema:"description=Cap on returned entries."`
}

func (t *ListFilesTool) Name() string            { return "list_files" }
func (t *ListFilesTool) Description() string     { return "List files in the workspace: one level, recursive, or largest-first." }
func (t *ListFilesTool) Schema() json.RawMessage { return schemaFor(&listFilesArgs{}) }
func (t *ListFilesTool) Mutating() bool          { return false }

type listedEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (t *ListFilesTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var input listFilesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, turnmodel.InvalidArgsError("list_files: invalid arguments", nil)
		}
	}
	if input.Path == "" {
		input.Path = "."
	}
	if input.Mode == "" {
		input.Mode = "list"
	}
	maxEntries := input.MaxEntries
	if maxEntries <= 0 || maxEntries > 2000 {
		maxEntries = 2000
	}

	abs, err := t.workspace.Resolve(input.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var entries []listedEntry
	switch input.Mode {
	case "list":
		dirEntries, err := os.ReadDir(abs)
		if err != nil {
			return errorResult(fmt.Sprintf("list %s: %v", input.Path, err)), nil
		}
		for _, de := range dirEntries {
			info, err := de.Info()
			var size int64
			if err == nil {
				size = info.Size()
			}
			entries = append(entries, listedEntry{
				Path:  t.workspace.Rel(filepath.Join(abs, de.Name())),
				IsDir: de.IsDir(),
				Size:  size,
			})
		}
	case "recursive", "largest":
		err := filepath.WalkDir(abs, func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if path == abs {
				return nil
			}
			info, ierr := de.Info()
			var size int64
			if ierr == nil {
				size = info.Size()
			}
			entries = append(entries, listedEntry{
				Path:  t.workspace.Rel(path),
				IsDir: de.IsDir(),
				Size:  size,
			})
			return nil
		})
		if err != nil {
			return errorResult(fmt.Sprintf("walk %s: %v", input.Path, err)), nil
		}
		if input.Mode == "largest" {
			sort.Slice(entries, func(i, j int) bool {
				if entries[i].IsDir != entries[j].IsDir {
					return !entries[i].IsDir
				}
				return entries[i].Size > entries[j].Size
			})
		}
	default:
		return nil, turnmodel.InvalidArgsError(fmt.Sprintf("list_files: unknown mode %q", input.Mode), []string{"mode"})
	}

	hasMore := false
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
		hasMore = true
	}

	payload, _ := json.Marshal(map[string]any{
		"success":  true,
		"mode":     input.Mode,
		"entries":  entries,
		"has_more": hasMore,
	})
	return payload, nil
}
