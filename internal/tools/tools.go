// Package tools provides the built-in tool set the turn driver registers
// out of the box: workspace file access, content search, and sandboxed
// shell execution. Every tool implements toolregistry.Tool; schemas are
// generated from the argument structs with invopop/jsonschema.
//
// File access goes through a workspace-scoped resolver with byte-limited
// reads; command execution routes through the sandbox layer.
package tools

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
)

// schemaFor reflects a parameters struct into a plain JSON-schema object.
func schemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Workspace scopes tool file access: every path resolves inside Root, and
// attempts to escape it are an error rather than a silent clamp.
type Workspace struct {
	Root string
}

// Resolve maps a workspace-relative (or absolute-inside-root) path to an
// absolute one, rejecting escapes.
func (w Workspace) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.Root, path)
	}
	abs = filepath.Clean(abs)

	root := filepath.Clean(w.Root)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return abs, nil
}

// Rel converts an absolute path back to workspace-relative form for
// modified_files reporting.
func (w Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(filepath.Clean(w.Root), abs)
	if err != nil {
		return abs
	}
	return rel
}

// errorResult renders a tool failure as the standard JSON error body.
func errorResult(message string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{"success": false, "error": message})
	return payload
}
