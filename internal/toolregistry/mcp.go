package toolregistry

import (
	"context"
	"encoding/json"

	"github.com/vtcode/turndriver/internal/mcpsupervisor"
)

// MCPSource is the slice of the MCP Supervisor the registry needs:
// enumeration and dispatch.
type MCPSource interface {
	ListTools() []mcpsupervisor.QualifiedTool
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// mcpTool adapts one supervisor tool into the registry's Tool interface.
type mcpTool struct {
	qualified   string
	description string
	schema      json.RawMessage
	source      MCPSource
}

func (t *mcpTool) Name() string            { return t.qualified }
func (t *mcpTool) Description() string     { return t.description }
func (t *mcpTool) Schema() json.RawMessage { return t.schema }
func (t *mcpTool) Category() Category      { return CategoryMCP }

// Mutating is true: an external provider's side effects are unknown, so
// the plan-mode gate treats every MCP tool as mutating.
func (t *mcpTool) Mutating() bool { return true }

func (t *mcpTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return t.source.CallTool(ctx, t.qualified, args)
}

// RefreshMCPTools re-enumerates the source's live tools and registers the
// additions, computed by keyed diff ("<provider>-<name>") so unchanged
// tools are not re-listed. Observers learn only about the newly-added
// qualified names. Returns the added names.
func (r *Registry) RefreshMCPTools(source MCPSource) []string {
	listing := source.ListTools()

	var added []string
	r.mu.Lock()
	for _, qt := range listing {
		key := qt.Provider + "-" + qt.Tool.Name
		if r.mcpKeys[key] {
			continue
		}
		r.mcpKeys[key] = true
		schema := qt.Tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		r.tools[qt.Qualified] = &mcpTool{
			qualified:   qt.Qualified,
			description: qt.Tool.Description,
			schema:      schema,
			source:      source,
		}
		added = append(added, qt.Qualified)
	}
	observers := r.observers
	r.mu.Unlock()

	if len(added) > 0 {
		for _, o := range observers {
			o.MCPToolsDiscovered(added)
		}
	}
	return added
}

// IsMCPTool reports whether the canonical name belongs to an MCP wrapper.
func (r *Registry) IsMCPTool(name string) bool {
	tool, ok := r.Get(name)
	if !ok {
		return false
	}
	_, isMCP := tool.(*mcpTool)
	return isMCP
}
