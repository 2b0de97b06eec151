// Package turnmodel holds the transport-neutral wire types shared by every
// turn-driver component: messages, tool calls, usage, finish reasons, and
// the command/sandbox spec consumed by the exec layer.
package turnmodel

import "encoding/json"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType distinguishes the kind of content carried by a Part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one ordered element of a Message's content.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	// Image fields, populated when Type == PartImage.
	ImageData string `json:"image_data,omitempty"` // base64
	MimeType  string `json:"mime_type,omitempty"`
}

// Message is the universal conversation element threaded through the
// context manager, the provider interface, and the session archive.
type Message struct {
	Role    Role   `json:"role"`
	Content []Part `json:"content"`

	// Reasoning is opaque provider-scoped chain-of-thought text.
	Reasoning        string   `json:"reasoning,omitempty"`
	ReasoningDetails []string `json:"reasoning_details,omitempty"`

	// ToolCalls is populated on assistant messages that propose tool use.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID references the ToolCall.ID this message answers; required
	// (and only meaningful) when Role == RoleTool.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// OriginTool names the tool that produced this tool-response message.
	OriginTool string `json:"origin_tool,omitempty"`
}

// Text returns the concatenation of every text part, ignoring images.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCallKind enumerates the kinds of tool call a model may emit.
type ToolCallKind string

const ToolCallFunction ToolCallKind = "function"

// ToolCall is a single model-proposed invocation of a registered tool.
// ThoughtSignature is an opaque provider token carried back verbatim when
// replaying the call in a later request.
type ToolCall struct {
	ID               string          `json:"id"`
	Kind             ToolCallKind    `json:"kind"`
	Name             string          `json:"name"`
	Arguments        json.RawMessage `json:"arguments"`
	ThoughtSignature string          `json:"thought_signature,omitempty"`
}

// ToolDefinition describes a tool's calling contract for the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage tracks token accounting reported by a provider response.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CachedPromptTokens  int `json:"cached_prompt_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// FinishReasonKind enumerates why a provider stopped generating.
type FinishReasonKind string

const (
	FinishStop      FinishReasonKind = "stop"
	FinishLength    FinishReasonKind = "length"
	FinishToolCalls FinishReasonKind = "tool_calls"
	FinishPause     FinishReasonKind = "pause"
	FinishRefusal   FinishReasonKind = "refusal"
	FinishError     FinishReasonKind = "error"
)

// FinishReason is a tagged sum type: Kind selects the variant, Detail
// carries the error string when Kind == FinishError.
type FinishReason struct {
	Kind   FinishReasonKind `json:"kind"`
	Detail string           `json:"detail,omitempty"`
}

func Stop() FinishReason             { return FinishReason{Kind: FinishStop} }
func Length() FinishReason           { return FinishReason{Kind: FinishLength} }
func ToolCalls() FinishReason        { return FinishReason{Kind: FinishToolCalls} }
func Pause() FinishReason            { return FinishReason{Kind: FinishPause} }
func Refusal() FinishReason          { return FinishReason{Kind: FinishRefusal} }
func Error(detail string) FinishReason {
	return FinishReason{Kind: FinishError, Detail: detail}
}
