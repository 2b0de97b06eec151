package turnmodel

// ToolChoice constrains whether/how the model must call a tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// LLMRequest is the transport-neutral request shape every provider adapter
// converts to and from its own wire format.
type LLMRequest struct {
	Model           string   `json:"model"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Messages        []Message `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	ToolChoice      ToolChoice `json:"tool_choice,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Stream          bool     `json:"stream,omitempty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
}

// ToolReference records a tool the response mentions without invoking
// (e.g. a citation into a tool's prior output).
type ToolReference struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// LLMResponse is the transport-neutral, fully-assembled completion.
type LLMResponse struct {
	Content          string          `json:"content,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	Model            string          `json:"model"`
	Usage            *Usage          `json:"usage,omitempty"`
	FinishReason     FinishReason    `json:"finish_reason"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ReasoningDetails []string        `json:"reasoning_details,omitempty"`
	ToolReferences   []ToolReference `json:"tool_references,omitempty"`
	RequestID        string          `json:"request_id,omitempty"`
	OrganizationID   string          `json:"organization_id,omitempty"`
}

// LLMStreamEventKind tags the variant carried by an LLMStreamEvent.
type LLMStreamEventKind string

const (
	EventReasoning     LLMStreamEventKind = "reasoning"
	EventContent       LLMStreamEventKind = "content"
	EventToolCallDelta LLMStreamEventKind = "tool_call_delta"
	EventCompleted     LLMStreamEventKind = "completed"
	EventError         LLMStreamEventKind = "error"
)

// ToolCallDelta carries an incremental update to the tool call being
// assembled at Index; fields are empty/zero when not updated by this delta.
type ToolCallDelta struct {
	Index            int    `json:"index"`
	ID               string `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	ArgumentsDelta   string `json:"arguments_delta,omitempty"`
}

// LLMStreamEvent is the universal streaming unit produced by the Stream
// Aggregator, one discriminated union over the five kinds above.
type LLMStreamEvent struct {
	Kind      LLMStreamEventKind
	Delta     string         // Reasoning/Content delta text
	ToolCall  *ToolCallDelta // set when Kind == EventToolCallDelta
	Response  *LLMResponse   // set when Kind == EventCompleted
	Err       error          // set when Kind == EventError
}
