// Package streamagg implements the Stream Aggregator: the
// provider-neutral state machine that turns a sequence of decoded stream
// deltas into universal LLMStreamEvents and one final, fully-assembled
// LLMResponse.
//
// An index-keyed builder table absorbs the differences between block-
// oriented streams (content_block_start / input_json_delta /
// content_block_stop), indexed tool-call deltas, and typed event
// channels, so every adapter feeds the same machine.
package streamagg

import (
	"errors"
	"sort"
	"strings"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// ErrAlreadyCompleted is returned when Complete is invoked twice; the
// aggregator emits Completed exactly once per stream.
var ErrAlreadyCompleted = errors.New("streamagg: stream already completed")

// ToolCallBuilder accumulates one tool call's deltas. Argument fragments
// are concatenated verbatim: each fragment alone need not be legal JSON,
// only the final concatenation must be.
type ToolCallBuilder struct {
	ID   string
	Name string
	args strings.Builder
}

// Apply folds one delta into the builder. Empty fields leave the current
// value untouched.
func (b *ToolCallBuilder) Apply(d turnmodel.ToolCallDelta) {
	if d.ID != "" {
		b.ID = d.ID
	}
	if d.Name != "" {
		b.Name = d.Name
	}
	if d.ArgumentsDelta != "" {
		b.args.WriteString(d.ArgumentsDelta)
	}
}

// Build finalizes the accumulated call. Empty arguments become "{}" so the
// pipeline's JSON parse never sees a zero-length document.
func (b *ToolCallBuilder) Build() turnmodel.ToolCall {
	args := b.args.String()
	if args == "" {
		args = "{}"
	}
	return turnmodel.ToolCall{
		ID:        b.ID,
		Kind:      turnmodel.ToolCallFunction,
		Name:      b.Name,
		Arguments: []byte(args),
	}
}

// Aggregator assembles one stream's worth of deltas.
type Aggregator struct {
	model string

	content          strings.Builder
	reasoning        strings.Builder
	reasoningDetails []string
	reasoningOpen    bool
	reasoningStart   int // offset in reasoning where the open segment began

	builders map[int]*ToolCallBuilder
	usage    *turnmodel.Usage

	requestID      string
	organizationID string

	completed bool
}

// New creates an Aggregator for one provider stream.
func New(model string) *Aggregator {
	return &Aggregator{
		model:    model,
		builders: make(map[int]*ToolCallBuilder),
	}
}

// AddReasoning folds a reasoning delta and returns the event to forward.
func (a *Aggregator) AddReasoning(delta string) turnmodel.LLMStreamEvent {
	a.reasoning.WriteString(delta)
	a.reasoningOpen = true
	return turnmodel.LLMStreamEvent{Kind: turnmodel.EventReasoning, Delta: delta}
}

// AddContent folds a content delta. A non-reasoning event closes any open
// reasoning segment, snapshotting it into reasoning_details.
func (a *Aggregator) AddContent(delta string) turnmodel.LLMStreamEvent {
	a.closeReasoningSegment()
	a.content.WriteString(delta)
	return turnmodel.LLMStreamEvent{Kind: turnmodel.EventContent, Delta: delta}
}

// AddToolCallDelta folds an indexed tool-call delta.
func (a *Aggregator) AddToolCallDelta(d turnmodel.ToolCallDelta) turnmodel.LLMStreamEvent {
	a.closeReasoningSegment()
	b, ok := a.builders[d.Index]
	if !ok {
		b = &ToolCallBuilder{}
		a.builders[d.Index] = b
	}
	b.Apply(d)
	dc := d
	return turnmodel.LLMStreamEvent{Kind: turnmodel.EventToolCallDelta, ToolCall: &dc}
}

func (a *Aggregator) closeReasoningSegment() {
	if !a.reasoningOpen {
		return
	}
	a.reasoningOpen = false
	if s := a.reasoning.String()[a.reasoningStart:]; s != "" {
		// Snapshot the segment; the full accumulated text also stays in
		// the response's Reasoning field.
		a.reasoningDetails = append(a.reasoningDetails, s)
	}
	a.reasoningStart = a.reasoning.Len()
}

// SetUsage records token usage; later calls merge non-zero fields so a
// provider reporting prompt tokens at stream start and completion tokens
// at stream end accumulates both.
func (a *Aggregator) SetUsage(u turnmodel.Usage) {
	if a.usage == nil {
		a.usage = &turnmodel.Usage{}
	}
	if u.PromptTokens > 0 {
		a.usage.PromptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		a.usage.CompletionTokens = u.CompletionTokens
	}
	if u.CachedPromptTokens > 0 {
		a.usage.CachedPromptTokens = u.CachedPromptTokens
	}
	if u.CacheCreationTokens > 0 {
		a.usage.CacheCreationTokens = u.CacheCreationTokens
	}
	if u.CacheReadTokens > 0 {
		a.usage.CacheReadTokens = u.CacheReadTokens
	}
	a.usage.TotalTokens = a.usage.PromptTokens + a.usage.CompletionTokens
}

// SetRequestMetadata records provider request/org identifiers when known.
func (a *Aggregator) SetRequestMetadata(requestID, organizationID string) {
	if requestID != "" {
		a.requestID = requestID
	}
	if organizationID != "" {
		a.organizationID = organizationID
	}
}

// Complete finalizes the stream. providerStop is the provider's native
// stop reason, mapped through MapStopReason. Returns the Completed event;
// a second call returns ErrAlreadyCompleted.
func (a *Aggregator) Complete(providerStop string) (turnmodel.LLMStreamEvent, error) {
	if a.completed {
		return turnmodel.LLMStreamEvent{}, ErrAlreadyCompleted
	}
	a.completed = true
	a.closeReasoningSegment()

	finish := MapStopReason(providerStop)

	indices := make([]int, 0, len(a.builders))
	for i := range a.builders {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var calls []turnmodel.ToolCall
	for _, i := range indices {
		calls = append(calls, a.builders[i].Build())
	}
	if len(calls) > 0 && finish.Kind == turnmodel.FinishStop {
		// Some backends report a plain stop even when tool calls were
		// streamed; the presence of calls is authoritative.
		finish = turnmodel.ToolCalls()
	}

	resp := &turnmodel.LLMResponse{
		Content:          a.content.String(),
		ToolCalls:        calls,
		Model:            a.model,
		Usage:            a.usage,
		FinishReason:     finish,
		Reasoning:        a.reasoning.String(),
		ReasoningDetails: a.reasoningDetails,
		RequestID:        a.requestID,
		OrganizationID:   a.organizationID,
	}
	return turnmodel.LLMStreamEvent{Kind: turnmodel.EventCompleted, Response: resp}, nil
}

// MapStopReason maps a provider-native stop reason onto the universal
// FinishReason via a fixed table. Unknown non-empty
// reasons map to Error(reason); an empty reason maps to Stop.
func MapStopReason(reason string) turnmodel.FinishReason {
	switch reason {
	case "", "end_turn", "stop", "stop_sequence", "complete":
		return turnmodel.Stop()
	case "max_tokens", "length":
		return turnmodel.Length()
	case "tool_use", "tool_calls", "function_call":
		return turnmodel.ToolCalls()
	case "pause_turn", "compaction":
		return turnmodel.Pause()
	case "refusal", "content_filter":
		return turnmodel.Refusal()
	default:
		return turnmodel.Error(reason)
	}
}
