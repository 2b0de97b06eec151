// Package llm defines the LLM Provider Interface: the capability set
// every provider adapter satisfies, plus the shared message-preparation
// helpers the adapters use when converting the universal turnmodel shapes
// into their native wire formats.
//
// Adapters use goroutine-plus-channel streaming, a small constructor
// config struct each, retry classification at the adapter, and a thin
// capability interface instead of a deep hierarchy — new providers add an
// implementation, not a subclass.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// Provider is the capability set every adapter satisfies. Implementations
// are safe for concurrent use.
type Provider interface {
	// Generate performs a non-streaming completion.
	Generate(ctx context.Context, req *turnmodel.LLMRequest) (*turnmodel.LLMResponse, error)

	// Stream starts a streaming completion. The returned channel carries
	// the universal event sequence and is closed after the terminal event
	// (Completed or Error). Request-building failures are returned
	// synchronously; an adapter may deliver a failure to open the stream
	// as the terminal Error event instead.
	Stream(ctx context.Context, req *turnmodel.LLMRequest) (<-chan turnmodel.LLMStreamEvent, error)

	// BackendKind identifies the adapter ("anthropic", "openai", "bedrock").
	BackendKind() string

	// SupportsReasoningEffort reports whether the given model accepts a
	// reasoning-effort hint.
	SupportsReasoningEffort(model string) bool
}

// generateViaStream implements Generate by draining Stream, for adapters
// whose native transport is streaming-only: a non-streaming call is just
// a drained stream.
func generateViaStream(ctx context.Context, p Provider, req *turnmodel.LLMRequest) (*turnmodel.LLMResponse, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		switch ev.Kind {
		case turnmodel.EventCompleted:
			return ev.Response, nil
		case turnmodel.EventError:
			return nil, ev.Err
		}
	}
	return nil, turnmodel.NewTurnError(turnmodel.KindProviderError, fmt.Sprintf("%s: stream ended without completion", p.BackendKind()), nil)
}

// DefaultToolResponseCap bounds tool-response content sent back to a
// provider; over-budget content is truncated with a marker preserved.
const DefaultToolResponseCap = 32 * 1024

// truncationMarker is appended to capped tool-response content.
const truncationMarker = "\n…[output truncated]"

// CapToolResponse truncates s to at most capBytes, preserving a marker so
// the model can tell content was cut. capBytes <= 0 selects the default.
func CapToolResponse(s string, capBytes int) string {
	if capBytes <= 0 {
		capBytes = DefaultToolResponseCap
	}
	if len(s) <= capBytes {
		return s
	}
	keep := capBytes - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	return s[:keep] + truncationMarker
}

// MergeTextParts collapses consecutive text parts within each message into
// one part. Image parts break a run.
func MergeTextParts(msgs []turnmodel.Message) []turnmodel.Message {
	out := make([]turnmodel.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if len(m.Content) < 2 {
			continue
		}
		var merged []turnmodel.Part
		var run strings.Builder
		flush := func() {
			if run.Len() > 0 {
				merged = append(merged, turnmodel.Part{Type: turnmodel.PartText, Text: run.String()})
				run.Reset()
			}
		}
		for _, p := range m.Content {
			if p.Type == turnmodel.PartText {
				run.WriteString(p.Text)
				continue
			}
			flush()
			merged = append(merged, p)
		}
		flush()
		out[i].Content = merged
	}
	return out
}
