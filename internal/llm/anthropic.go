package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/vtcode/turndriver/internal/llm/streamagg"
	"github.com/vtcode/turndriver/internal/turnretry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// AnthropicProvider implements Provider over the official Anthropic SDK's
// SSE streaming API.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryPolicy  turnretry.Policy
	defaultModel string
	responseCap  int
}

// AnthropicConfig configures NewAnthropicProvider. Only APIKey is
// required; everything else has a default.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
	// ToolResponseCap bounds tool-response content per message; 0 selects
	// DefaultToolResponseCap.
	ToolResponseCap int
}

// NewAnthropicProvider validates the config and builds the SDK client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryPolicy:  turnretry.ProviderPolicy(),
		defaultModel: config.DefaultModel,
		responseCap:  config.ToolResponseCap,
	}, nil
}

func (p *AnthropicProvider) BackendKind() string { return "anthropic" }

// SupportsReasoningEffort reports extended-thinking support for the model.
func (p *AnthropicProvider) SupportsReasoningEffort(model string) bool {
	if model == "" {
		model = p.defaultModel
	}
	return strings.Contains(model, "opus") ||
		strings.Contains(model, "sonnet-4") ||
		strings.Contains(model, "3-7")
}

func (p *AnthropicProvider) Generate(ctx context.Context, req *turnmodel.LLMRequest) (*turnmodel.LLMResponse, error) {
	return generateViaStream(ctx, p, req)
}

// Stream opens an SSE stream and decodes it into the universal event
// sequence. Stream creation is retried with jittered exponential backoff
// for transient failures.
func (p *AnthropicProvider) Stream(ctx context.Context, req *turnmodel.LLMRequest) (<-chan turnmodel.LLMStreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := p.model(req.Model)

	events := make(chan turnmodel.LLMStreamEvent)
	go func() {
		defer close(events)

		for attempt := 0; ; attempt++ {
			stream := p.client.Messages.NewStreaming(ctx, params)
			done := p.processStream(stream, events, model)
			if done {
				return
			}
			// Stream setup failed with a retryable error.
			if attempt >= p.maxRetries {
				events <- turnmodel.LLMStreamEvent{
					Kind: turnmodel.EventError,
					Err:  turnmodel.NewTurnError(turnmodel.KindNetworkError, fmt.Sprintf("anthropic: max retries exceeded for %s", model), stream.Err()),
				}
				return
			}
			select {
			case <-ctx.Done():
				events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("anthropic", model, ctx.Err())}
				return
			case <-time.After(p.retryPolicy.Delay(attempt + 1)):
			}
		}
	}()

	return events, nil
}

// maxEmptyStreamEvents bounds consecutive no-op events before the stream
// is treated as malformed, protecting against event floods.
const maxEmptyStreamEvents = 300

// processStream drains one SDK stream into events. It returns true when
// the stream reached a terminal state (completed or non-retryable error)
// and false when the caller should retry stream creation.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- turnmodel.LLMStreamEvent, model string) bool {
	agg := streamagg.New(model)
	var currentTool *turnmodel.ToolCallDelta
	toolIndex := -1
	inThinking := false
	emptyEvents := 0
	sawAnyEvent := false
	stopReason := ""

	for stream.Next() {
		sawAnyEvent = true
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			agg.SetRequestMetadata(start.Message.ID, "")
			if start.Message.Usage.InputTokens > 0 {
				agg.SetUsage(turnmodel.Usage{
					PromptTokens:        int(start.Message.Usage.InputTokens),
					CacheCreationTokens: int(start.Message.Usage.CacheCreationInputTokens),
					CacheReadTokens:     int(start.Message.Usage.CacheReadInputTokens),
				})
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				toolIndex++
				currentTool = &turnmodel.ToolCallDelta{Index: toolIndex, ID: toolUse.ID, Name: toolUse.Name}
				events <- agg.AddToolCallDelta(*currentTool)
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- agg.AddContent(delta.Text)
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- agg.AddReasoning(delta.Thinking)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && currentTool != nil {
					events <- agg.AddToolCallDelta(turnmodel.ToolCallDelta{Index: currentTool.Index, ArgumentsDelta: delta.PartialJSON})
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
			} else if currentTool != nil {
				currentTool = nil
			}
			processed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				agg.SetUsage(turnmodel.Usage{CompletionTokens: int(messageDelta.Usage.OutputTokens)})
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			completed, err := agg.Complete(stopReason)
			if err != nil {
				events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("anthropic", model, err)}
				return true
			}
			events <- completed
			return true
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				events <- turnmodel.LLMStreamEvent{
					Kind: turnmodel.EventError,
					Err:  turnmodel.NewTurnError(turnmodel.KindProviderError, fmt.Sprintf("anthropic: malformed stream, %d consecutive empty events", emptyEvents), nil),
				}
				return true
			}
		}
	}

	if err := stream.Err(); err != nil {
		classified := classifyError("anthropic", model, err)
		// Creation-time transient failures (no events seen yet) are
		// retryable by the caller; mid-stream failures are terminal.
		if !sawAnyEvent && isRetryable(classified) {
			return false
		}
		events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classified}
		return true
	}

	// Stream ended without message_stop.
	completed, err := agg.Complete(stopReason)
	if err == nil {
		events <- completed
	}
	return true
}

func (p *AnthropicProvider) buildParams(req *turnmodel.LLMRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(MergeTextParts(req.Messages))
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ReasoningEffort != "" && p.SupportsReasoningEffort(req.Model) {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget(req.ReasoningEffort))
	}

	return params, nil
}

// thinkingBudget maps a reasoning-effort hint onto a token budget.
func thinkingBudget(effort string) int64 {
	switch effort {
	case "low":
		return 2048
	case "medium":
		return 10000
	case "high":
		return 32000
	default:
		return 10000
	}
}

// convertMessages maps the universal history onto Anthropic's block model:
// system messages are elided (carried in params.System), tool-response
// messages become user messages holding a tool_result block, and tool
// calls replay as tool_use blocks.
func (p *AnthropicProvider) convertMessages(messages []turnmodel.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == turnmodel.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == turnmodel.RoleTool {
			if msg.ToolCallID == "" {
				return nil, turnmodel.NewTurnError(turnmodel.KindInvalidArgs, "anthropic: tool-response message missing tool_call_id", nil)
			}
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				CapToolResponse(msg.Text(), p.responseCap),
				false,
			))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		for _, part := range msg.Content {
			switch part.Type {
			case turnmodel.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case turnmodel.PartImage:
				content = append(content, anthropic.NewImageBlockBase64(part.MimeType, part.ImageData))
			}
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == turnmodel.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []turnmodel.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
