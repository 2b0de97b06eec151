package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vtcode/turndriver/internal/llm/streamagg"
	"github.com/vtcode/turndriver/internal/turnretry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// OpenAIProvider implements Provider over the go-openai chat-completion
// streaming API. OpenAI streams tool-call deltas with explicit indices, so
// the aggregator's builder table maps one-to-one onto the wire format.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryPolicy  turnretry.Policy
	defaultModel string
	responseCap  int
}

// OpenAIConfig configures NewOpenAIProvider.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	MaxRetries      int
	DefaultModel    string
	ToolResponseCap int
}

// NewOpenAIProvider validates the config and builds the client.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryPolicy:  turnretry.ProviderPolicy(),
		defaultModel: config.DefaultModel,
		responseCap:  config.ToolResponseCap,
	}, nil
}

func (p *OpenAIProvider) BackendKind() string { return "openai" }

// SupportsReasoningEffort reports reasoning-effort support (o-series and
// gpt-5 family models accept the hint).
func (p *OpenAIProvider) SupportsReasoningEffort(model string) bool {
	if model == "" {
		model = p.defaultModel
	}
	return strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "gpt-5")
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *turnmodel.LLMRequest) (*turnmodel.LLMResponse, error) {
	return generateViaStream(ctx, p, req)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *turnmodel.LLMRequest) (<-chan turnmodel.LLMStreamEvent, error) {
	model := p.model(req.Model)
	chatReq, err := p.buildRequest(req, model)
	if err != nil {
		return nil, err
	}

	// Stream creation is retried for transient failures before any event
	// has been delivered; mid-stream failures surface as error events.
	var stream *openai.ChatCompletionStream
	for attempt := 0; ; attempt++ {
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			break
		}
		classified := classifyError("openai", model, err)
		if !isRetryable(classified) {
			return nil, classified
		}
		if attempt >= p.maxRetries {
			return nil, turnmodel.NewTurnError(turnmodel.KindNetworkError, fmt.Sprintf("openai: max retries exceeded for %s", model), err)
		}
		select {
		case <-ctx.Done():
			return nil, classifyError("openai", model, ctx.Err())
		case <-time.After(p.retryPolicy.Delay(attempt + 1)):
		}
	}

	events := make(chan turnmodel.LLMStreamEvent)
	go p.processStream(ctx, stream, events, model)
	return events, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- turnmodel.LLMStreamEvent, model string) {
	defer close(events)
	defer stream.Close()

	agg := streamagg.New(model)
	finishReason := ""

	for {
		select {
		case <-ctx.Done():
			events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("openai", model, ctx.Err())}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				completed, cerr := agg.Complete(finishReason)
				if cerr != nil {
					events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("openai", model, cerr)}
					return
				}
				events <- completed
				return
			}
			events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("openai", model, err)}
			return
		}

		agg.SetRequestMetadata(response.ID, "")
		if response.Usage != nil {
			agg.SetUsage(turnmodel.Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
			})
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		delta := choice.Delta
		if delta.Content != "" {
			events <- agg.AddContent(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			events <- agg.AddToolCallDelta(turnmodel.ToolCallDelta{
				Index:          index,
				ID:             tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			})
		}
	}
}

func (p *OpenAIProvider) buildRequest(req *turnmodel.LLMRequest, model string) (openai.ChatCompletionRequest, error) {
	messages, err := p.convertMessages(MergeTextParts(req.Messages), req.SystemPrompt)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}
	if req.ToolChoice != "" {
		chatReq.ToolChoice = string(req.ToolChoice)
	}
	if req.ReasoningEffort != "" && p.SupportsReasoningEffort(model) {
		chatReq.ReasoningEffort = req.ReasoningEffort
	}

	return chatReq, nil
}

// convertMessages maps the universal history onto OpenAI's flat message
// list. Tool-response messages become role=tool messages referencing the
// tool_call_id.
func (p *OpenAIProvider) convertMessages(messages []turnmodel.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case turnmodel.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})

		case turnmodel.RoleTool:
			if msg.ToolCallID == "" {
				return nil, turnmodel.NewTurnError(turnmodel.KindInvalidArgs, "openai: tool-response message missing tool_call_id", nil)
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    CapToolResponse(msg.Text(), p.responseCap),
				ToolCallID: msg.ToolCallID,
			})

		case turnmodel.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default: // user
			if hasImageParts(msg) {
				parts := make([]openai.ChatMessagePart, 0, len(msg.Content))
				for _, part := range msg.Content {
					switch part.Type {
					case turnmodel.PartText:
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeText,
							Text: part.Text,
						})
					case turnmodel.PartImage:
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    fmt.Sprintf("data:%s;base64,%s", part.MimeType, part.ImageData),
								Detail: openai.ImageURLDetailAuto,
							},
						})
					}
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Text(),
				})
			}
		}
	}

	return result, nil
}

func hasImageParts(msg turnmodel.Message) bool {
	for _, part := range msg.Content {
		if part.Type == turnmodel.PartImage {
			return true
		}
	}
	return false
}

func (p *OpenAIProvider) convertTools(tools []turnmodel.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
