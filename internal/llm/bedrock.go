package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/vtcode/turndriver/internal/llm/streamagg"
	"github.com/vtcode/turndriver/internal/turnretry"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// BedrockProvider implements Provider over the AWS Bedrock Converse
// streaming API. Unlike the SSE-based adapters, Bedrock delivers a typed
// event stream over an AWS event channel; the aggregator absorbs the
// difference.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	maxRetries   int
	retryPolicy  turnretry.Policy
	defaultModel string
	responseCap  int
}

// BedrockConfig configures NewBedrockProvider. With no explicit
// credentials the default AWS credential chain applies.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxRetries      int
	DefaultModel    string
	ToolResponseCap int
}

// NewBedrockProvider loads AWS configuration and builds the runtime client.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-sonnet-4-20250514-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		maxRetries:   cfg.MaxRetries,
		retryPolicy:  turnretry.ProviderPolicy(),
		defaultModel: cfg.DefaultModel,
		responseCap:  cfg.ToolResponseCap,
	}, nil
}

func (p *BedrockProvider) BackendKind() string { return "bedrock" }

// SupportsReasoningEffort reports extended-thinking support; on Bedrock
// only the Anthropic model family accepts the hint.
func (p *BedrockProvider) SupportsReasoningEffort(model string) bool {
	if model == "" {
		model = p.defaultModel
	}
	return strings.Contains(model, "anthropic.claude") &&
		(strings.Contains(model, "opus") || strings.Contains(model, "sonnet-4") || strings.Contains(model, "3-7"))
}

func (p *BedrockProvider) Generate(ctx context.Context, req *turnmodel.LLMRequest) (*turnmodel.LLMResponse, error) {
	return generateViaStream(ctx, p, req)
}

func (p *BedrockProvider) Stream(ctx context.Context, req *turnmodel.LLMRequest) (<-chan turnmodel.LLMStreamEvent, error) {
	model := p.model(req.Model)
	input, err := p.buildInput(req, model)
	if err != nil {
		return nil, err
	}

	var stream *bedrockruntime.ConverseStreamOutput
	for attempt := 0; ; attempt++ {
		stream, err = p.client.ConverseStream(ctx, input)
		if err == nil {
			break
		}
		classified := classifyError("bedrock", model, err)
		if !isRetryable(classified) {
			return nil, classified
		}
		if attempt >= p.maxRetries {
			return nil, turnmodel.NewTurnError(turnmodel.KindNetworkError, fmt.Sprintf("bedrock: max retries exceeded for %s", model), err)
		}
		select {
		case <-ctx.Done():
			return nil, classifyError("bedrock", model, ctx.Err())
		case <-time.After(p.retryPolicy.Delay(attempt + 1)):
		}
	}

	events := make(chan turnmodel.LLMStreamEvent)
	go p.processStream(ctx, stream, events, model)
	return events, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- turnmodel.LLMStreamEvent, model string) {
	defer close(events)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	agg := streamagg.New(model)
	toolIndex := -1
	stopReason := ""

	finish := func() {
		if err := eventStream.Err(); err != nil {
			events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("bedrock", model, err)}
			return
		}
		completed, err := agg.Complete(stopReason)
		if err != nil {
			events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("bedrock", model, err)}
			return
		}
		events <- completed
	}

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			events <- turnmodel.LLMStreamEvent{Kind: turnmodel.EventError, Err: classifyError("bedrock", model, ctx.Err())}
			return
		case event, ok := <-eventChan:
			if !ok {
				finish()
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolIndex++
					events <- agg.AddToolCallDelta(turnmodel.ToolCallDelta{
						Index: toolIndex,
						ID:    aws.ToString(toolUse.Value.ToolUseId),
						Name:  aws.ToString(toolUse.Value.Name),
					})
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						events <- agg.AddContent(delta.Value)
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						events <- agg.AddReasoning(text.Value)
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil && toolIndex >= 0 {
						events <- agg.AddToolCallDelta(turnmodel.ToolCallDelta{
							Index:          toolIndex,
							ArgumentsDelta: *delta.Value.Input,
						})
					}
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = string(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					agg.SetUsage(turnmodel.Usage{
						PromptTokens:     int(aws.ToInt32(ev.Value.Usage.InputTokens)),
						CompletionTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
					})
				}
				// Metadata is the final event; usage arrives after
				// message_stop, so completion waits for channel close.
			}
		}
	}
}

func (p *BedrockProvider) buildInput(req *turnmodel.LLMRequest, model string) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := p.convertMessages(MergeTextParts(req.Messages))
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}

	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > 1<<31-1 {
			maxTokens = 1<<31 - 1
		}
		inference.MaxTokens = aws.Int32(int32(maxTokens))
		configured = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = p.convertTools(req.Tools)
	}

	return input, nil
}

// convertMessages maps the universal history onto Bedrock's Converse
// block model. System messages are elided (carried in input.System);
// tool-response messages become user messages holding a toolResult block.
func (p *BedrockProvider) convertMessages(messages []turnmodel.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == turnmodel.RoleSystem {
			continue
		}

		var content []types.ContentBlock

		if msg.Role == turnmodel.RoleTool {
			if msg.ToolCallID == "" {
				return nil, turnmodel.NewTurnError(turnmodel.KindInvalidArgs, "bedrock: tool-response message missing tool_call_id", nil)
			}
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: CapToolResponse(msg.Text(), p.responseCap)},
					},
				},
			})
			result = append(result, types.Message{Role: types.ConversationRoleUser, Content: content})
			continue
		}

		for _, part := range msg.Content {
			if part.Type == turnmodel.PartText && part.Text != "" {
				content = append(content, &types.ContentBlockMemberText{Value: part.Text})
			}
		}

		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == turnmodel.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result, nil
}

func (p *BedrockProvider) convertTools(tools []turnmodel.ToolDefinition) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func (p *BedrockProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
