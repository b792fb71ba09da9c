package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

const (
	defaultBedrockRegion = "us-east-1"
	defaultBedrockModel  = "anthropic.claude-3-5-sonnet-20240620-v1:0"
)

// BedrockConfig configures a BedrockClient. Static credentials are optional;
// without them the default AWS credential chain is used.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// BedrockClient streams conversations through the Bedrock Converse API.
type BedrockClient struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        retrier
}

var _ Client = (*BedrockClient)(nil)

// NewBedrockClient loads AWS configuration and creates a client.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockClient{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "bedrock".
func (c *BedrockClient) Name() string {
	return "bedrock"
}

// Stream starts a ConverseStream request.
func (c *BedrockClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	system, messages := convertToBedrockMessages(req.Messages, req.System)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(min(req.MaxTokens, math.MaxInt32))),
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertToBedrockTools(req.Tools)
	}

	var out *bedrockruntime.ConverseStreamOutput
	err := c.retry.do(ctx, func() error {
		var err error
		out, err = c.client.ConverseStream(ctx, input)
		if err != nil {
			return c.wrapError(err, model)
		}
		return nil
	})
	if err != nil {
		return nil, c.wrapError(err, model)
	}

	chunks := make(chan *Chunk)
	go c.processStream(ctx, out, chunks, model)
	return chunks, nil
}

// processStream forwards stream events. Usage arrives in the metadata event
// after messageStop, so the final chunk is sent when the stream closes.
func (c *BedrockClient) processStream(ctx context.Context, out *bedrockruntime.ConverseStreamOutput, chunks chan<- *Chunk, model string) {
	defer close(chunks)

	stream := out.GetStream()
	defer stream.Close()

	send := func(chunk *Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		currentTool  *models.ToolCall
		toolInput    strings.Builder
		inputTokens  int64
		outputTokens int64
	)
	flushTool := func() bool {
		if currentTool == nil {
			return true
		}
		currentTool.Arguments = toolInput.String()
		if currentTool.Arguments == "" {
			currentTool.Arguments = "{}"
		}
		call := currentTool
		currentTool = nil
		toolInput.Reset()
		return send(&Chunk{ToolCall: call})
	}

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if !flushTool() {
					return
				}
				if err := stream.Err(); err != nil {
					send(&Chunk{Error: c.wrapError(err, model), Done: true})
					return
				}
				send(&Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentTool = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Type: "function",
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" && !send(&Chunk{Text: delta.Value}) {
						return
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						if !send(&Chunk{Reasoning: text.Value}) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if !flushTool() {
					return
				}
			case *types.ConverseStreamOutputMemberMetadata:
				if usage := ev.Value.Usage; usage != nil {
					inputTokens = int64(aws.ToInt32(usage.InputTokens))
					outputTokens = int64(aws.ToInt32(usage.OutputTokens))
				}
			}
		}
	}
}

func (c *BedrockClient) wrapError(err error, model string) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	wrapped := NewProviderError(c.Name(), model, err)
	if reason, ok := bedrockErrorReason(err); ok {
		wrapped.Reason = reason
	}
	return wrapped
}

// bedrockErrorReason maps AWS API error codes to a Reason.
func bedrockErrorReason(err error) (Reason, bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
		return ReasonRateLimit, true
	case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException":
		return ReasonServerError, true
	case "ModelTimeoutException":
		return ReasonTimeout, true
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return ReasonAuth, true
	case "ResourceNotFoundException":
		return ReasonModelUnavailable, true
	case "ValidationException":
		return ReasonInvalidRequest, true
	}
	return "", false
}

// convertToBedrockMessages splits system text out of the message list and
// merges consecutive same-role messages, which Converse rejects.
func convertToBedrockMessages(messages []models.Message, system string) (string, []types.Message) {
	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}

	var result []types.Message
	for _, msg := range messages {
		var (
			role    = types.ConversationRoleUser
			content []types.ContentBlock
		)
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		case models.RoleAssistant:
			role = types.ConversationRoleAssistant
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(toolargs.Parse(tc.Arguments)),
					},
				})
			}
		case models.RoleTool:
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
				},
			})
		default:
			content = bedrockParts(msg)
		}
		if len(content) == 0 {
			continue
		}

		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, content...)
			continue
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return strings.Join(systemParts, "\n\n"), result
}

// bedrockParts renders user content. Converse only accepts inline image
// bytes, so media parts are passed as their URL.
func bedrockParts(msg models.Message) []types.ContentBlock {
	if !hasMedia(msg.Parts) {
		if msg.Content == "" {
			return nil
		}
		return []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}}
	}
	var out []types.ContentBlock
	for _, part := range msg.Parts {
		text := part.Text
		if part.Type != models.ContentPartText {
			text = part.URL
		}
		if text != "" {
			out = append(out, &types.ContentBlockMemberText{Value: text})
		}
	}
	return out
}

func convertToBedrockTools(tools []models.ToolDeclaration) *types.ToolConfiguration {
	result := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		spec := types.ToolSpecification{
			Name:        aws.String(tool.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}
		result[i] = &types.ToolMemberToolSpec{Value: spec}
	}
	return &types.ToolConfiguration{Tools: result}
}
