package providers

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

	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
	maxEmptyStreamEvents      = 50
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicClient streams messages from the Anthropic API.
type AnthropicClient struct {
	client       anthropic.Client
	configured   bool
	defaultModel string
	retry        retrier
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates a client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	c := &AnthropicClient{
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}
	if c.defaultModel == "" {
		c.defaultModel = defaultAnthropicModel
	}
	if cfg.APIKey == "" {
		return c
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	c.client = anthropic.NewClient(options...)
	c.configured = true
	return c
}

// Name returns "anthropic".
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Stream starts a streaming message request.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if !c.configured {
		return nil, errors.New("anthropic: API key not configured")
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	system, messages := convertToAnthropicMessages(req.Messages, req.System)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	// The SDK opens the connection lazily; the first Next surfaces connect errors.
	var (
		stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		first  bool
	)
	err := c.retry.do(ctx, func() error {
		stream = c.client.Messages.NewStreaming(ctx, params)
		first = stream.Next()
		if !first && stream.Err() != nil {
			err := stream.Err()
			_ = stream.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, NewProviderError(c.Name(), model, err)
	}

	chunks := make(chan *Chunk)
	go c.processStream(ctx, stream, first, chunks, model)
	return chunks, nil
}

func (c *AnthropicClient) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], hasEvent bool, chunks chan<- *Chunk, model string) {
	defer close(chunks)
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
		emptyEvents  int
	)

	for ok := hasEvent; ok; ok = stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			inputTokens = event.AsMessageStart().Message.Usage.InputTokens
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Type: "function", Name: toolUse.Name}
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				processed = send(&Chunk{Text: delta.Text})
			case "thinking_delta":
				processed = send(&Chunk{Reasoning: delta.Thinking})
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			default:
				processed = false
			}
			if ctx.Err() != nil {
				return
			}
		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = toolInput.String()
				if currentTool.Arguments == "" {
					currentTool.Arguments = "{}"
				}
				if !send(&Chunk{ToolCall: currentTool}) {
					return
				}
				currentTool = nil
			}
		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				outputTokens = out
			}
		case "message_stop":
			send(&Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return
		case "error":
			send(&Chunk{Error: NewProviderError(c.Name(), model, errors.New("anthropic stream error")), Done: true})
			return
		default:
			processed = false
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			send(&Chunk{
				Error: NewProviderError(c.Name(), model,
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents)),
				Done: true,
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&Chunk{Error: NewProviderError(c.Name(), model, err), Done: true})
		return
	}
	send(&Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// convertToAnthropicMessages splits system text out of the message list and
// merges consecutive same-role messages, which the API rejects.
func convertToAnthropicMessages(messages []models.Message, system string) (string, []anthropic.MessageParam) {
	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}

	var result []anthropic.MessageParam
	for _, msg := range messages {
		var (
			role    = anthropic.MessageParamRoleUser
			content []anthropic.ContentBlockParamUnion
		)
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		case models.RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, toolargs.Parse(tc.Arguments), tc.Name))
			}
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		default:
			content = anthropicParts(msg)
		}
		if len(content) == 0 {
			continue
		}

		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, content...)
			continue
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: content})
	}
	return strings.Join(systemParts, "\n\n"), result
}

func anthropicParts(msg models.Message) []anthropic.ContentBlockParamUnion {
	if !hasMedia(msg.Parts) {
		if msg.Content == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
	}
	var out []anthropic.ContentBlockParamUnion
	for _, part := range msg.Parts {
		switch part.Type {
		case models.ContentPartText:
			if part.Text != "" {
				out = append(out, anthropic.NewTextBlock(part.Text))
			}
		case models.ContentPartImage:
			out = append(out, anthropic.ContentBlockParamUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfURL: &anthropic.URLImageSourceParam{URL: part.URL},
					},
				},
			})
		case models.ContentPartVideo:
			out = append(out, anthropic.NewTextBlock(part.URL))
		}
	}
	return out
}

func convertToAnthropicTools(tools []models.ToolDeclaration) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		params := tool.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if err := json.Unmarshal(params, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}
