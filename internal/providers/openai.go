package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// OpenAIClient streams chat completions from OpenAI-compatible APIs.
type OpenAIClient struct {
	client *openai.Client
	retry  retrier
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client. An empty API key yields a client whose
// Stream always fails, so configuration can be completed later.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	c := &OpenAIClient{retry: newRetrier(cfg.MaxRetries, cfg.RetryDelay)}
	if cfg.APIKey == "" {
		return c
	}
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	c.client = openai.NewClientWithConfig(oaiCfg)
	return c
}

// Name returns "openai".
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Stream starts a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if c.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      convertToOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := c.retry.do(ctx, func() error {
		var err error
		stream, err = c.client.CreateChatCompletionStream(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, NewProviderError(c.Name(), req.Model, err)
	}

	chunks := make(chan *Chunk)
	go c.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls stream in fragments keyed by index.
	toolCalls := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int64

	send := func(chunk *Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	flushTools := func() bool {
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := toolCalls[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if !send(&Chunk{ToolCall: tc}) {
				return false
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if flushTools() {
					send(&Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				}
				return
			}
			send(&Chunk{Error: NewProviderError(c.Name(), model, err), Done: true})
			return
		}

		if response.Usage != nil {
			inputTokens = int64(response.Usage.PromptTokens)
			outputTokens = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" || delta.ReasoningContent != "" {
			if !send(&Chunk{Text: delta.Content, Reasoning: delta.ReasoningContent}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc := toolCalls[index]
			if acc == nil {
				acc = &models.ToolCall{Type: "function"}
				toolCalls[index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			if !flushTools() {
				return
			}
		}
	}
}

func convertToOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{Role: string(msg.Role), Name: msg.Name}
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg.Content = msg.Content
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case models.RoleTool:
			oaiMsg.Content = msg.Content
			oaiMsg.ToolCallID = msg.ToolCallID
			oaiMsg.Name = ""
		default:
			if hasMedia(msg.Parts) {
				oaiMsg.MultiContent = openAIParts(msg.Parts)
			} else {
				oaiMsg.Content = msg.Content
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

func openAIParts(parts []models.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case models.ContentPartText:
			out = append(out, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
		case models.ContentPartImage:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.URL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case models.ContentPartVideo:
			// Chat completions has no video part; keep the reference as text.
			out = append(out, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.URL})
		}
	}
	return out
}

func hasMedia(parts []models.ContentPart) bool {
	for _, part := range parts {
		if part.Type != models.ContentPartText {
			return true
		}
	}
	return false
}

func convertToOpenAITools(tools []models.ToolDeclaration) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
