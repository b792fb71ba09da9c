package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// GeminiClient streams completions from the Gemini API.
type GeminiClient struct {
	client       *genai.Client
	defaultModel string
	retry        retrier
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient creates a client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGeminiModel
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{
		client:       client,
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "gemini".
func (c *GeminiClient) Name() string {
	return "gemini"
}

// Stream starts a GenerateContentStream request. Only the first response is
// retried; once text has been forwarded a failure ends the stream.
func (c *GeminiClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	system, contents := convertToGeminiContents(req.Messages, req.System)
	config := buildGeminiConfig(req, system)

	var (
		next  func() (*genai.GenerateContentResponse, error, bool)
		stop  func()
		first *genai.GenerateContentResponse
	)
	err := c.retry.do(ctx, func() error {
		next, stop = iter.Pull2(c.client.Models.GenerateContentStream(ctx, model, contents, config))
		resp, err, _ := next()
		if err != nil {
			stop()
			return c.wrapError(err, model)
		}
		first = resp
		return nil
	})
	if err != nil {
		return nil, c.wrapError(err, model)
	}

	responses := func(yield func(*genai.GenerateContentResponse, error) bool) {
		defer stop()
		if first != nil && !yield(first, nil) {
			return
		}
		for {
			resp, err, ok := next()
			if !ok || !yield(resp, err) {
				return
			}
		}
	}
	chunks := make(chan *Chunk)
	go c.processStream(ctx, responses, chunks, model)
	return chunks, nil
}

// processStream forwards response parts. Usage metadata is cumulative, so the
// last value seen is reported on the final chunk.
func (c *GeminiClient) processStream(ctx context.Context, responses iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *Chunk, model string) {
	defer close(chunks)

	send := func(chunk *Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var inputTokens, outputTokens int64
	for resp, err := range responses {
		if err != nil {
			send(&Chunk{Error: c.wrapError(err, model), Done: true})
			return
		}
		if resp == nil {
			continue
		}
		if usage := resp.UsageMetadata; usage != nil {
			inputTokens = int64(usage.PromptTokenCount)
			outputTokens = int64(usage.CandidatesTokenCount) + int64(usage.ThoughtsTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				var chunk *Chunk
				switch {
				case part == nil:
				case part.FunctionCall != nil:
					chunk = &Chunk{ToolCall: geminiToolCall(part.FunctionCall)}
				case part.Thought && part.Text != "":
					chunk = &Chunk{Reasoning: part.Text}
				case part.Text != "":
					chunk = &Chunk{Text: part.Text}
				}
				if chunk != nil && !send(chunk) {
					return
				}
			}
		}
	}
	send(&Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// geminiToolCall converts a function call. Gemini may omit call ids.
func geminiToolCall(fc *genai.FunctionCall) *models.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	args := "{}"
	if len(fc.Args) > 0 {
		if data, err := json.Marshal(fc.Args); err == nil {
			args = string(data)
		}
	}
	return &models.ToolCall{ID: id, Type: "function", Name: fc.Name, Arguments: args}
}

func buildGeminiConfig(req *Request, system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = convertToGeminiTools(req.Tools)
	}
	if req.EnableThinking {
		thinking := &genai.ThinkingConfig{IncludeThoughts: true}
		if req.ThinkingBudgetTokens > 0 {
			budget := int32(min(req.ThinkingBudgetTokens, math.MaxInt32))
			thinking.ThinkingBudget = &budget
		}
		config.ThinkingConfig = thinking
	}
	return config
}

func (c *GeminiClient) wrapError(err error, model string) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	wrapped := NewProviderError(c.Name(), model, err)
	if reason, ok := geminiErrorReason(err); ok {
		wrapped.Reason = reason
	}
	return wrapped
}

// geminiErrorReason maps the HTTP status of a Gemini API error to a Reason.
// The API reports a bad key as 400 INVALID_ARGUMENT.
func geminiErrorReason(err error) (Reason, bool) {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return "", false
		}
		apiErr = *ptr
	}
	switch code := apiErr.Code; {
	case code == http.StatusTooManyRequests:
		return ReasonRateLimit, true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ReasonAuth, true
	case code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
		return ReasonAuth, true
	case code == http.StatusBadRequest:
		return ReasonInvalidRequest, true
	case code == http.StatusNotFound:
		return ReasonModelUnavailable, true
	case code == http.StatusGatewayTimeout:
		return ReasonTimeout, true
	case code >= http.StatusInternalServerError:
		return ReasonServerError, true
	}
	return "", false
}

// convertToGeminiContents splits system text out of the message list, maps
// assistant turns to the model role and merges consecutive same-role turns.
// Function responses are matched to their call by tool call id.
func convertToGeminiContents(messages []models.Message, system string) (string, []*genai.Content) {
	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}
	names := map[string]string{}

	var result []*genai.Content
	for _, msg := range messages {
		var (
			role  = genai.RoleUser
			parts []*genai.Part
		)
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		case models.RoleAssistant:
			role = genai.RoleModel
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: toolargs.Parse(tc.Arguments),
				}})
			}
		case models.RoleTool:
			name := names[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				Name:     name,
				Response: functionResponse(msg.Content),
			}})
		default:
			parts = geminiParts(msg)
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Parts = append(result[n-1].Parts, parts...)
			continue
		}
		result = append(result, &genai.Content{Role: role, Parts: parts})
	}
	return strings.Join(systemParts, "\n\n"), result
}

// functionResponse passes JSON object results through and wraps anything
// else under "output".
func functionResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": content}
}

// geminiParts renders user content. Data URLs are sent inline, other media
// by file URI.
func geminiParts(msg models.Message) []*genai.Part {
	if !hasMedia(msg.Parts) {
		if msg.Content == "" {
			return nil
		}
		return []*genai.Part{{Text: msg.Content}}
	}
	var out []*genai.Part
	for _, part := range msg.Parts {
		switch {
		case part.Type == models.ContentPartText:
			if part.Text != "" {
				out = append(out, &genai.Part{Text: part.Text})
			}
		case strings.HasPrefix(part.URL, "data:"):
			if blob, ok := decodeDataURL(part.URL); ok {
				out = append(out, &genai.Part{InlineData: blob})
			}
		case part.URL != "":
			out = append(out, &genai.Part{FileData: &genai.FileData{FileURI: part.URL, MIMEType: mimeFromURL(part.URL)}})
		}
	}
	return out
}

// decodeDataURL parses data:<mime>;base64,<payload>.
func decodeDataURL(url string) (*genai.Blob, bool) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	mimeType := strings.TrimSuffix(header, ";base64")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return &genai.Blob{Data: data, MIMEType: mimeType}, true
}

func mimeFromURL(url string) string {
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(lower, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(lower, ".mp4"):
		return "video/mp4"
	default:
		return "image/jpeg"
	}
}

func convertToGeminiTools(tools []models.ToolDeclaration) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object"}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  geminiSchema(schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts the JSON Schema subset Gemini understands. For a
// union type the first non-null member is used.
func geminiSchema(m map[string]any) *genai.Schema {
	schema := &genai.Schema{}
	switch t := m["type"].(type) {
	case string:
		schema.Type = genai.Type(strings.ToUpper(t))
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				schema.Type = genai.Type(strings.ToUpper(s))
				break
			}
		}
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(pm)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}
