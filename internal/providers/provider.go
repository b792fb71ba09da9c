// Package providers adapts model APIs to a single streaming contract used by
// the call_llm executor.
package providers

import (
	"context"
	"strings"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Client streams a model response.
//
// Implementations must be safe for concurrent use. The returned channel is
// closed after a chunk with Done set or a chunk carrying Error.
type Client interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Request is one model call. Messages are the output of the context pipeline:
// plain user/assistant/tool/system messages in API order.
type Request struct {
	Model    string
	System   string
	Messages []models.Message
	Tools    []models.ToolDeclaration

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int

	EnableThinking       bool
	ThinkingBudgetTokens int
}

// Chunk is one streamed increment.
type Chunk struct {
	Text      string
	Reasoning string
	// ToolCall is set once a tool call is fully assembled.
	ToolCall *models.ToolCall

	Done  bool
	Error error

	// Token counts are reported on the final chunk.
	InputTokens  int64
	OutputTokens int64
}

// Result is a fully drained stream.
type Result struct {
	Content      string
	Reasoning    string
	ToolCalls    []models.ToolCall
	InputTokens  int64
	OutputTokens int64
}

// Collect drains chunks into a Result, calling onChunk for each one when set.
func Collect(ctx context.Context, chunks <-chan *Chunk, onChunk func(*Chunk)) (Result, error) {
	var (
		res       Result
		content   strings.Builder
		reasoning strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				res.Content = content.String()
				res.Reasoning = reasoning.String()
				return res, nil
			}
			if chunk == nil {
				continue
			}
			if onChunk != nil {
				onChunk(chunk)
			}
			if chunk.Error != nil {
				res.Content = content.String()
				res.Reasoning = reasoning.String()
				return res, chunk.Error
			}
			content.WriteString(chunk.Text)
			reasoning.WriteString(chunk.Reasoning)
			if chunk.ToolCall != nil {
				res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)
			}
			if chunk.InputTokens > 0 {
				res.InputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				res.OutputTokens = chunk.OutputTokens
			}
		}
	}
}
