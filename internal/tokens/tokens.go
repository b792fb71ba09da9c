// Package tokens estimates token counts and model context windows.
package tokens

import (
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/agentcore/pkg/models"
)

const (
	// DefaultContextWindow is used when a model is not in the table.
	DefaultContextWindow = 128000

	// TokensPerChar is a conservative ratio of ~4 characters per token.
	TokensPerChar = 0.25

	// messageOverhead accounts for role and formatting tokens.
	messageOverhead = 4
)

var contextWindows = map[string]int{
	"claude-3-opus":     200000,
	"claude-3-sonnet":   200000,
	"claude-3-haiku":    200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-7-sonnet": 200000,
	"claude-sonnet-4":   200000,
	"claude-opus-4":     200000,

	"gpt-4":         8192,
	"gpt-4-32k":     32768,
	"gpt-4-turbo":   128000,
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4.1":       1047576,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o1-mini":       128000,
	"o3":            200000,
	"o3-mini":       200000,
	"o4-mini":       200000,

	"gemini-1.5-pro":   2097152,
	"gemini-1.5-flash": 1048576,
	"gemini-2.0-flash": 1048576,
}

// Estimate returns the estimated token count of text.
func Estimate(text string) int {
	chars := utf8.RuneCountInString(text)
	tokens := int(float64(chars) * TokensPerChar)
	if tokens == 0 && chars > 0 {
		return 1
	}
	return tokens
}

// EstimateMessage estimates one message including reasoning, tool calls and children.
func EstimateMessage(m models.Message) int {
	total := messageOverhead + Estimate(m.Content) + Estimate(m.Reasoning)
	for _, tool := range m.Tools {
		total += Estimate(tool.Identifier) + Estimate(tool.APIName) + Estimate(tool.Arguments)
	}
	for _, child := range m.Children {
		total += EstimateMessage(child)
	}
	return total
}

// EstimateMessages estimates a message list.
func EstimateMessages(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

// ContextWindow returns the context window of a model. Unknown ids are
// matched by longest known prefix ("gpt-4-turbo-preview" → "gpt-4-turbo").
func ContextWindow(model string) (int, bool) {
	if tokens, ok := contextWindows[model]; ok {
		return tokens, true
	}
	bestMatch := ""
	bestTokens := 0
	for prefix, tokens := range contextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestTokens = tokens
		}
	}
	if bestMatch != "" {
		return bestTokens, true
	}
	return 0, false
}

// CompressionConfig decides when a conversation should be compressed.
type CompressionConfig struct {
	// ThresholdTokens is an absolute limit; it wins over ThresholdRatio.
	ThresholdTokens int `yaml:"threshold_tokens" json:"threshold_tokens,omitempty"`
	// ThresholdRatio is a fraction of the model's context window.
	ThresholdRatio float64 `yaml:"threshold_ratio" json:"threshold_ratio,omitempty"`
}

// Threshold returns the token limit for model, or 0 when compression is off.
func (c CompressionConfig) Threshold(model string) int {
	if c.ThresholdTokens > 0 {
		return c.ThresholdTokens
	}
	if c.ThresholdRatio <= 0 {
		return 0
	}
	window, ok := ContextWindow(model)
	if !ok {
		window = DefaultContextWindow
	}
	return int(float64(window) * c.ThresholdRatio)
}

// NeedsCompression reports whether messages exceed the threshold for model.
func (c CompressionConfig) NeedsCompression(messages []models.Message, model string) bool {
	limit := c.Threshold(model)
	if limit <= 0 {
		return false
	}
	return EstimateMessages(messages) > limit
}
