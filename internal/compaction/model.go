package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentcore/internal/providers"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// ModelSummarizer generates summaries with a model client.
type ModelSummarizer struct {
	Client    providers.Client
	Model     string
	MaxTokens int
}

// GenerateSummary asks the model to summarize transcript.
func (s *ModelSummarizer) GenerateSummary(ctx context.Context, transcript, instructions string) (string, error) {
	if s == nil || s.Client == nil {
		return "", fmt.Errorf("summarizer client is nil")
	}
	chunks, err := s.Client.Stream(ctx, &providers.Request{
		Model:     s.Model,
		System:    instructions,
		Messages:  []models.Message{{Role: models.RoleUser, Content: transcript}},
		MaxTokens: s.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	res, err := providers.Collect(ctx, chunks, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(res.Content)
	if summary == "" {
		return DefaultSummaryFallback, nil
	}
	return summary, nil
}
