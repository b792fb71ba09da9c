// Package compaction summarizes conversation history so it fits a model's context window.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/pkg/models"
)

const (
	// BaseChunkRatio is the share of the context window one summarized chunk may use.
	BaseChunkRatio = 0.4

	// OversizedThreshold marks a single message too large to summarize.
	OversizedThreshold = 0.5

	DefaultSummaryFallback = "No prior history."

	// DefaultKeepRecent is how many trailing messages stay verbatim.
	DefaultKeepRecent = 2
)

// Summarizer turns a transcript into a summary.
type Summarizer interface {
	GenerateSummary(ctx context.Context, transcript string, instructions string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, transcript string, instructions string) (string, error)

// GenerateSummary calls f.
func (f SummarizerFunc) GenerateSummary(ctx context.Context, transcript, instructions string) (string, error) {
	return f(ctx, transcript, instructions)
}

// Config controls summarization.
type Config struct {
	// Model selects the context window used for chunking.
	Model string
	// MaxChunkTokens overrides the chunk size derived from the context window.
	MaxChunkTokens int
	// KeepRecent trailing messages are not summarized.
	KeepRecent         int
	CustomInstructions string
}

const summaryInstructions = "Summarize the conversation so far. Keep decisions, open tasks, tool results the user relies on, " +
	"and any facts needed to continue. Write in the third person and stay concise."

const mergeInstructions = "Merge these chunk summaries into a single coherent summary. Preserve key details and maintain chronological flow."

// ChunkByMaxTokens splits messages into consecutive chunks under maxTokens.
// A single message larger than maxTokens gets its own chunk.
func ChunkByMaxTokens(messages []models.Message, maxTokens int) [][]models.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]models.Message{messages}
	}

	var (
		result  [][]models.Message
		current []models.Message
		size    int
	)
	for _, msg := range messages {
		n := tokens.EstimateMessage(msg)
		if n > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current, size = nil, 0
			}
			result = append(result, []models.Message{msg})
			continue
		}
		if size+n > maxTokens && len(current) > 0 {
			result = append(result, current)
			current, size = nil, 0
		}
		current = append(current, msg)
		size += n
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// Summarize produces one summary of messages, merging chunk summaries and the
// previous summary when there is more than one. Oversized messages are noted
// rather than summarized.
func Summarize(ctx context.Context, messages []models.Message, previous string, summarizer Summarizer, cfg Config) (string, error) {
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	window, ok := tokens.ContextWindow(cfg.Model)
	if !ok {
		window = tokens.DefaultContextWindow
	}
	maxChunk := cfg.MaxChunkTokens
	if maxChunk <= 0 {
		maxChunk = int(float64(window) * BaseChunkRatio)
	}
	instructions := summaryInstructions
	if cfg.CustomInstructions != "" {
		instructions = cfg.CustomInstructions + "\n\n" + instructions
	}

	var (
		normal []models.Message
		notes  []string
	)
	for _, msg := range messages {
		if n := tokens.EstimateMessage(msg); float64(n) > float64(window)*OversizedThreshold {
			notes = append(notes, fmt.Sprintf("[Oversized %s message with %d tokens - content omitted]", msg.Role, n))
			continue
		}
		normal = append(normal, msg)
	}

	var summaries []string
	if previous != "" {
		summaries = append(summaries, previous)
	}
	for i, chunk := range ChunkByMaxTokens(normal, maxChunk) {
		summary, err := summarizer.GenerateSummary(ctx, FormatForSummary(chunk), instructions)
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
		}
		summaries = append(summaries, summary)
	}

	var summary string
	switch len(summaries) {
	case 0:
		summary = DefaultSummaryFallback
	case 1:
		summary = summaries[0]
	default:
		var sb strings.Builder
		for i, s := range summaries {
			fmt.Fprintf(&sb, "Chunk %d summary:\n%s\n\n", i+1, s)
		}
		merged, err := summarizer.GenerateSummary(ctx, sb.String(), mergeInstructions)
		if err != nil {
			return "", fmt.Errorf("merging summaries: %w", err)
		}
		summary = merged
	}
	if len(notes) > 0 {
		summary += "\n\n" + strings.Join(notes, "\n")
	}
	return summary, nil
}

// Result is the compressed history.
type Result struct {
	// Messages is the compressed group followed by the kept recent messages.
	Messages []models.Message
	GroupID  string
	// Compressed is how many messages the summary replaced.
	Compressed int
}

// Compress replaces all but the most recent messages with a single
// compressedGroup message holding their summary. Earlier compressed groups are
// folded in through previous rather than summarized again.
func Compress(ctx context.Context, messages []models.Message, previous string, summarizer Summarizer, cfg Config) (Result, error) {
	keep := cfg.KeepRecent
	if keep <= 0 {
		keep = DefaultKeepRecent
	}
	if keep > len(messages) {
		keep = len(messages)
	}
	cut := len(messages) - keep
	// Never separate tool results from the assistant turn that requested them.
	for cut > 0 && messages[cut].Role == models.RoleTool {
		cut--
	}

	var head []models.Message
	for _, msg := range messages[:cut] {
		if msg.Role == models.RoleCompressedGroup || msg.Role == models.RoleSystem {
			continue
		}
		head = append(head, msg)
	}

	summary, err := Summarize(ctx, head, previous, summarizer, cfg)
	if err != nil {
		return Result{}, err
	}

	groupID := uuid.NewString()
	group := models.Message{
		ID:       groupID,
		Role:     models.RoleCompressedGroup,
		Content:  summary,
		GroupID:  groupID,
		Metadata: map[string]any{"compressed_count": cut},
	}
	if len(messages) > 0 {
		group.TopicID = messages[0].TopicID
		group.AgentID = messages[0].AgentID
	}

	out := make([]models.Message, 0, keep+2)
	for _, msg := range messages[:cut] {
		if msg.Role == models.RoleSystem {
			out = append(out, msg.Clone())
		}
	}
	out = append(out, group)
	out = append(out, models.CloneMessages(messages[cut:])...)
	return Result{Messages: out, GroupID: groupID, Compressed: cut}, nil
}

// FormatForSummary renders messages as a plain transcript.
func FormatForSummary(messages []models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "[%s]: %s", msg.Role, msg.Content)
		if len(msg.Tools) > 0 {
			calls := make([]string, 0, len(msg.Tools))
			for _, tool := range msg.Tools {
				calls = append(calls, tool.Key()+" "+tool.Arguments)
			}
			fmt.Fprintf(&sb, "\n  [Tool calls: %s]", truncate(strings.Join(calls, "; "), 200))
		}
		for _, child := range msg.Children {
			fmt.Fprintf(&sb, "\n  [%s]: %s", child.Role, truncate(child.Content, 200))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
