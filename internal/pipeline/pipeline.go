// Package pipeline turns a persisted multi-agent message history into the flat
// message list a model call receives.
//
// Processing is split into small stages that run in a fixed order. Every stage
// receives a private copy of the messages and metadata, so a stage can never
// change what the caller or an earlier stage holds.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Context is what flows between stages.
type Context struct {
	Messages []models.Message
	// Metadata carries stage bookkeeping (counts of rewritten or dropped
	// messages) back to the caller.
	Metadata map[string]any
}

// Clone returns a deep copy.
func (c Context) Clone() Context {
	out := Context{Messages: models.CloneMessages(c.Messages)}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Processor is one pipeline stage.
type Processor interface {
	Name() string
	Process(ctx context.Context, in Context) (Context, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc struct {
	StageName string
	Fn        func(ctx context.Context, in Context) (Context, error)
}

// Name returns the stage name.
func (f ProcessorFunc) Name() string { return f.StageName }

// Process calls Fn.
func (f ProcessorFunc) Process(ctx context.Context, in Context) (Context, error) {
	return f.Fn(ctx, in)
}

// StageStat records how long one stage took.
type StageStat struct {
	Name     string
	Duration time.Duration
	Before   int
	After    int
}

// Result is the processed message list.
type Result struct {
	Messages []models.Message
	Metadata map[string]any
	Stats    []StageStat
}

// Engine runs processors in order.
type Engine struct {
	processors []Processor
	logger     *slog.Logger
}

// NewEngine creates an engine over processors.
func NewEngine(logger *slog.Logger, processors ...Processor) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		processors: processors,
		logger:     logger.With("component", "pipeline"),
	}
}

// Stages returns the stage names in execution order.
func (e *Engine) Stages() []string {
	names := make([]string, len(e.processors))
	for i, p := range e.processors {
		names[i] = p.Name()
	}
	return names
}

// Process runs every stage over a copy of messages.
func (e *Engine) Process(ctx context.Context, messages []models.Message) (*Result, error) {
	cur := Context{
		Messages: models.CloneMessages(messages),
		Metadata: map[string]any{},
	}
	stats := make([]StageStat, 0, len(e.processors))
	for _, p := range e.processors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		before := len(cur.Messages)
		next, err := p.Process(ctx, cur.Clone())
		if err != nil {
			return nil, fmt.Errorf("pipeline stage %s: %w", p.Name(), err)
		}
		if next.Metadata == nil {
			next.Metadata = map[string]any{}
		}
		cur = next
		stats = append(stats, StageStat{
			Name:     p.Name(),
			Duration: time.Since(start),
			Before:   before,
			After:    len(cur.Messages),
		})
	}
	e.logger.Debug("pipeline processed messages",
		"input", len(messages),
		"output", len(cur.Messages),
		"stages", len(e.processors),
	)
	return &Result{Messages: cur.Messages, Metadata: cur.Metadata, Stats: stats}, nil
}

// count increments an integer metadata counter.
func count(md map[string]any, key string, n int) {
	if n == 0 {
		return
	}
	prev, _ := md[key].(int)
	md[key] = prev + n
}
