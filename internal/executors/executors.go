// Package executors provides the standard executor for every instruction the
// decision agent emits.
//
// Executors own all side effects of a run: model calls, tool calls, persisted
// messages, async task polling. Each one receives a private copy of the agent
// state, applies its effect and returns the updated state together with the
// context for the next step.
package executors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/internal/compaction"
	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/messages"
	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/internal/pipeline"
	"github.com/haasonsaas/agentcore/internal/providers"
	"github.com/haasonsaas/agentcore/internal/runtime"
	"github.com/haasonsaas/agentcore/internal/tasks"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

const (
	DefaultTaskPollInterval = 3 * time.Second
	DefaultTaskTimeout      = 30 * time.Minute
	DefaultTaskConcurrency  = 5
	DefaultToolConcurrency  = 5
)

// Config wires executors to the host's model clients, tools, task backends
// and message store.
type Config struct {
	// Store persists every message an executor creates or updates. Optional.
	Store messages.Store

	// Clients maps provider names to model clients.
	Clients         map[string]providers.Client
	DefaultProvider string
	MaxTokens       int

	Tools ToolInvoker
	// ToolTimeout bounds one tool call. Zero disables the limit.
	ToolTimeout     time.Duration
	ToolConcurrency int

	Tasks            tasks.Backend
	ClientTasks      tasks.Backend
	TaskPollInterval time.Duration
	TaskTimeout      time.Duration
	TaskConcurrency  int

	Prices usage.PriceTable
	// PriceSource, when set, is consulted on every accumulation instead of
	// Prices, so a reloaded price table applies to later calls.
	PriceSource func() usage.PriceTable

	Summarizer compaction.Summarizer
	Compaction compaction.Config

	// PipelineOptions describes the agent a model call is prepared for.
	// When nil the options are derived from the state's tool manifests.
	PipelineOptions func(state models.AgentState) pipeline.Options

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// Set is the conformance executor set.
type Set struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the executor set with defaults applied.
func New(cfg Config) *Set {
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}
	if cfg.TaskPollInterval <= 0 {
		cfg.TaskPollInterval = DefaultTaskPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.TaskConcurrency <= 0 {
		cfg.TaskConcurrency = DefaultTaskConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{cfg: cfg, logger: logger.With("component", "executors")}
}

// Register installs every executor of the set into reg.
func (s *Set) Register(reg *runtime.Registry) {
	reg.Register(decision.InstructionCallLLM, runtime.ExecutorFunc(s.CallLLM))
	reg.Register(decision.InstructionCallTool, runtime.ExecutorFunc(s.CallTool))
	reg.Register(decision.InstructionCallToolsBatch, runtime.ExecutorFunc(s.CallToolsBatch))
	reg.Register(decision.InstructionRequestHumanApprove, runtime.ExecutorFunc(s.RequestHumanApprove))
	reg.Register(decision.InstructionResolveAbortedTools, runtime.ExecutorFunc(s.ResolveAbortedTools))
	reg.Register(decision.InstructionCompressContext, runtime.ExecutorFunc(s.CompressContext))
	reg.Register(decision.InstructionExecTask, runtime.ExecutorFunc(s.ExecTasks))
	reg.Register(decision.InstructionExecTasks, runtime.ExecutorFunc(s.ExecTasks))
	reg.Register(decision.InstructionExecClientTask, runtime.ExecutorFunc(s.ExecTasks))
	reg.Register(decision.InstructionExecClientTasks, runtime.ExecutorFunc(s.ExecTasks))
	reg.Register(decision.InstructionFinish, runtime.ExecutorFunc(s.Finish))
}

// createMessage assigns an id, persists msg and appends it to state.
func (s *Set) prices() usage.PriceTable {
	if s.cfg.PriceSource != nil {
		return s.cfg.PriceSource()
	}
	return s.cfg.Prices
}

func (s *Set) createMessage(ctx context.Context, state *models.AgentState, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.cfg.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if s.cfg.Store != nil {
		persisted := msg.Clone()
		if err := s.cfg.Store.Create(ctx, state.OperationID, &persisted); err != nil {
			return msg, err
		}
	}
	state.Messages = append(state.Messages, msg)
	return msg, nil
}

// updateMessage writes msg back to state and the store. A write rejected
// because the message was already finalized leaves the finalized version in
// place and is not an error.
func (s *Set) updateMessage(ctx context.Context, state *models.AgentState, msg models.Message, final bool) error {
	msg.UpdatedAt = s.cfg.Now()
	if s.cfg.Store != nil {
		persisted := msg.Clone()
		err := s.cfg.Store.Update(ctx, state.OperationID, &persisted, messages.WriteOptions{Final: final})
		if errors.Is(err, messages.ErrStaleWrite) {
			s.logger.WarnContext(ctx, "skipping write to finalized message", "message_id", msg.ID)
			return nil
		}
		if err != nil {
			return err
		}
	}
	if idx := state.MessageIndex(msg.ID); idx >= 0 {
		state.Messages[idx] = msg
	} else {
		state.Messages = append(state.Messages, msg)
	}
	return nil
}

// toolMessage returns the tool message answering call, if one exists.
func toolMessage(state models.AgentState, callID string) (models.Message, bool) {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		msg := state.Messages[i]
		if msg.Role == models.RoleTool && msg.Plugin != nil && msg.Plugin.ID == callID {
			return msg, true
		}
	}
	return models.Message{}, false
}

// inheritScope copies conversation scope from the parent message.
func inheritScope(state models.AgentState, parentID string, msg *models.Message) {
	idx := state.MessageIndex(parentID)
	if idx < 0 {
		return
	}
	parent := state.Messages[idx]
	msg.AgentID = parent.AgentID
	msg.GroupID = parent.GroupID
	msg.TopicID = parent.TopicID
	msg.ThreadID = parent.ThreadID
}

// isCancelled reports whether ctx ended through cancellation rather than a deadline.
func isCancelled(ctx context.Context) bool {
	err := ctx.Err()
	return err != nil && !errors.Is(err, context.DeadlineExceeded)
}

func next(payload decision.Payload, state models.AgentState) *decision.RuntimeContext {
	rc := decision.NewContext(payload, state)
	return &rc
}
