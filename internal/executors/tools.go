package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/runtime"
	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// ToolOutput is what a tool returns.
type ToolOutput struct {
	Content string
	// State is kept on the tool message. A "type" entry of execTask,
	// execTasks, execClientTask or execClientTasks together with Stop hands
	// work to the async task backend.
	State map[string]any
	// Stop asks the agent not to call the model again after this result.
	Stop bool
}

// ToolInvoker runs tool calls.
type ToolInvoker interface {
	Invoke(ctx context.Context, call models.ChatToolPayload, args map[string]any) (ToolOutput, error)
}

// ToolInvokerFunc adapts a function to ToolInvoker.
type ToolInvokerFunc func(ctx context.Context, call models.ChatToolPayload, args map[string]any) (ToolOutput, error)

// Invoke calls f.
func (f ToolInvokerFunc) Invoke(ctx context.Context, call models.ChatToolPayload, args map[string]any) (ToolOutput, error) {
	return f(ctx, call, args)
}

// ToolRegistry routes calls to invokers registered per tool identifier or
// per "identifier/apiName" key. It is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolInvoker
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolInvoker)}
}

// Register installs invoker under key, replacing any previous one.
func (r *ToolRegistry) Register(key string, invoker ToolInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[key] = invoker
}

// Invoke runs the most specific invoker for call.
func (r *ToolRegistry) Invoke(ctx context.Context, call models.ChatToolPayload, args map[string]any) (ToolOutput, error) {
	r.mu.RLock()
	invoker, ok := r.tools[call.Key()]
	if !ok {
		invoker, ok = r.tools[call.Identifier]
	}
	r.mu.RUnlock()
	if !ok {
		return ToolOutput{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.Key())
	}
	return invoker.Invoke(ctx, call, args)
}

type toolOutcome struct {
	output  ToolOutput
	err     error
	elapsed time.Duration
}

// CallTool runs one tool call and records its result on a tool message.
func (s *Set) CallTool(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	call, ok := inst.(decision.CallTool)
	if !ok {
		return nil, fmt.Errorf("call_tool: unexpected instruction %T", inst)
	}
	msg, err := s.prepareToolMessage(ctx, &state, call.ToolCall, call.ParentMessageID, call.SkipCreateToolMessage)
	if err != nil {
		return nil, err
	}
	outcome := s.invoke(ctx, state, call.ToolCall)
	if isCancelled(ctx) {
		return nil, context.Cause(ctx)
	}
	result, event, err := s.applyOutcome(ctx, &state, msg, call.ToolCall, outcome)
	if err != nil {
		return nil, err
	}
	return &runtime.Result{State: state, Events: []models.AgentEvent{event}, Next: next(result, state)}, nil
}

// CallToolsBatch runs several tool calls concurrently. Tool messages are
// created in call order before any call starts, so results always follow the
// assistant turn in the order the model requested them.
func (s *Set) CallToolsBatch(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	batch, ok := inst.(decision.CallToolsBatch)
	if !ok {
		return nil, fmt.Errorf("call_tools_batch: unexpected instruction %T", inst)
	}
	msgs := make([]models.Message, len(batch.ToolsCalling))
	for i, call := range batch.ToolsCalling {
		msg, err := s.prepareToolMessage(ctx, &state, call, batch.ParentMessageID, false)
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
	}

	snapshot := state.Clone()
	outcomes := make([]toolOutcome, len(batch.ToolsCalling))
	sem := make(chan struct{}, s.cfg.ToolConcurrency)
	var wg sync.WaitGroup
	for i, call := range batch.ToolsCalling {
		wg.Add(1)
		go func(idx int, call models.ChatToolPayload) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[idx] = toolOutcome{err: ctx.Err()}
				return
			}
			outcomes[idx] = s.invoke(ctx, snapshot, call)
		}(i, call)
	}
	wg.Wait()
	if isCancelled(ctx) {
		return nil, context.Cause(ctx)
	}

	payload := decision.ToolsBatchResultPayload{ParentMessageID: batch.ParentMessageID}
	events := make([]models.AgentEvent, 0, len(outcomes))
	for i, call := range batch.ToolsCalling {
		result, event, err := s.applyOutcome(ctx, &state, msgs[i], call, outcomes[i])
		if err != nil {
			return nil, err
		}
		payload.Results = append(payload.Results, result)
		payload.ParentMessageID = msgs[i].ID
		events = append(events, event)
	}
	return &runtime.Result{State: state, Events: events, Next: next(payload, state)}, nil
}

func (s *Set) prepareToolMessage(ctx context.Context, state *models.AgentState, call models.ChatToolPayload, parentID string, reuse bool) (models.Message, error) {
	if reuse {
		if msg, ok := toolMessage(*state, call.ID); ok {
			return msg, nil
		}
	}
	plugin := call
	msg := models.Message{
		Role:       models.RoleTool,
		ParentID:   parentID,
		ToolCallID: call.ID,
		Plugin:     &plugin,
	}
	inheritScope(*state, parentID, &msg)
	msg, err := s.createMessage(ctx, state, msg)
	if err != nil {
		return msg, fmt.Errorf("create tool message: %w", err)
	}
	return msg, nil
}

// invoke runs one call with argument repair, an optional timeout and panic
// recovery.
func (s *Set) invoke(ctx context.Context, state models.AgentState, call models.ChatToolPayload) (outcome toolOutcome) {
	if s.cfg.Tools == nil {
		return toolOutcome{err: fmt.Errorf("%w: %s", ErrToolNotFound, call.Key())}
	}
	var schema json.RawMessage
	if manifest, ok := state.ToolManifestMap[call.Identifier]; ok {
		if api, ok := manifest.API(call.APIName); ok {
			schema = api.Parameters
		}
	}
	args := toolargs.ParseAndRepair(call.Arguments, schema).Args

	toolCtx, span := s.cfg.Tracer.TraceToolExecution(ctx, call.Identifier, call.APIName)
	defer span.End()
	if s.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(toolCtx, s.cfg.ToolTimeout)
		defer cancel()
	}

	runtime.Emit(ctx, models.AgentEvent{
		Type: models.AgentEventToolStarted,
		Tool: &models.ToolEventPayload{CallID: call.ID, Identifier: call.Identifier, APIName: call.APIName},
	})
	start := s.cfg.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome.err = fmt.Errorf("%w: %v", ErrToolPanic, r)
		}
		outcome.elapsed = s.cfg.Now().Sub(start)
		if outcome.err != nil {
			s.cfg.Tracer.RecordError(span, outcome.err)
		}
	}()
	out, err := s.cfg.Tools.Invoke(toolCtx, call, args)
	return toolOutcome{output: out, err: err}
}

// applyOutcome writes a tool outcome to its message and accounts for it.
func (s *Set) applyOutcome(ctx context.Context, state *models.AgentState, msg models.Message, call models.ChatToolPayload, outcome toolOutcome) (decision.ToolResultPayload, models.AgentEvent, error) {
	success := outcome.err == nil
	status := "success"
	if success {
		msg.Content = outcome.output.Content
		msg.PluginState = outcome.output.State
		msg.PluginError = ""
	} else {
		toolErr := NewToolError(call.Key(), call.ID, outcome.err)
		msg.Content = "Error: " + toolErr.Message
		msg.PluginError = string(toolErr.Type)
		status = "error"
		s.logger.WarnContext(ctx, "tool call failed", "tool", call.Key(), "tool_call_id", call.ID, "type", string(toolErr.Type), "error", outcome.err)
	}
	if err := s.updateMessage(ctx, state, msg, false); err != nil {
		return decision.ToolResultPayload{}, models.AgentEvent{}, fmt.Errorf("update tool message: %w", err)
	}

	usage.AccumulateTool(state, usage.ToolCall{
		Identifier: call.Identifier,
		APIName:    call.APIName,
		Success:    success,
		Elapsed:    outcome.elapsed,
	}, s.prices())
	s.cfg.Metrics.RecordToolExecution(call.Identifier, status, outcome.elapsed.Seconds())

	stop := success && outcome.output.Stop
	data := map[string]any{"content": msg.Content}
	if msg.PluginState != nil {
		data["state"] = msg.PluginState
	}
	result := decision.ToolResultPayload{
		ParentMessageID: msg.ID,
		ToolCallID:      call.ID,
		Data:            data,
		IsSuccess:       success,
		Stop:            stop,
	}
	event := models.AgentEvent{
		Type: models.AgentEventToolFinished,
		Tool: &models.ToolEventPayload{
			CallID:     call.ID,
			Identifier: call.Identifier,
			APIName:    call.APIName,
			Success:    success,
			Stop:       stop,
			Elapsed:    outcome.elapsed,
		},
	}
	return result, event, nil
}

// abortedContent is the tool message content for a call that never ran.
func abortedContent(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "Tool call aborted."
	}
	return "Tool call aborted: " + reason
}
