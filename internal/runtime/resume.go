package runtime

import (
	"context"
	"fmt"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/messages"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// Resume is the outcome of a human decision on a run waiting for approval.
// Pass State and Next to Run to continue the conversation. Calls still
// awaiting a decision are re-requested by the decision agent.
type Resume struct {
	State  models.AgentState
	Next   decision.RuntimeContext
	Events []models.AgentEvent
}

// Approve marks the given pending tool calls approved and executes them with
// the registered call_tool executor, reusing the tool messages created when
// approval was requested.
func (r *Runtime) Approve(ctx context.Context, state models.AgentState, toolCallIDs []string) (*Resume, error) {
	state, indexes, err := r.beginResume(state, toolCallIDs)
	if err != nil {
		return nil, err
	}
	em := newEmitter(r.config.Sink, state.OperationID)
	ctx = withEmitter(ctx, em)

	out := &Resume{}
	var results []decision.ToolResultPayload
	parentID := ""
	for _, idx := range indexes {
		if err := r.setIntervention(ctx, &state, idx, models.InterventionApproved, ""); err != nil {
			return nil, err
		}
		msg := state.Messages[idx]
		parentID = msg.ParentID
		inst := decision.CallTool{ToolCall: *msg.Plugin, ParentMessageID: msg.ParentID, SkipCreateToolMessage: true}
		out.Events = append(out.Events, em.emit(ctx, instructionEvent(inst, state.StepCount)))
		res, err := r.execute(ctx, inst, state, decision.NewContext(nil, state))
		if err != nil {
			return nil, &StepError{Step: state.StepCount, Instruction: inst.Type(), Cause: err}
		}
		state = res.State
		for _, event := range res.Events {
			out.Events = append(out.Events, em.emit(ctx, event))
		}
		if res.Next != nil {
			if p, ok := res.Next.Payload.(decision.ToolResultPayload); ok {
				results = append(results, p)
			}
		}
	}
	r.config.Metrics.RecordIntervention("approved", len(indexes))
	state.PendingToolsCalling = remainingPending(state)
	state.Status = models.StatusRunning

	var payload decision.Payload
	switch len(results) {
	case 0:
		payload = decision.ToolResultPayload{ParentMessageID: parentID, ToolCallID: toolCallIDs[len(toolCallIDs)-1]}
	case 1:
		payload = results[0]
	default:
		payload = decision.ToolsBatchResultPayload{ParentMessageID: parentID, Results: results}
	}
	out.State = state
	out.Next = decision.NewContext(payload, state)
	return out, nil
}

// Reject marks the given pending tool calls rejected. The model sees the
// rejection reason in place of a tool result.
func (r *Runtime) Reject(ctx context.Context, state models.AgentState, toolCallIDs []string, reason string) (*Resume, error) {
	state, indexes, err := r.beginResume(state, toolCallIDs)
	if err != nil {
		return nil, err
	}
	var last models.Message
	for _, idx := range indexes {
		if err := r.setIntervention(ctx, &state, idx, models.InterventionRejected, reason); err != nil {
			return nil, err
		}
		last = state.Messages[idx]
	}
	r.config.Metrics.RecordIntervention("rejected", len(indexes))
	state.PendingToolsCalling = remainingPending(state)
	state.Status = models.StatusRunning
	payload := decision.ToolResultPayload{
		ParentMessageID: last.ParentID,
		ToolCallID:      last.Plugin.ID,
		Data:            map[string]any{"rejected": true, "reason": reason},
	}
	return &Resume{State: state, Next: decision.NewContext(payload, state)}, nil
}

// Abort stops a run waiting for approval. The returned context leads the
// decision agent to resolve every pending call as aborted and finish.
func (r *Runtime) Abort(ctx context.Context, state models.AgentState, reason string) (*Resume, error) {
	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("abort: %w", ErrNotWaiting)
	}
	state = state.Clone()
	usage.RecordHumanResponse(&state, r.config.Now())

	pending := state.PendingToolsCalling
	if len(pending) == 0 {
		pending = decision.PendingInterventions(state.Messages)
	}
	parentID := ""
	for _, msg := range state.Messages {
		if msg.IsPendingIntervention() && msg.ParentID != "" {
			parentID = msg.ParentID
			break
		}
	}
	state.Status = models.StatusRunning
	payload := decision.HumanAbortPayload{Reason: reason, ParentMessageID: parentID, ToolsCalling: pending}
	return &Resume{State: state, Next: decision.NewContext(payload, state)}, nil
}

// beginResume validates the request and returns a clone of state with the
// human wait time recorded, plus the message index of each named call.
func (r *Runtime) beginResume(state models.AgentState, toolCallIDs []string) (models.AgentState, []int, error) {
	if state.Status != models.StatusWaitingForHuman {
		return state, nil, ErrNotWaiting
	}
	if len(toolCallIDs) == 0 {
		return state, nil, fmt.Errorf("%w: no tool call ids given", ErrUnknownToolCall)
	}
	state = state.Clone()
	indexes := make([]int, 0, len(toolCallIDs))
	for _, id := range toolCallIDs {
		idx := pendingIndex(state, id)
		if idx < 0 {
			return state, nil, fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
		}
		indexes = append(indexes, idx)
	}
	usage.RecordHumanResponse(&state, r.config.Now())
	return state, indexes, nil
}

func (r *Runtime) setIntervention(ctx context.Context, state *models.AgentState, idx int, status models.InterventionStatus, reason string) error {
	msg := &state.Messages[idx]
	msg.Intervention = &models.Intervention{Status: status, RejectedReason: reason}
	msg.UpdatedAt = r.config.Now()
	if r.config.Store == nil {
		return nil
	}
	persisted := msg.Clone()
	if err := r.config.Store.Update(ctx, state.OperationID, &persisted, messages.WriteOptions{}); err != nil {
		return fmt.Errorf("update intervention for %s: %w", msg.ID, err)
	}
	return nil
}

func pendingIndex(state models.AgentState, toolCallID string) int {
	for i, msg := range state.Messages {
		if msg.IsPendingIntervention() && msg.Plugin != nil && msg.Plugin.ID == toolCallID {
			return i
		}
	}
	return -1
}

func remainingPending(state models.AgentState) []models.ChatToolPayload {
	return decision.PendingInterventions(state.Messages)
}
