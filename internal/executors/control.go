package executors

import (
	"context"
	"fmt"

	"github.com/haasonsaas/agentcore/internal/compaction"
	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/runtime"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// RequestHumanApprove records pending tool messages and parks the run until a
// human approves, rejects or aborts.
func (s *Set) RequestHumanApprove(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	req, ok := inst.(decision.RequestHumanApprove)
	if !ok {
		return nil, fmt.Errorf("request_human_approve: unexpected instruction %T", inst)
	}
	created := 0
	for _, call := range req.PendingTools {
		if req.SkipCreateToolMessage {
			if _, ok := toolMessage(state, call.ID); ok {
				continue
			}
		}
		plugin := call
		msg := models.Message{
			Role:         models.RoleTool,
			ParentID:     req.ParentMessageID,
			ToolCallID:   call.ID,
			Plugin:       &plugin,
			Intervention: &models.Intervention{Status: models.InterventionPending},
		}
		inheritScope(state, req.ParentMessageID, &msg)
		if _, err := s.createMessage(ctx, &state, msg); err != nil {
			return nil, fmt.Errorf("create pending tool message: %w", err)
		}
		created++
	}

	state.Status = models.StatusWaitingForHuman
	state.PendingToolsCalling = append([]models.ChatToolPayload(nil), req.PendingTools...)
	usage.RecordApprovalRequest(&state, s.cfg.Now())
	s.cfg.Metrics.RecordIntervention("requested", len(req.PendingTools))
	s.logger.InfoContext(ctx, "waiting for human approval", "pending", len(req.PendingTools), "created", created)
	return &runtime.Result{State: state}, nil
}

// ResolveAbortedTools seals every interrupted tool call with an aborted
// intervention and finishes the run. The writes are final, so a result that
// arrives later for the same call cannot overwrite them.
func (s *Set) ResolveAbortedTools(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	req, ok := inst.(decision.ResolveAbortedTools)
	if !ok {
		return nil, fmt.Errorf("resolve_aborted_tools: unexpected instruction %T", inst)
	}
	for _, call := range req.ToolsCalling {
		msg, exists := toolMessage(state, call.ID)
		if !exists {
			plugin := call
			msg = models.Message{
				Role:       models.RoleTool,
				ParentID:   req.ParentMessageID,
				ToolCallID: call.ID,
				Plugin:     &plugin,
			}
			inheritScope(state, req.ParentMessageID, &msg)
			// A call interrupted mid-flight has a stored message the state
			// never saw.
			if stored, ok := s.storedToolMessage(ctx, msg.TopicID, call.ID); ok {
				msg = stored
			} else {
				var err error
				if msg, err = s.createMessage(ctx, &state, msg); err != nil {
					return nil, fmt.Errorf("create aborted tool message: %w", err)
				}
			}
		}
		msg.Intervention = &models.Intervention{Status: models.InterventionAborted}
		if msg.Content == "" {
			msg.Content = abortedContent(req.Reason)
		}
		if err := s.updateMessage(ctx, &state, msg, true); err != nil {
			return nil, fmt.Errorf("finalize aborted tool message: %w", err)
		}
	}
	s.cfg.Metrics.RecordIntervention("aborted", len(req.ToolsCalling))

	state.Status = models.StatusDone
	state.PendingToolsCalling = nil
	usage.RecordHumanResponse(&state, s.cfg.Now())
	detail := req.Reason
	if detail == "" {
		detail = "operation interrupted"
	}
	done := models.NewDoneEvent(state, string(decision.FinishUserRequested), detail)
	return &runtime.Result{State: state, Events: []models.AgentEvent{done}}, nil
}

func (s *Set) storedToolMessage(ctx context.Context, topicID, callID string) (models.Message, bool) {
	if s.cfg.Store == nil || topicID == "" {
		return models.Message{}, false
	}
	msgs, err := s.cfg.Store.List(ctx, topicID)
	if err != nil {
		s.logger.WarnContext(ctx, "list topic messages failed", "topic_id", topicID, "error", err)
		return models.Message{}, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == models.RoleTool && m.ToolCallID == callID {
			return *m, true
		}
	}
	return models.Message{}, false
}

// CompressContext replaces older history with a summary message. When no
// summarizer is configured or summarization fails the conversation continues
// uncompressed.
func (s *Set) CompressContext(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	cc, ok := inst.(decision.CompressContext)
	if !ok {
		return nil, fmt.Errorf("compress_context: unexpected instruction %T", inst)
	}
	uncompressed := decision.CompressionResultPayload{CompressedMessages: models.CloneMessages(cc.Messages)}
	if s.cfg.Summarizer == nil {
		s.logger.WarnContext(ctx, "context compression requested without a summarizer")
		return &runtime.Result{State: state, Next: next(uncompressed, state)}, nil
	}

	res, err := compaction.Compress(ctx, cc.Messages, cc.ExistingSummary, s.cfg.Summarizer, s.cfg.Compaction)
	if err != nil {
		if isCancelled(ctx) {
			return nil, context.Cause(ctx)
		}
		s.cfg.Metrics.RecordError("executors", "compression")
		s.logger.WarnContext(ctx, "context compression failed", "error", err)
		return &runtime.Result{State: state, Next: next(uncompressed, state)}, nil
	}

	for _, msg := range res.Messages {
		if msg.ID != res.GroupID {
			continue
		}
		if s.cfg.Store != nil {
			persisted := msg.Clone()
			if err := s.cfg.Store.Create(ctx, state.OperationID, &persisted); err != nil {
				return nil, fmt.Errorf("create compressed group: %w", err)
			}
		}
	}
	state.Messages = models.CloneMessages(res.Messages)
	s.logger.InfoContext(ctx, "context compressed", "compressed", res.Compressed, "kept", len(res.Messages)-1)
	payload := decision.CompressionResultPayload{CompressedMessages: res.Messages, GroupID: res.GroupID}
	return &runtime.Result{State: state, Next: next(payload, state)}, nil
}

// Finish ends the run. error_recovery leaves the state in error with the
// detail as its message; every other reason marks it done.
func (s *Set) Finish(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	f, ok := inst.(decision.Finish)
	if !ok {
		return nil, fmt.Errorf("finish: unexpected instruction %T", inst)
	}
	if f.Reason == decision.FinishErrorRecovery {
		state.Status = models.StatusError
		state.Error = f.Detail
	} else {
		state.Status = models.StatusDone
	}
	state.PendingToolsCalling = nil
	s.logger.DebugContext(ctx, "run finished", "reason", string(f.Reason), "detail", f.Detail)
	done := models.NewDoneEvent(state, string(f.Reason), f.Detail)
	return &runtime.Result{State: state, Events: []models.AgentEvent{done}}, nil
}
