package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/messages"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// waitingState runs a conversation until the dangerous call needs approval.
func waitingState(t *testing.T, rt *Runtime) models.AgentState {
	t.Helper()
	state := testState()
	res, err := rt.Run(context.Background(), nil, state, decision.NewContext(decision.InitPayload{}, state))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State.Status != models.StatusWaitingForHuman {
		t.Fatalf("status = %s, want waiting_for_human", res.State.Status)
	}
	return res.State
}

func TestApprove_ExecutesAndContinues(t *testing.T) {
	llm, calls := llmReplies([]models.ChatToolPayload{dangerousCall})
	store := messages.NewMemoryStore()
	rt, _, _ := newTestRuntime(t, llm, Config{Store: store})
	state := waitingState(t, rt)
	for i := range state.Messages {
		msg := state.Messages[i].Clone()
		if err := store.Create(context.Background(), state.OperationID, &msg); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	state.WaitingSince = time.Now().Add(-2 * time.Second)

	resume, err := rt.Approve(context.Background(), state, []string{"t3"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if resume.State.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running", resume.State.Status)
	}
	if len(resume.State.PendingToolsCalling) != 0 {
		t.Fatalf("pending = %v, want none", resume.State.PendingToolsCalling)
	}
	if resume.Next.Phase() != decision.PhaseToolResult {
		t.Fatalf("next phase = %s, want tool_result", resume.Next.Phase())
	}
	if !resume.State.WaitingSince.IsZero() {
		t.Fatal("WaitingSince should be cleared")
	}
	idx := resume.State.MessageIndex("tool-t3")
	msg := resume.State.Messages[idx]
	if msg.Intervention.Status != models.InterventionApproved || msg.Content != "done" {
		t.Fatalf("tool message = %+v", msg)
	}
	stored, err := store.Get(context.Background(), "tool-t3")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Intervention.Status != models.InterventionApproved {
		t.Fatalf("stored intervention = %s, want approved", stored.Intervention.Status)
	}
	if state.Messages[idx].Intervention.Status != models.InterventionPending {
		t.Fatal("Approve mutated the caller's state")
	}

	res, err := rt.Run(context.Background(), nil, resume.State, resume.Next)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State.Status != models.StatusDone || res.Reason != string(decision.FinishCompleted) {
		t.Fatalf("status = %s reason %q", res.State.Status, res.Reason)
	}
	if calls.Load() != 2 {
		t.Fatalf("model calls = %d, want 2", calls.Load())
	}
}

func TestReject_ReportsReason(t *testing.T) {
	llm, _ := llmReplies([]models.ChatToolPayload{dangerousCall})
	rt, _, _ := newTestRuntime(t, llm, Config{})
	state := waitingState(t, rt)

	resume, err := rt.Reject(context.Background(), state, []string{"t3"}, "too risky")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	p, ok := resume.Next.Payload.(decision.ToolResultPayload)
	if !ok {
		t.Fatalf("payload = %T, want ToolResultPayload", resume.Next.Payload)
	}
	if p.IsSuccess || p.ToolCallID != "t3" || p.Data["reason"] != "too risky" {
		t.Fatalf("payload = %+v", p)
	}
	msg := resume.State.Messages[resume.State.MessageIndex("tool-t3")]
	if msg.Intervention.Status != models.InterventionRejected || msg.Intervention.RejectedReason != "too risky" {
		t.Fatalf("intervention = %+v", msg.Intervention)
	}
	if resume.State.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running", resume.State.Status)
	}
}

func TestResume_Errors(t *testing.T) {
	llm, _ := llmReplies([]models.ChatToolPayload{dangerousCall})
	rt, _, _ := newTestRuntime(t, llm, Config{})
	waiting := waitingState(t, rt)

	tests := []struct {
		name  string
		state models.AgentState
		ids   []string
		want  error
	}{
		{"not waiting", testState(), []string{"t3"}, ErrNotWaiting},
		{"unknown id", waiting, []string{"nope"}, ErrUnknownToolCall},
		{"no ids", waiting, nil, ErrUnknownToolCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rt.Approve(context.Background(), tt.state, tt.ids); !errors.Is(err, tt.want) {
				t.Fatalf("Approve() error = %v, want %v", err, tt.want)
			}
			if _, err := rt.Reject(context.Background(), tt.state, tt.ids, "no"); !errors.Is(err, tt.want) {
				t.Fatalf("Reject() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAbort_ResolvesPendingTools(t *testing.T) {
	llm, _ := llmReplies([]models.ChatToolPayload{dangerousCall})
	rt, _, resolved := newTestRuntime(t, llm, Config{})
	state := waitingState(t, rt)

	resume, err := rt.Abort(context.Background(), state, "changed my mind")
	if err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	p, ok := resume.Next.Payload.(decision.HumanAbortPayload)
	if !ok || len(p.ToolsCalling) != 1 || p.ParentMessageID != "a1" {
		t.Fatalf("payload = %#v", resume.Next.Payload)
	}

	res, err := rt.Run(context.Background(), nil, resume.State, resume.Next)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(*resolved) != 1 || (*resolved)[0] != "t3" {
		t.Fatalf("resolved = %v, want [t3]", *resolved)
	}
	if res.Reason != string(decision.FinishUserRequested) {
		t.Fatalf("reason = %q", res.Reason)
	}

	done := res.State
	if _, err := rt.Abort(context.Background(), done, "again"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Abort() on finished state error = %v, want ErrNotWaiting", err)
	}
}

func TestRun_ResumeOnSameOperation(t *testing.T) {
	inner, calls := llmReplies([]models.ChatToolPayload{dangerousCall})
	llm := ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return inner(ctx, inst, state, rc)
	})
	rt, _, _ := newTestRuntime(t, llm, Config{})
	op := NewOperation(context.Background(), OperationContext{})
	state := testState()

	res, err := rt.Run(context.Background(), op, state, decision.NewContext(decision.InitPayload{}, state))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State.Status != models.StatusWaitingForHuman {
		t.Fatalf("status = %s, want waiting_for_human", res.State.Status)
	}
	if op.Status() != OperationRunning || op.Ctx().Err() != nil {
		t.Fatalf("operation status = %s, ctx err = %v; want running with live context", op.Status(), op.Ctx().Err())
	}

	resume, err := rt.Approve(context.Background(), res.State, []string{"t3"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	res, err = rt.Run(context.Background(), op, resume.State, resume.Next)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if res.Interrupted || res.State.Status != models.StatusDone || res.Reason != string(decision.FinishCompleted) {
		t.Fatalf("interrupted=%v status=%s reason=%q, want completed", res.Interrupted, res.State.Status, res.Reason)
	}
	if calls.Load() != 2 {
		t.Fatalf("model calls = %d, want 2", calls.Load())
	}
	if op.Status() != OperationCompleted {
		t.Fatalf("operation status = %s, want completed", op.Status())
	}

	again, err := rt.Run(context.Background(), op, res.State, resume.Next)
	if !errors.Is(err, ErrOperationFinished) {
		t.Fatalf("Run() on finished operation error = %v, want ErrOperationFinished", err)
	}
	if again == nil || calls.Load() != 2 {
		t.Fatal("finished operation must not run any step")
	}
}
