package executors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/haasonsaas/agentcore/internal/compaction"
	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/messages"
	"github.com/haasonsaas/agentcore/pkg/models"
)

func TestRequestHumanApprove(t *testing.T) {
	store := messages.NewMemoryStore()
	set := newSet(nil, nil, store)
	state := baseState()
	shell := models.ChatToolPayload{ID: "c2", Identifier: "shell", APIName: "run", Arguments: `{"command":"make"}`}

	res, err := set.RequestHumanApprove(context.Background(), decision.RequestHumanApprove{
		PendingTools:    []models.ChatToolPayload{shell},
		ParentMessageID: "u1",
	}, state, decision.RuntimeContext{})
	if err != nil {
		t.Fatalf("RequestHumanApprove() error = %v", err)
	}
	if res.Next != nil {
		t.Fatal("approval request must pause the run")
	}
	if res.State.Status != models.StatusWaitingForHuman || len(res.State.PendingToolsCalling) != 1 {
		t.Fatalf("status = %s pending = %v", res.State.Status, res.State.PendingToolsCalling)
	}
	msg := res.State.Messages[1]
	if !msg.IsPendingIntervention() || msg.Plugin.ID != "c2" {
		t.Fatalf("pending message = %+v", msg)
	}
	if _, err := store.Get(context.Background(), msg.ID); err != nil {
		t.Fatalf("pending message not stored: %v", err)
	}

	// Re-requesting with SkipCreateToolMessage must not duplicate it.
	again, err := set.RequestHumanApprove(context.Background(), decision.RequestHumanApprove{
		PendingTools:          []models.ChatToolPayload{shell},
		ParentMessageID:       "u1",
		SkipCreateToolMessage: true,
	}, res.State, decision.RuntimeContext{})
	if err != nil {
		t.Fatalf("RequestHumanApprove() error = %v", err)
	}
	if len(again.State.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(again.State.Messages))
	}
	if again.State.Usage.HumanInteraction.ApprovalRequests != 2 {
		t.Fatalf("approval requests = %d", again.State.Usage.HumanInteraction.ApprovalRequests)
	}
}

func TestResolveAbortedTools(t *testing.T) {
	store := messages.NewMemoryStore()
	set := newSet(nil, nil, store)
	state := baseState()
	pending := models.ChatToolPayload{ID: "c1", Identifier: "shell", APIName: "run"}
	plugin := pending
	existing := models.Message{
		ID: "tool-1", Role: models.RoleTool, ToolCallID: "c1", Plugin: &plugin, TopicID: "topic-1",
		Intervention: &models.Intervention{Status: models.InterventionPending},
	}
	if err := store.Create(context.Background(), state.OperationID, &existing); err != nil {
		t.Fatal(err)
	}
	state.Messages = append(state.Messages, existing)
	state.Status = models.StatusInterrupted
	state.PendingToolsCalling = []models.ChatToolPayload{pending}
	unseen := models.ChatToolPayload{ID: "c9", Identifier: "search", APIName: "query"}

	res, err := set.ResolveAbortedTools(context.Background(), decision.ResolveAbortedTools{
		ToolsCalling:    []models.ChatToolPayload{pending, unseen},
		ParentMessageID: "u1",
		Reason:          "user cancelled",
	}, state, decision.RuntimeContext{})
	if err != nil {
		t.Fatalf("ResolveAbortedTools() error = %v", err)
	}
	if res.State.Status != models.StatusDone || res.State.PendingToolsCalling != nil {
		t.Fatalf("status = %s pending = %v", res.State.Status, res.State.PendingToolsCalling)
	}
	if len(res.Events) != 1 || res.Events[0].Done == nil || res.Events[0].Done.Reason != "user_requested" {
		t.Fatalf("events = %+v", res.Events)
	}
	if res.Events[0].Done.Detail != "user cancelled" {
		t.Fatalf("detail = %q", res.Events[0].Done.Detail)
	}

	for _, id := range []string{"c1", "c9"} {
		msg, ok := toolMessage(res.State, id)
		if !ok {
			t.Fatalf("no tool message for %s", id)
		}
		if msg.Intervention.Status != models.InterventionAborted || msg.Content != "Tool call aborted: user cancelled" {
			t.Fatalf("message %s = %+v", id, msg)
		}
		late := msg.Clone()
		late.Content = "late"
		if err := store.Update(context.Background(), state.OperationID, &late, messages.WriteOptions{}); !errors.Is(err, messages.ErrStaleWrite) {
			t.Fatalf("late write to %s error = %v, want ErrStaleWrite", id, err)
		}
	}
}

func TestFinish(t *testing.T) {
	tests := []struct {
		reason decision.FinishReason
		detail string
		want   models.AgentStatus
	}{
		{decision.FinishCompleted, "", models.StatusDone},
		{decision.FinishAgentDecision, "all calls blocked", models.StatusDone},
		{decision.FinishMaxStepsExceeded, "maximum number of steps reached", models.StatusDone},
		{decision.FinishErrorRecovery, "provider unavailable", models.StatusError},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			set := newSet(nil, nil, nil)
			state := baseState()
			state.PendingToolsCalling = []models.ChatToolPayload{searchCall("c1")}
			res, err := set.Finish(context.Background(), decision.Finish{Reason: tt.reason, Detail: tt.detail}, state, decision.RuntimeContext{})
			if err != nil {
				t.Fatalf("Finish() error = %v", err)
			}
			if res.State.Status != tt.want || res.State.PendingToolsCalling != nil {
				t.Fatalf("status = %s pending = %v", res.State.Status, res.State.PendingToolsCalling)
			}
			if tt.want == models.StatusError && res.State.Error != tt.detail {
				t.Fatalf("error = %q", res.State.Error)
			}
			done := res.Events[0].Done
			if done.Reason != string(tt.reason) || done.FinalState == nil || done.FinalState.Status != tt.want {
				t.Fatalf("done = %+v", done)
			}
		})
	}
}

func conversation(n int) []models.Message {
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs = append(msgs, models.Message{ID: fmt.Sprintf("m%d", i), Role: role, Content: fmt.Sprintf("turn %d", i), TopicID: "topic-1"})
	}
	return msgs
}

func TestCompressContext(t *testing.T) {
	var transcripts []string
	summarizer := compaction.SummarizerFunc(func(ctx context.Context, transcript, instructions string) (string, error) {
		transcripts = append(transcripts, transcript)
		return "summary of earlier turns", nil
	})
	store := messages.NewMemoryStore()
	set := New(Config{Store: store, Summarizer: summarizer, Compaction: compaction.Config{KeepRecent: 2}})
	state := baseState()
	state.Messages = conversation(6)

	res, err := set.CompressContext(context.Background(), decision.CompressContext{Messages: state.Messages}, state, decision.RuntimeContext{})
	if err != nil {
		t.Fatalf("CompressContext() error = %v", err)
	}
	payload, ok := res.Next.Payload.(decision.CompressionResultPayload)
	if !ok || payload.GroupID == "" {
		t.Fatalf("payload = %+v", res.Next.Payload)
	}
	if len(payload.CompressedMessages) != 3 {
		t.Fatalf("compressed messages = %d, want group + 2 kept", len(payload.CompressedMessages))
	}
	group := payload.CompressedMessages[0]
	if group.Role != models.RoleCompressedGroup || group.Content != "summary of earlier turns" {
		t.Fatalf("group = %+v", group)
	}
	if len(res.State.Messages) != 3 {
		t.Fatalf("state messages = %d", len(res.State.Messages))
	}
	if _, err := store.Get(context.Background(), payload.GroupID); err != nil {
		t.Fatalf("group not stored: %v", err)
	}
	if len(transcripts) == 0 {
		t.Fatal("summarizer not called")
	}
}

func TestCompressContext_DegradesWithoutSummary(t *testing.T) {
	failing := compaction.SummarizerFunc(func(ctx context.Context, transcript, instructions string) (string, error) {
		return "", errors.New("model overloaded")
	})
	tests := []struct {
		name       string
		summarizer compaction.Summarizer
	}{
		{"no summarizer", nil},
		{"summarizer fails", failing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := New(Config{Summarizer: tt.summarizer})
			state := baseState()
			state.Messages = conversation(6)
			res, err := set.CompressContext(context.Background(), decision.CompressContext{Messages: state.Messages}, state, decision.RuntimeContext{})
			if err != nil {
				t.Fatalf("CompressContext() error = %v", err)
			}
			payload := res.Next.Payload.(decision.CompressionResultPayload)
			if payload.GroupID != "" || len(payload.CompressedMessages) != 6 {
				t.Fatalf("payload = %+v", payload)
			}
			if len(res.State.Messages) != 6 {
				t.Fatalf("state should be unchanged, got %d messages", len(res.State.Messages))
			}
		})
	}
}
