package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/intervention"
	"github.com/haasonsaas/agentcore/pkg/models"
)

var dangerousCall = models.ChatToolPayload{ID: "t3", Identifier: "shell", APIName: "run", Arguments: `{"command":"make"}`}

func testState() models.AgentState {
	state := models.NewAgentState("op-1", []models.Message{{ID: "u1", Role: models.RoleUser, Content: "build it"}})
	state.ToolManifestMap["shell"] = models.ToolManifest{
		Identifier:        "shell",
		APIs:              []models.ToolAPI{{Name: "run"}},
		HumanIntervention: &models.InterventionConfig{Policy: models.PolicyRequired},
	}
	return state
}

func testAgent() *decision.Agent {
	return decision.New(decision.Config{Model: "gpt-4o", Provider: "openai"}, intervention.NewResolver())
}

// llmReplies returns a call_llm executor that answers with the given tool
// calls on successive invocations and plain text once they run out.
func llmReplies(calls ...[]models.ChatToolPayload) (ExecutorFunc, *atomic.Int32) {
	var n atomic.Int32
	return func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		i := int(n.Add(1)) - 1
		var tools []models.ChatToolPayload
		if i < len(calls) {
			tools = calls[i]
		}
		msg := models.Message{ID: "a" + string(rune('1'+i)), Role: models.RoleAssistant, Content: "ok", Tools: tools}
		state.Messages = append(state.Messages, msg)
		next := decision.NewContext(decision.LLMResultPayload{
			HasToolsCalling: len(tools) > 0,
			ToolsCalling:    tools,
			ParentMessageID: msg.ID,
			Content:         msg.Content,
		}, state)
		return &Result{State: state, Next: &next}, nil
	}, &n
}

func finishExecutor(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
	f := inst.(decision.Finish)
	state.Status = models.StatusDone
	return &Result{State: state, Events: []models.AgentEvent{models.NewDoneEvent(state, string(f.Reason), f.Detail)}}, nil
}

func approveExecutor(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
	req := inst.(decision.RequestHumanApprove)
	for _, call := range req.PendingTools {
		call := call
		state.Messages = append(state.Messages, models.Message{
			ID:           "tool-" + call.ID,
			Role:         models.RoleTool,
			ParentID:     req.ParentMessageID,
			Plugin:       &call,
			Intervention: &models.Intervention{Status: models.InterventionPending},
		})
	}
	state.Status = models.StatusWaitingForHuman
	state.PendingToolsCalling = req.PendingTools
	return &Result{State: state}, nil
}

func toolExecutor(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
	call := inst.(decision.CallTool)
	if call.SkipCreateToolMessage {
		for i := range state.Messages {
			if state.Messages[i].Plugin != nil && state.Messages[i].Plugin.ID == call.ToolCall.ID {
				state.Messages[i].Content = "done"
			}
		}
	}
	next := decision.NewContext(decision.ToolResultPayload{
		ParentMessageID: call.ParentMessageID,
		ToolCallID:      call.ToolCall.ID,
		IsSuccess:       true,
	}, state)
	return &Result{State: state, Next: &next}, nil
}

func resolveExecutor(seen *[]string) ExecutorFunc {
	return func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		req := inst.(decision.ResolveAbortedTools)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, call := range req.ToolsCalling {
			*seen = append(*seen, call.ID)
		}
		state.Status = models.StatusDone
		state.PendingToolsCalling = nil
		return &Result{State: state, Events: []models.AgentEvent{models.NewDoneEvent(state, string(decision.FinishUserRequested), req.Reason)}}, nil
	}
}

func newTestRuntime(t *testing.T, llm Executor, cfg Config) (*Runtime, *Recorder, *[]string) {
	t.Helper()
	rec := &Recorder{}
	cfg.Sink = rec
	var resolved []string
	reg := NewRegistry()
	reg.Register(decision.InstructionCallLLM, llm)
	reg.Register(decision.InstructionCallTool, ExecutorFunc(toolExecutor))
	reg.Register(decision.InstructionRequestHumanApprove, ExecutorFunc(approveExecutor))
	reg.Register(decision.InstructionResolveAbortedTools, resolveExecutor(&resolved))
	reg.Register(decision.InstructionFinish, ExecutorFunc(finishExecutor))
	return New(testAgent(), reg, cfg), rec, &resolved
}

func TestRun_CompletesWithoutTools(t *testing.T) {
	llm, _ := llmReplies()
	rt, rec, _ := newTestRuntime(t, llm, Config{})
	state := testState()

	res, err := rt.Run(context.Background(), nil, state, decision.NewContext(decision.InitPayload{ParentMessageID: "u1"}, state))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State.Status != models.StatusDone {
		t.Fatalf("status = %s, want done", res.State.Status)
	}
	if res.Steps != 2 || res.State.StepCount != 2 {
		t.Fatalf("steps = %d/%d, want 2/2", res.Steps, res.State.StepCount)
	}
	if res.Reason != string(decision.FinishCompleted) {
		t.Fatalf("reason = %q, want completed", res.Reason)
	}
	if len(res.State.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(res.State.Messages))
	}
	if len(state.Messages) != 1 {
		t.Fatal("Run mutated the caller's state")
	}

	want := []models.AgentEventType{
		models.AgentEventStepStarted, models.AgentEventInstruction, models.AgentEventStepFinished,
		models.AgentEventStepStarted, models.AgentEventInstruction, models.AgentEventDone, models.AgentEventStepFinished,
	}
	got := rec.Types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if len(res.Events) != len(want) {
		t.Fatalf("result events = %d, want %d", len(res.Events), len(want))
	}
	for i, e := range rec.Events() {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("event %d sequence = %d", i, e.Sequence)
		}
		if e.OperationID != "op-1" {
			t.Fatalf("event %d operation = %q", i, e.OperationID)
		}
	}
}

func TestRun_MaxSteps(t *testing.T) {
	loop := ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		next := decision.NewContext(decision.UserInputPayload{}, state)
		return &Result{State: state, Next: &next}, nil
	})
	rt, _, _ := newTestRuntime(t, loop, Config{MaxSteps: 3})
	state := testState()

	res, err := rt.Run(context.Background(), nil, state, decision.NewContext(decision.InitPayload{}, state))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Reason != string(decision.FinishMaxStepsExceeded) {
		t.Fatalf("reason = %q, want max_steps_exceeded", res.Reason)
	}
	if res.State.StepCount != 4 {
		t.Fatalf("step count = %d, want 4", res.State.StepCount)
	}
}

func TestRun_ExecutorFailure(t *testing.T) {
	boom := errors.New("provider exploded")
	failing := ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		return nil, boom
	})
	rt, rec, _ := newTestRuntime(t, failing, Config{})
	op := NewOperation(context.Background(), OperationContext{})
	state := testState()

	res, err := rt.Run(context.Background(), op, state, decision.NewContext(decision.InitPayload{}, state))
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Instruction != decision.InstructionCallLLM {
		t.Fatalf("error = %#v, want StepError for call_llm", err)
	}
	if res.State.Status != models.StatusError || res.State.Error == "" {
		t.Fatalf("state = %s %q, want error status with message", res.State.Status, res.State.Error)
	}
	types := rec.Types()
	if types[len(types)-1] != models.AgentEventError {
		t.Fatalf("last event = %s, want error", types[len(types)-1])
	}
	if op.Status() != OperationFailed {
		t.Fatalf("operation status = %s, want failed", op.Status())
	}
}

func TestRun_MissingExecutor(t *testing.T) {
	rt := New(testAgent(), NewRegistry(), Config{})
	state := testState()
	_, err := rt.Run(context.Background(), nil, state, decision.NewContext(decision.InitPayload{}, state))
	if !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("Run() error = %v, want ErrNoExecutor", err)
	}
}

func TestRun_NoDecider(t *testing.T) {
	rt := New(nil, nil, Config{})
	res, err := rt.Run(context.Background(), nil, testState(), decision.RuntimeContext{})
	if !errors.Is(err, ErrNoDecider) {
		t.Fatalf("Run() error = %v, want ErrNoDecider", err)
	}
	if res == nil {
		t.Fatal("Run() returned nil result")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	llm, calls := llmReplies()
	rt, _, _ := newTestRuntime(t, llm, Config{})
	op := NewOperation(context.Background(), OperationContext{})
	op.Cancel("user pressed stop")
	state := testState()

	res, err := rt.Run(context.Background(), op, state, decision.NewContext(decision.InitPayload{}, state))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("model called %d times after cancellation", calls.Load())
	}
	if !res.Interrupted {
		t.Fatal("expected interrupted result")
	}
	if res.State.Status != models.StatusDone || res.Reason != string(decision.FinishUserRequested) {
		t.Fatalf("state = %s reason %q, want done/user_requested", res.State.Status, res.Reason)
	}
}

func TestRun_CancelledDuringStepResolvesPendingTools(t *testing.T) {
	op := NewOperation(context.Background(), OperationContext{})
	inner, _ := llmReplies([]models.ChatToolPayload{{ID: "t1", Identifier: "search", APIName: "query"}})
	llm := ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		res, err := inner(ctx, inst, state, rc)
		op.Cancel("stop")
		return res, err
	})
	rt, _, resolved := newTestRuntime(t, llm, Config{})
	state := testState()

	res, err := rt.Run(context.Background(), op, state, decision.NewContext(decision.InitPayload{}, state))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Interrupted || res.State.Status != models.StatusDone {
		t.Fatalf("interrupted=%v status=%s", res.Interrupted, res.State.Status)
	}
	if len(*resolved) != 1 || (*resolved)[0] != "t1" {
		t.Fatalf("resolved = %v, want [t1]", *resolved)
	}
	if res.Reason != string(decision.FinishUserRequested) {
		t.Fatalf("reason = %q", res.Reason)
	}
	if op.Status() != OperationCancelled {
		t.Fatalf("operation status = %s, want cancelled", op.Status())
	}
}

func TestRun_CancellationErrorTakesAbortPath(t *testing.T) {
	op := NewOperation(context.Background(), OperationContext{})
	llm := ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		op.Cancel("stop")
		return nil, ctx.Err()
	})
	rt, rec, _ := newTestRuntime(t, llm, Config{})
	state := testState()

	res, err := rt.Run(context.Background(), op, state, decision.NewContext(decision.InitPayload{}, state))
	if err != nil {
		t.Fatalf("Run() error = %v, want abort path", err)
	}
	if !res.Interrupted || res.Reason != string(decision.FinishUserRequested) {
		t.Fatalf("interrupted=%v reason=%q", res.Interrupted, res.Reason)
	}
	for _, typ := range rec.Types() {
		if typ == models.AgentEventError {
			t.Fatal("cancellation must not publish an error event")
		}
	}
}

func TestRun_DeadlineIsFailure(t *testing.T) {
	llm := ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		return nil, context.DeadlineExceeded
	})
	rt, _, _ := newTestRuntime(t, llm, Config{})
	state := testState()

	res, err := rt.Run(context.Background(), nil, state, decision.NewContext(decision.InitPayload{}, state))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline", err)
	}
	if res.Interrupted {
		t.Fatal("deadline must not be treated as cancellation")
	}
}

func TestRun_StopsForApproval(t *testing.T) {
	llm, _ := llmReplies([]models.ChatToolPayload{dangerousCall})
	rt, _, _ := newTestRuntime(t, llm, Config{})
	state := testState()

	res, err := rt.Run(context.Background(), nil, state, decision.NewContext(decision.InitPayload{}, state))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State.Status != models.StatusWaitingForHuman {
		t.Fatalf("status = %s, want waiting_for_human", res.State.Status)
	}
	if len(res.State.PendingToolsCalling) != 1 {
		t.Fatalf("pending = %d, want 1", len(res.State.PendingToolsCalling))
	}
}

func TestStep_PreparesStepContext(t *testing.T) {
	var got decision.RuntimeContext
	decider := deciderFunc(func(rc decision.RuntimeContext, state models.AgentState) []decision.Instruction {
		got = rc
		return []decision.Instruction{decision.Finish{Reason: decision.FinishCompleted}}
	})
	reg := NewRegistry()
	reg.Register(decision.InstructionFinish, ExecutorFunc(finishExecutor))
	rt := New(decider, reg, Config{})

	state := testState()
	state.StepCount = 4
	state.Metadata = map[string]any{"session_id": "s-9"}
	state.Messages = append(state.Messages, models.Message{
		ID:          "todo",
		Role:        models.RoleTool,
		Plugin:      &models.ChatToolPayload{Identifier: models.TodoToolIdentifier, APIName: "update"},
		PluginState: map[string]any{"todos": []any{map[string]any{"content": "write tests", "completed": false}}},
	})

	out, err := rt.Step(context.Background(), state, decision.RuntimeContext{Payload: decision.InitPayload{}})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if got.StepContext == nil || got.StepContext.StepIndex != 4 || len(got.StepContext.Todos) != 1 {
		t.Fatalf("step context = %+v", got.StepContext)
	}
	if got.Session.SessionID != "s-9" || got.Session.MessageCount != 2 {
		t.Fatalf("session = %+v", got.Session)
	}
	if out.State.StepCount != 5 {
		t.Fatalf("step count = %d, want 5", out.State.StepCount)
	}
	if len(out.Instructions) != 1 || out.Instructions[0] != decision.InstructionFinish {
		t.Fatalf("instructions = %v", out.Instructions)
	}
}

type deciderFunc func(rc decision.RuntimeContext, state models.AgentState) []decision.Instruction

func (f deciderFunc) Decide(rc decision.RuntimeContext, state models.AgentState) []decision.Instruction {
	return f(rc, state)
}

func TestEmit_LiveEventsReachSink(t *testing.T) {
	llm := ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamDelta, Stream: &models.StreamEventPayload{Delta: "he"}})
		Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamDelta, Stream: &models.StreamEventPayload{Delta: "llo"}})
		next := decision.NewContext(decision.LLMResultPayload{Content: "hello"}, state)
		return &Result{State: state, Next: &next}, nil
	})
	rt, rec, _ := newTestRuntime(t, llm, Config{})
	state := testState()

	if _, err := rt.Run(context.Background(), nil, state, decision.NewContext(decision.InitPayload{}, state)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var deltas string
	for _, e := range rec.Events() {
		if e.Type == models.AgentEventStreamDelta {
			deltas += e.Stream.Delta
		}
	}
	if deltas != "hello" {
		t.Fatalf("deltas = %q, want hello", deltas)
	}

	// Outside a run Emit is a no-op.
	Emit(context.Background(), models.AgentEvent{Type: models.AgentEventStreamDelta})
}

func TestStep_FailureRestoresStartingState(t *testing.T) {
	decider := deciderFunc(func(rc decision.RuntimeContext, state models.AgentState) []decision.Instruction {
		return []decision.Instruction{
			decision.CallTool{ToolCall: models.ChatToolPayload{ID: "t1", Identifier: "search", APIName: "query"}},
			decision.RequestHumanApprove{PendingTools: []models.ChatToolPayload{dangerousCall}},
		}
	})
	boom := errors.New("store unavailable")
	reg := NewRegistry()
	reg.Register(decision.InstructionCallTool, ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		state.Messages = append(state.Messages, models.Message{ID: "tool-t1", Role: models.RoleTool, Content: "ok"})
		state.Messages[0].Content = "rewritten"
		return &Result{State: state}, nil
	}))
	reg.Register(decision.InstructionRequestHumanApprove, ExecutorFunc(func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
		return nil, boom
	}))
	rt := New(decider, reg, Config{})
	state := testState()
	rc := decision.NewContext(decision.InitPayload{}, state)

	t.Run("step", func(t *testing.T) {
		out, err := rt.Step(context.Background(), state, rc)
		var stepErr *StepError
		if !errors.As(err, &stepErr) || !errors.Is(err, boom) || stepErr.Instruction != decision.InstructionRequestHumanApprove {
			t.Fatalf("Step() error = %v, want StepError for request_human_approve", err)
		}
		if len(out.State.Messages) != 1 || out.State.Messages[0].Content != "build it" {
			t.Fatalf("messages = %+v, want the starting history", out.State.Messages)
		}
		if out.State.StepCount != state.StepCount {
			t.Fatalf("step count = %d, want %d", out.State.StepCount, state.StepCount)
		}
		if state.Messages[0].Content != "build it" {
			t.Fatalf("caller state mutated: %q", state.Messages[0].Content)
		}
	})

	t.Run("run", func(t *testing.T) {
		res, err := rt.Run(context.Background(), nil, state, rc)
		if !errors.Is(err, boom) {
			t.Fatalf("Run() error = %v, want %v", err, boom)
		}
		if res.State.Status != models.StatusError || len(res.State.Messages) != 1 {
			t.Fatalf("state = %s with %d messages, want error with the starting history", res.State.Status, len(res.State.Messages))
		}
	})
}
