package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/messages"
	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// DefaultMaxSteps bounds a run when Config.MaxSteps is zero.
const DefaultMaxSteps = 100

// Decider maps what just happened to the next instructions.
// *decision.Agent implements it.
type Decider interface {
	Decide(rc decision.RuntimeContext, state models.AgentState) []decision.Instruction
}

// Config configures a Runtime.
type Config struct {
	// MaxSteps finishes a run with reason max_steps_exceeded once the state
	// has taken this many steps. Negative disables the guard.
	MaxSteps int

	// Sink receives every event the run publishes.
	Sink EventSink

	// Store persists intervention updates made by Approve, Reject and Abort.
	// Optional.
	Store messages.Store

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Now is the clock used for usage accounting. Defaults to time.Now.
	Now func() time.Time
}

// Runtime drives conversations through decide/execute steps.
// A Runtime holds no per-run state and may serve concurrent runs.
type Runtime struct {
	decider  Decider
	registry *Registry
	config   Config
	logger   *slog.Logger
}

// New creates a Runtime. A nil registry is replaced by an empty one.
func New(decider Decider, registry *Registry, config Config) *Runtime {
	if registry == nil {
		registry = NewRegistry()
	}
	if config.MaxSteps == 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	if config.Sink == nil {
		config.Sink = NopSink{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		decider:  decider,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "runtime"),
	}
}

// Registry returns the executor registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// RunResult is the outcome of Run.
type RunResult struct {
	State  models.AgentState
	Events []models.AgentEvent
	// Steps counts the steps taken by this call.
	Steps int
	// Interrupted is set when the run ended through the abort path.
	Interrupted bool
	// Reason is the finish reason of the terminal done event, if any.
	Reason string
}

// StepResult is the outcome of one decide/execute cycle.
type StepResult struct {
	State        models.AgentState
	Next         *decision.RuntimeContext
	Events       []models.AgentEvent
	Instructions []decision.InstructionType
}

// Run drives state from rc until the run completes, pauses for a human, or
// is cancelled through op. A nil op gets a fresh root operation bound to ctx.
//
// The operation stays running while the state waits for a human, so the
// same op can drive the resumed run. It completes once the state is done.
//
// The returned result is never nil. The error is ErrOperationFinished when op
// already completed or failed. Otherwise it is non-nil only when an executor
// failed, in which case it is a *StepError and the result state has status
// error.
func (r *Runtime) Run(ctx context.Context, op *Operation, state models.AgentState, rc decision.RuntimeContext) (*RunResult, error) {
	if op == nil {
		op = NewOperation(ctx, OperationContext{})
	}
	state = state.Clone()
	if op.Finished() {
		return &RunResult{State: state}, fmt.Errorf("%w: %s is %s", ErrOperationFinished, op.ID, op.Status())
	}
	if state.OperationID == "" {
		state.OperationID = op.ID
	}
	res := &RunResult{State: state}
	if r.decider == nil {
		return res, ErrNoDecider
	}

	sessionID, _ := state.Metadata["session_id"].(string)
	runCtx := observability.AddOperationID(op.Ctx(), state.OperationID)
	if sessionID != "" {
		runCtx = observability.AddSessionID(runCtx, sessionID)
	}
	if op.Context.TopicID != "" {
		runCtx = observability.AddTopicID(runCtx, op.Context.TopicID)
	}
	if op.Context.AgentID != "" {
		runCtx = observability.AddAgentID(runCtx, op.Context.AgentID)
	}
	em := newEmitter(r.config.Sink, state.OperationID)
	runCtx = withEmitter(runCtx, em)

	runCtx, span := r.config.Tracer.TraceRun(runCtx, state.OperationID, sessionID)
	defer span.End()

	r.config.Metrics.OperationStarted()
	r.logger.DebugContext(runCtx, "run started", "phase", string(rc.Phase()), "step", state.StepCount)

	cur := rc
	for {
		if op.IsCancelled() {
			r.abort(runCtx, em, op, res, cur)
			break
		}
		if res.State.Status != models.StatusRunning {
			break
		}

		if r.config.MaxSteps > 0 && res.State.StepCount >= r.config.MaxSteps {
			r.logger.WarnContext(runCtx, "max steps reached", "max_steps", r.config.MaxSteps)
			finish := decision.Finish{Reason: decision.FinishMaxStepsExceeded, Detail: "maximum number of steps reached"}
			out, err := r.runStep(runCtx, em, res.State, cur, []decision.Instruction{finish})
			r.collect(res, out, err == nil)
			if err != nil {
				return r.fail(runCtx, em, op, res, err)
			}
			break
		}

		out, err := r.Step(runCtx, res.State, cur)
		r.collect(res, out, err == nil)
		if err != nil {
			if IsCancellation(err) || op.IsCancelled() {
				r.abort(runCtx, em, op, res, cur)
				break
			}
			return r.fail(runCtx, em, op, res, err)
		}

		if op.IsCancelled() {
			next := cur
			if out.Next != nil {
				next = *out.Next
			}
			r.abort(runCtx, em, op, res, next)
			break
		}
		if out.Next == nil {
			break
		}
		cur = *out.Next
	}

	if !op.IsCancelled() && res.State.Status.IsTerminal() {
		op.Complete()
	}
	status := string(res.State.Status)
	r.config.Metrics.OperationFinished(status, res.Reason)
	r.config.Tracer.SetAttributes(span, "status", status, "steps", res.Steps, "reason", res.Reason)
	r.logger.DebugContext(runCtx, "run finished", "status", status, "steps", res.Steps, "reason", res.Reason)
	return res, nil
}

// Step performs one decide/execute cycle: it derives the step-local context,
// asks the decider for instructions and executes them in order. On error the
// result holds the state the step started from; writes already made to the
// message store by earlier instructions are not rolled back.
func (r *Runtime) Step(ctx context.Context, state models.AgentState, rc decision.RuntimeContext) (*StepResult, error) {
	if r.decider == nil {
		return &StepResult{State: state}, ErrNoDecider
	}
	em, ok := ctx.Value(emitterKey{}).(*emitter)
	if !ok {
		em = newEmitter(r.config.Sink, state.OperationID)
		ctx = withEmitter(ctx, em)
	}
	rc = r.prepare(state, rc)
	instructions := r.decider.Decide(rc, state)
	return r.runStep(ctx, em, state, rc, instructions)
}

// prepare refreshes session counters and the step-local context.
func (r *Runtime) prepare(state models.AgentState, rc decision.RuntimeContext) decision.RuntimeContext {
	sessionID := rc.Session.SessionID
	rc.Session = decision.NewContext(rc.Payload, state).Session
	if rc.Session.SessionID == "" {
		rc.Session.SessionID = sessionID
	}
	rc.StepContext = &decision.StepContext{
		StepIndex: state.StepCount,
		Todos:     models.LatestTodos(state.Messages),
	}
	return rc
}

func (r *Runtime) runStep(ctx context.Context, em *emitter, state models.AgentState, rc decision.RuntimeContext, instructions []decision.Instruction) (*StepResult, error) {
	start := r.config.Now()
	step := state.StepCount
	phase := string(rc.Phase())
	em.step.Store(int64(step))

	ctx, span := r.config.Tracer.TraceStep(ctx, step, phase)
	defer span.End()

	types := make([]decision.InstructionType, len(instructions))
	names := make([]string, len(instructions))
	for i, inst := range instructions {
		types[i] = inst.Type()
		names[i] = string(inst.Type())
	}
	// Executors work on a copy so a failed instruction can hand back state.
	out := &StepResult{State: state.Clone(), Instructions: types}
	out.Events = append(out.Events, em.emit(ctx, models.AgentEvent{
		Type:      models.AgentEventStepStarted,
		StepIndex: step,
		Step:      &models.StepEventPayload{Phase: phase, Instructions: names, Status: state.Status},
	}))
	r.logger.DebugContext(ctx, "step started", "step", step, "phase", phase, "instructions", names)

	for i, inst := range instructions {
		if i > 0 && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.State = state
			return out, &StepError{Step: step, Instruction: inst.Type(), Cause: context.Cause(ctx)}
		}
		out.Events = append(out.Events, em.emit(ctx, instructionEvent(inst, step)))
		res, err := r.execute(ctx, inst, out.State, rc)
		if err != nil {
			r.config.Tracer.RecordError(span, err)
			out.State = state
			return out, &StepError{Step: step, Instruction: inst.Type(), Cause: err}
		}
		out.State = res.State
		out.Next = res.Next
		for _, event := range res.Events {
			if event.StepIndex == 0 {
				event.StepIndex = step
			}
			out.Events = append(out.Events, em.emit(ctx, event))
		}
	}

	out.State.StepCount = step + 1
	out.State.Touch()
	elapsed := r.config.Now().Sub(start)
	out.Events = append(out.Events, em.emit(ctx, models.AgentEvent{
		Type:      models.AgentEventStepFinished,
		StepIndex: step,
		Step:      &models.StepEventPayload{Phase: phase, Instructions: names, Status: out.State.Status, Elapsed: elapsed},
	}))
	r.config.Metrics.RecordStep(phase, elapsed.Seconds())
	r.logger.DebugContext(ctx, "step finished", "step", step, "status", string(out.State.Status), "elapsed", elapsed)
	return out, nil
}

func (r *Runtime) execute(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
	typ := string(inst.Type())
	exec, err := r.registry.Lookup(inst.Type())
	if err != nil {
		r.config.Metrics.RecordInstruction(typ, "error")
		return nil, err
	}

	ctx, span := r.config.Tracer.TraceInstruction(ctx, typ)
	defer span.End()

	res, err := exec.Execute(ctx, inst, state.Clone(), rc)
	if err == nil && res == nil {
		err = errors.New("executor returned no result")
	}
	if err != nil {
		r.config.Tracer.RecordError(span, err)
		if IsCancellation(err) {
			r.config.Metrics.RecordInstruction(typ, "cancelled")
		} else {
			r.config.Metrics.RecordInstruction(typ, "error")
			r.config.Metrics.RecordError("executor", typ)
			r.logger.ErrorContext(ctx, "executor failed", "instruction", typ, "error", err)
		}
		return nil, err
	}
	r.config.Metrics.RecordInstruction(typ, "success")
	return res, nil
}

// abort marks the run interrupted and performs one more decide/execute round
// trip on a context that ignores the cancellation, so pending tool calls can
// be resolved as aborted.
func (r *Runtime) abort(ctx context.Context, em *emitter, op *Operation, res *RunResult, rc decision.RuntimeContext) {
	res.Interrupted = true
	reason := op.Reason()
	r.logger.WarnContext(ctx, "run cancelled", "reason", reason, "step", res.State.StepCount)

	state := res.State
	state.Status = models.StatusInterrupted
	cleanupCtx := context.WithoutCancel(ctx)
	out, err := r.Step(cleanupCtx, state, rc)
	r.collect(res, out, err == nil)
	if err != nil {
		r.logger.ErrorContext(cleanupCtx, "abort cleanup failed", "error", err)
	}
	if !res.State.Status.IsTerminal() {
		res.State.Status = models.StatusDone
		res.State.PendingToolsCalling = nil
		detail := reason
		if detail == "" {
			detail = "operation interrupted"
		}
		done := models.NewDoneEvent(res.State, string(decision.FinishUserRequested), detail)
		res.Events = append(res.Events, em.emit(cleanupCtx, done))
		res.Reason = string(decision.FinishUserRequested)
	}
}

// fail marks the state the failed step started from with status error and publishes an
// error event.
func (r *Runtime) fail(ctx context.Context, em *emitter, op *Operation, res *RunResult, err error) (*RunResult, error) {
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		stepErr = &StepError{Step: res.State.StepCount, Cause: err}
	}
	res.State.Status = models.StatusError
	res.State.Error = stepErr.Error()
	res.State.Touch()
	res.Events = append(res.Events, em.emit(ctx, models.NewErrorEvent(res.State.OperationID, stepErr)))
	res.Reason = string(decision.FinishErrorRecovery)
	op.Fail(stepErr)
	r.config.Metrics.OperationFinished(string(models.StatusError), res.Reason)
	return res, stepErr
}

func instructionEvent(inst decision.Instruction, step int) models.AgentEvent {
	return models.AgentEvent{
		Type:        models.AgentEventInstruction,
		StepIndex:   step,
		Instruction: &models.InstructionEventPayload{Type: string(inst.Type())},
	}
}

func (r *Runtime) collect(res *RunResult, out *StepResult, completed bool) {
	if out == nil {
		return
	}
	res.State = out.State
	res.Events = append(res.Events, out.Events...)
	if completed {
		res.Steps++
	}
	for _, e := range out.Events {
		if e.Type == models.AgentEventDone && e.Done != nil {
			res.Reason = e.Done.Reason
		}
	}
}
