// Package runtime drives a conversation to completion.
//
// A Runtime repeatedly asks a decision agent what to do next and executes the
// returned instructions through executors registered per instruction type.
// It owns the authoritative AgentState for the duration of a run, checks the
// owning Operation for cancellation at the top of every step and after each
// step's side effects, and routes a cancelled run through exactly one more
// decide/execute round trip so pending tool calls end in an aborted state.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// Result is what an executor returns: the updated state, events to publish,
// and the context for the next step. A nil Next ends the run.
type Result struct {
	State  models.AgentState
	Events []models.AgentEvent
	Next   *decision.RuntimeContext
}

// Executor performs the side effect for one instruction type.
//
// Implementations receive a clone of the state and may mutate it freely.
// They must return cancellation as an error satisfying IsCancellation so the
// runtime can take the abort path.
type Executor interface {
	Execute(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*Result, error) {
	return f(ctx, inst, state, rc)
}

// Registry maps instruction types to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[decision.InstructionType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[decision.InstructionType]Executor)}
}

// Register installs exec for typ, replacing any previous executor.
func (r *Registry) Register(typ decision.InstructionType, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[typ] = exec
}

// Lookup returns the executor for typ.
func (r *Registry) Lookup(typ decision.InstructionType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[typ]
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrNoExecutor, typ)
	}
	return exec, nil
}

// Types lists the registered instruction types in sorted order.
func (r *Registry) Types() []decision.InstructionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]decision.InstructionType, 0, len(r.executors))
	for typ := range r.executors {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the instruction types in want that have no executor.
func (r *Registry) Missing(want ...decision.InstructionType) []decision.InstructionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []decision.InstructionType
	for _, typ := range want {
		if _, ok := r.executors[typ]; !ok {
			out = append(out, typ)
		}
	}
	return out
}

// ConformanceSet lists the instruction types every host must be able to execute.
var ConformanceSet = []decision.InstructionType{
	decision.InstructionCallLLM,
	decision.InstructionCallTool,
	decision.InstructionCallToolsBatch,
	decision.InstructionRequestHumanApprove,
	decision.InstructionResolveAbortedTools,
	decision.InstructionExecTask,
	decision.InstructionExecTasks,
	decision.InstructionFinish,
}
