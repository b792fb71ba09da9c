package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/agentcore/internal/decision"
)

var (
	// ErrNoExecutor indicates no executor is registered for an instruction type.
	ErrNoExecutor = errors.New("no executor registered")

	// ErrNoDecider indicates the runtime was built without a decision agent.
	ErrNoDecider = errors.New("no decider configured")

	// ErrOperationCancelled is the cancellation cause of a cancelled Operation.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrOperationFinished indicates Run was given an operation that already
	// completed or failed.
	ErrOperationFinished = errors.New("operation already finished")

	// ErrNotWaiting indicates a resume call on a state that is not waiting for a human.
	ErrNotWaiting = errors.New("state is not waiting for human input")

	// ErrUnknownToolCall indicates a resume call named a tool call that is not pending.
	ErrUnknownToolCall = errors.New("tool call is not pending approval")
)

// StepError reports an executor failure with the step and instruction that
// produced it.
type StepError struct {
	Step        int
	Instruction decision.InstructionType
	Cause       error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Instruction == "" {
		return fmt.Sprintf("step %d: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("step %d: %s: %v", e.Step, e.Instruction, e.Cause)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// IsCancellation reports whether err signals cancellation rather than failure.
// A deadline is treated as a failure: timeouts are not cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrOperationCancelled)
}
