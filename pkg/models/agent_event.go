// Package models provides the serializable domain types shared by the agent runtime.
package models

import (
	"time"
)

// AgentEvent is the unified event emitted by the runtime for hosts and UIs.
//
// A single Type discriminator selects which payload pointer is set.
// Sequence is monotonic within one operation.
type AgentEvent struct {
	Type        AgentEventType `json:"type"`
	Time        time.Time      `json:"time"`
	Sequence    uint64         `json:"seq"`
	OperationID string         `json:"operation_id,omitempty"`
	StepIndex   int            `json:"step_index,omitempty"`

	Done        *DoneEventPayload        `json:"done,omitempty"`
	Error       *ErrorEventPayload       `json:"error,omitempty"`
	Step        *StepEventPayload        `json:"step,omitempty"`
	Stream      *StreamEventPayload      `json:"stream,omitempty"`
	Tool        *ToolEventPayload        `json:"tool,omitempty"`
	Instruction *InstructionEventPayload `json:"instruction,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Terminal events
	AgentEventDone  AgentEventType = "done"
	AgentEventError AgentEventType = "error"

	// Step lifecycle
	AgentEventStepStarted  AgentEventType = "step.started"
	AgentEventStepFinished AgentEventType = "step.finished"
	AgentEventInstruction  AgentEventType = "instruction"

	// Model streaming
	AgentEventStreamStart AgentEventType = "stream.start"
	AgentEventStreamDelta AgentEventType = "stream.delta"
	AgentEventStreamEnd   AgentEventType = "stream.end"

	// Tool execution
	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolFinished AgentEventType = "tool.finished"
)

// IsTerminal reports whether the event ends a run.
func (t AgentEventType) IsTerminal() bool {
	return t == AgentEventDone || t == AgentEventError
}

// DoneEventPayload carries the final state of a finished run.
type DoneEventPayload struct {
	Reason     string      `json:"reason"`
	Detail     string      `json:"detail,omitempty"`
	FinalState *AgentState `json:"final_state,omitempty"`
}

// ErrorEventPayload standardizes errors for hosts.
type ErrorEventPayload struct {
	Message string `json:"message"`
	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`
	// Err is the original error, kept for errors.Is/errors.As at runtime.
	Err error `json:"-"`
}

// StepEventPayload describes one decide/execute cycle.
type StepEventPayload struct {
	Phase        string        `json:"phase"`
	Instructions []string      `json:"instructions,omitempty"`
	Status       AgentStatus   `json:"status,omitempty"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
}

// InstructionEventPayload names an instruction about to be executed.
type InstructionEventPayload struct {
	Type string `json:"type"`
}

// StreamEventPayload represents model streaming deltas and completion metadata.
type StreamEventPayload struct {
	MessageID string `json:"message_id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes a tool invocation.
type ToolEventPayload struct {
	CallID     string        `json:"call_id,omitempty"`
	Identifier string        `json:"identifier,omitempty"`
	APIName    string        `json:"api_name,omitempty"`
	Success    bool          `json:"success,omitempty"`
	Stop       bool          `json:"stop,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// NewDoneEvent builds a terminal done event.
func NewDoneEvent(state AgentState, reason, detail string) AgentEvent {
	final := state.Clone()
	return AgentEvent{
		Type:        AgentEventDone,
		Time:        time.Now(),
		OperationID: state.OperationID,
		StepIndex:   state.StepCount,
		Done:        &DoneEventPayload{Reason: reason, Detail: detail, FinalState: &final},
	}
}

// NewErrorEvent builds a terminal error event.
func NewErrorEvent(operationID string, err error) AgentEvent {
	payload := &ErrorEventPayload{Err: err}
	if err != nil {
		payload.Message = err.Error()
	}
	return AgentEvent{
		Type:        AgentEventError,
		Time:        time.Now(),
		OperationID: operationID,
		Error:       payload,
	}
}
