package decision

import (
	"github.com/haasonsaas/agentcore/pkg/models"
)

// Phase names the event reported to the agent.
type Phase string

const (
	PhaseInit              Phase = "init"
	PhaseUserInput         Phase = "user_input"
	PhaseLLMResult         Phase = "llm_result"
	PhaseToolResult        Phase = "tool_result"
	PhaseToolsBatchResult  Phase = "tools_batch_result"
	PhaseTaskResult        Phase = "task_result"
	PhaseTasksBatchResult  Phase = "tasks_batch_result"
	PhaseCompressionResult Phase = "compression_result"
	PhaseHumanAbort        Phase = "human_abort"
	PhaseError             Phase = "error"
)

// Payload is the closed set of phase payloads. Each variant dispatches to the
// matching handler method, so adding a phase without handling it does not compile.
type Payload interface {
	Phase() Phase
	dispatch(h phaseHandler, state models.AgentState) []Instruction
	// pendingTools returns tool calls that were in flight when this phase was produced.
	pendingTools() []models.ChatToolPayload
	parentMessageID() string
}

type phaseHandler interface {
	onInit(p InitPayload, state models.AgentState) []Instruction
	onUserInput(p UserInputPayload, state models.AgentState) []Instruction
	onLLMResult(p LLMResultPayload, state models.AgentState) []Instruction
	onToolResult(p ToolResultPayload, state models.AgentState) []Instruction
	onToolsBatchResult(p ToolsBatchResultPayload, state models.AgentState) []Instruction
	onTaskResult(p TaskResultPayload, state models.AgentState) []Instruction
	onTasksBatchResult(p TasksBatchResultPayload, state models.AgentState) []Instruction
	onCompressionResult(p CompressionResultPayload, state models.AgentState) []Instruction
	onHumanAbort(p HumanAbortPayload, state models.AgentState) []Instruction
	onError(p ErrorPayload, state models.AgentState) []Instruction
	onUnknown(p UnknownPayload, state models.AgentState) []Instruction
}

// InitPayload starts a run.
type InitPayload struct {
	ParentMessageID string `json:"parent_message_id,omitempty"`
}

// UserInputPayload reports a new user message.
type UserInputPayload struct {
	MessageID string `json:"message_id,omitempty"`
}

// LLMResultPayload reports a finished model call.
type LLMResultPayload struct {
	HasToolsCalling bool                     `json:"has_tools_calling"`
	ToolsCalling    []models.ChatToolPayload `json:"tools_calling,omitempty"`
	ParentMessageID string                   `json:"parent_message_id"`
	Content         string                   `json:"content,omitempty"`
}

// ToolResultPayload reports a finished tool call.
type ToolResultPayload struct {
	ParentMessageID string         `json:"parent_message_id"`
	ToolCallID      string         `json:"tool_call_id"`
	Data            map[string]any `json:"data,omitempty"`
	IsSuccess       bool           `json:"is_success"`
	// Stop asks the agent not to continue the model loop.
	Stop bool `json:"stop,omitempty"`
}

// ToolsBatchResultPayload reports several finished tool calls.
type ToolsBatchResultPayload struct {
	ParentMessageID string              `json:"parent_message_id"`
	Results         []ToolResultPayload `json:"results"`
}

// TaskResultPayload reports a finished async task.
type TaskResultPayload struct {
	ParentMessageID string            `json:"parent_message_id"`
	Result          models.TaskResult `json:"result"`
}

// TasksBatchResultPayload reports several finished async tasks.
type TasksBatchResultPayload struct {
	ParentMessageID string              `json:"parent_message_id"`
	Results         []models.TaskResult `json:"results"`
}

// CompressionResultPayload carries the compressed conversation.
type CompressionResultPayload struct {
	CompressedMessages []models.Message `json:"compressed_messages"`
	GroupID            string           `json:"group_id,omitempty"`
}

// HumanAbortPayload reports that the user stopped the run.
type HumanAbortPayload struct {
	Reason          string                   `json:"reason,omitempty"`
	ParentMessageID string                   `json:"parent_message_id,omitempty"`
	ToolsCalling    []models.ChatToolPayload `json:"tools_calling,omitempty"`
}

// ErrorPayload reports an executor failure.
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
}

// UnknownPayload carries a phase name the agent does not recognize.
type UnknownPayload struct {
	Name string `json:"name"`
}

func (InitPayload) Phase() Phase              { return PhaseInit }
func (UserInputPayload) Phase() Phase         { return PhaseUserInput }
func (LLMResultPayload) Phase() Phase         { return PhaseLLMResult }
func (ToolResultPayload) Phase() Phase        { return PhaseToolResult }
func (ToolsBatchResultPayload) Phase() Phase  { return PhaseToolsBatchResult }
func (TaskResultPayload) Phase() Phase        { return PhaseTaskResult }
func (TasksBatchResultPayload) Phase() Phase  { return PhaseTasksBatchResult }
func (CompressionResultPayload) Phase() Phase { return PhaseCompressionResult }
func (HumanAbortPayload) Phase() Phase        { return PhaseHumanAbort }
func (ErrorPayload) Phase() Phase             { return PhaseError }
func (p UnknownPayload) Phase() Phase         { return Phase(p.Name) }

func (p InitPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onInit(p, s)
}
func (p UserInputPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onUserInput(p, s)
}
func (p LLMResultPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onLLMResult(p, s)
}
func (p ToolResultPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onToolResult(p, s)
}
func (p ToolsBatchResultPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onToolsBatchResult(p, s)
}
func (p TaskResultPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onTaskResult(p, s)
}
func (p TasksBatchResultPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onTasksBatchResult(p, s)
}
func (p CompressionResultPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onCompressionResult(p, s)
}
func (p HumanAbortPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onHumanAbort(p, s)
}
func (p ErrorPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onError(p, s)
}
func (p UnknownPayload) dispatch(h phaseHandler, s models.AgentState) []Instruction {
	return h.onUnknown(p, s)
}

func (InitPayload) pendingTools() []models.ChatToolPayload              { return nil }
func (UserInputPayload) pendingTools() []models.ChatToolPayload         { return nil }
func (p LLMResultPayload) pendingTools() []models.ChatToolPayload       { return p.ToolsCalling }
func (ToolResultPayload) pendingTools() []models.ChatToolPayload        { return nil }
func (ToolsBatchResultPayload) pendingTools() []models.ChatToolPayload  { return nil }
func (TaskResultPayload) pendingTools() []models.ChatToolPayload        { return nil }
func (TasksBatchResultPayload) pendingTools() []models.ChatToolPayload  { return nil }
func (CompressionResultPayload) pendingTools() []models.ChatToolPayload { return nil }
func (p HumanAbortPayload) pendingTools() []models.ChatToolPayload      { return p.ToolsCalling }
func (ErrorPayload) pendingTools() []models.ChatToolPayload             { return nil }
func (UnknownPayload) pendingTools() []models.ChatToolPayload           { return nil }

func (p InitPayload) parentMessageID() string              { return p.ParentMessageID }
func (p UserInputPayload) parentMessageID() string         { return p.MessageID }
func (p LLMResultPayload) parentMessageID() string         { return p.ParentMessageID }
func (p ToolResultPayload) parentMessageID() string        { return p.ParentMessageID }
func (p ToolsBatchResultPayload) parentMessageID() string  { return p.ParentMessageID }
func (p TaskResultPayload) parentMessageID() string        { return p.ParentMessageID }
func (p TasksBatchResultPayload) parentMessageID() string  { return p.ParentMessageID }
func (CompressionResultPayload) parentMessageID() string   { return "" }
func (p HumanAbortPayload) parentMessageID() string        { return p.ParentMessageID }
func (ErrorPayload) parentMessageID() string               { return "" }
func (UnknownPayload) parentMessageID() string             { return "" }

// Session holds lightweight progress counters.
type Session struct {
	SessionID    string             `json:"session_id,omitempty"`
	MessageCount int                `json:"message_count"`
	StepCount    int                `json:"step_count"`
	Status       models.AgentStatus `json:"status,omitempty"`
}

// StepContext is derived fresh from persisted messages before every step.
type StepContext struct {
	StepIndex int           `json:"step_index"`
	Todos     []models.Todo `json:"todos,omitempty"`
}

// RuntimeContext is the "what just happened" envelope consumed once per step.
type RuntimeContext struct {
	Payload     Payload      `json:"-"`
	Session     Session      `json:"session"`
	StepContext *StepContext `json:"step_context,omitempty"`
}

// Phase returns the payload's phase, or "" for an empty context.
func (rc RuntimeContext) Phase() Phase {
	if rc.Payload == nil {
		return ""
	}
	return rc.Payload.Phase()
}

// NewContext builds a context for payload with session counters taken from state.
func NewContext(payload Payload, state models.AgentState) RuntimeContext {
	sessionID, _ := state.Metadata["session_id"].(string)
	return RuntimeContext{
		Payload: payload,
		Session: Session{
			SessionID:    sessionID,
			MessageCount: len(state.Messages),
			StepCount:    state.StepCount,
			Status:       state.Status,
		},
	}
}
