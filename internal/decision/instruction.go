package decision

import "github.com/haasonsaas/agentcore/pkg/models"

// InstructionType tags an instruction for executor lookup.
type InstructionType string

const (
	InstructionCallLLM             InstructionType = "call_llm"
	InstructionCallTool            InstructionType = "call_tool"
	InstructionCallToolsBatch      InstructionType = "call_tools_batch"
	InstructionRequestHumanApprove InstructionType = "request_human_approve"
	InstructionResolveAbortedTools InstructionType = "resolve_aborted_tools"
	InstructionCompressContext     InstructionType = "compress_context"
	InstructionExecTask            InstructionType = "exec_task"
	InstructionExecTasks           InstructionType = "exec_tasks"
	InstructionExecClientTask      InstructionType = "exec_client_task"
	InstructionExecClientTasks     InstructionType = "exec_client_tasks"
	InstructionFinish              InstructionType = "finish"
)

// Instruction is one requested next action. The set of variants is closed.
type Instruction interface {
	Type() InstructionType
	isInstruction()
}

// FinishReason explains why a run ended.
type FinishReason string

const (
	FinishCompleted        FinishReason = "completed"
	FinishUserRequested    FinishReason = "user_requested"
	FinishErrorRecovery    FinishReason = "error_recovery"
	FinishAgentDecision    FinishReason = "agent_decision"
	FinishMaxStepsExceeded FinishReason = "max_steps_exceeded"
)

// CallLLM asks for a model call over Messages.
type CallLLM struct {
	Messages        []models.Message `json:"messages"`
	Model           string           `json:"model,omitempty"`
	Provider        string           `json:"provider,omitempty"`
	ParentMessageID string           `json:"parent_message_id,omitempty"`
	// CreateAssistantMessage forces a new assistant message instead of
	// reusing an empty placeholder.
	CreateAssistantMessage bool         `json:"create_assistant_message,omitempty"`
	StepContext            *StepContext `json:"step_context,omitempty"`
}

// CallTool runs one tool call.
type CallTool struct {
	ToolCall        models.ChatToolPayload `json:"tool_call"`
	ParentMessageID string                 `json:"parent_message_id"`
	// SkipCreateToolMessage reuses the tool message created at approval time.
	SkipCreateToolMessage bool `json:"skip_create_tool_message,omitempty"`
}

// CallToolsBatch runs several tool calls.
type CallToolsBatch struct {
	ToolsCalling    []models.ChatToolPayload `json:"tools_calling"`
	ParentMessageID string                   `json:"parent_message_id"`
}

// RequestHumanApprove parks tool calls until a human decides.
type RequestHumanApprove struct {
	PendingTools          []models.ChatToolPayload `json:"pending_tools"`
	ParentMessageID       string                   `json:"parent_message_id"`
	SkipCreateToolMessage bool                     `json:"skip_create_tool_message,omitempty"`
}

// ResolveAbortedTools marks tool calls interrupted by cancellation as aborted.
type ResolveAbortedTools struct {
	ToolsCalling    []models.ChatToolPayload `json:"tools_calling"`
	ParentMessageID string                   `json:"parent_message_id,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
}

// CompressContext summarizes the conversation.
type CompressContext struct {
	Messages        []models.Message `json:"messages"`
	ExistingSummary string           `json:"existing_summary,omitempty"`
}

// ExecTask hands one task to the async backend.
type ExecTask struct {
	ParentMessageID string          `json:"parent_message_id"`
	Task            models.TaskSpec `json:"task"`
}

// ExecTasks hands several tasks to the async backend.
type ExecTasks struct {
	ParentMessageID string            `json:"parent_message_id"`
	Tasks           []models.TaskSpec `json:"tasks"`
}

// ExecClientTask hands one task to the client-side runner.
type ExecClientTask struct {
	ParentMessageID string          `json:"parent_message_id"`
	Task            models.TaskSpec `json:"task"`
}

// ExecClientTasks hands several tasks to the client-side runner.
type ExecClientTasks struct {
	ParentMessageID string            `json:"parent_message_id"`
	Tasks           []models.TaskSpec `json:"tasks"`
}

// Finish ends the run.
type Finish struct {
	Reason FinishReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

func (CallLLM) Type() InstructionType             { return InstructionCallLLM }
func (CallTool) Type() InstructionType            { return InstructionCallTool }
func (CallToolsBatch) Type() InstructionType      { return InstructionCallToolsBatch }
func (RequestHumanApprove) Type() InstructionType { return InstructionRequestHumanApprove }
func (ResolveAbortedTools) Type() InstructionType { return InstructionResolveAbortedTools }
func (CompressContext) Type() InstructionType     { return InstructionCompressContext }
func (ExecTask) Type() InstructionType            { return InstructionExecTask }
func (ExecTasks) Type() InstructionType           { return InstructionExecTasks }
func (ExecClientTask) Type() InstructionType      { return InstructionExecClientTask }
func (ExecClientTasks) Type() InstructionType     { return InstructionExecClientTasks }
func (Finish) Type() InstructionType              { return InstructionFinish }

func (CallLLM) isInstruction()             {}
func (CallTool) isInstruction()            {}
func (CallToolsBatch) isInstruction()      {}
func (RequestHumanApprove) isInstruction() {}
func (ResolveAbortedTools) isInstruction() {}
func (CompressContext) isInstruction()     {}
func (ExecTask) isInstruction()            {}
func (ExecTasks) isInstruction()           {}
func (ExecClientTask) isInstruction()      {}
func (ExecClientTasks) isInstruction()     {}
func (Finish) isInstruction()              {}
