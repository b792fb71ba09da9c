// Package decision maps what just happened in a conversation to the next actions.
//
// The Agent is a pure function of (RuntimeContext, AgentState): it never
// performs I/O, never blocks and never fails. Every invocation returns at
// least one instruction.
package decision

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/agentcore/internal/intervention"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// TasksSummaryPrompt is appended after a batch of task results so the model
// does not answer with empty output when the last message is a task.
const TasksSummaryPrompt = "All tasks above have been completed. Please summarize the results or continue with your response following user's original request."

// UnknownErrorDetail is the finish detail used when an error phase carries no message.
const UnknownErrorDetail = "Unknown error occurred"

// Async task markers a tool places in its result state to hand work off.
const (
	markerExecTask        = "execTask"
	markerExecTasks       = "execTasks"
	markerExecClientTask  = "execClientTask"
	markerExecClientTasks = "execClientTasks"
)

// Config controls model selection and context compression.
type Config struct {
	Model       string
	Provider    string
	Compression tokens.CompressionConfig
}

// Agent decides the next instructions for a conversation.
type Agent struct {
	cfg      Config
	resolver *intervention.Resolver
}

var _ phaseHandler = (*Agent)(nil)

// New creates an Agent. A nil resolver uses intervention.NewResolver().
func New(cfg Config, resolver *intervention.Resolver) *Agent {
	if resolver == nil {
		resolver = intervention.NewResolver()
	}
	return &Agent{cfg: cfg, resolver: resolver}
}

// Decide returns the instructions for rc. The interrupted check runs before
// any phase-specific logic.
func (a *Agent) Decide(rc RuntimeContext, state models.AgentState) []Instruction {
	payload := rc.Payload
	if payload == nil {
		payload = UnknownPayload{}
	}

	if state.Status == models.StatusInterrupted {
		return a.onInterrupted(payload, state)
	}

	out := payload.dispatch(a, state)
	if len(out) == 0 {
		return []Instruction{Finish{Reason: FinishAgentDecision, Detail: "no instruction for phase " + string(payload.Phase())}}
	}
	if call, ok := out[0].(CallLLM); ok && len(out) == 1 && rc.StepContext != nil {
		call.StepContext = rc.StepContext
		out[0] = call
	}
	return out
}

func (a *Agent) onInterrupted(payload Payload, state models.AgentState) []Instruction {
	pending := payload.pendingTools()
	parentID := payload.parentMessageID()
	if len(pending) == 0 {
		pending, parentID = pendingFromMessages(state.Messages, parentID)
	}
	if len(pending) > 0 {
		return []Instruction{ResolveAbortedTools{
			ToolsCalling:    pending,
			ParentMessageID: parentID,
			Reason:          "operation interrupted",
		}}
	}
	return []Instruction{Finish{Reason: FinishUserRequested, Detail: "operation interrupted"}}
}

func (a *Agent) onInit(p InitPayload, state models.AgentState) []Instruction {
	return a.callOrCompress(state, p.ParentMessageID)
}

func (a *Agent) onUserInput(p UserInputPayload, state models.AgentState) []Instruction {
	return a.callOrCompress(state, p.MessageID)
}

func (a *Agent) callOrCompress(state models.AgentState, parentID string) []Instruction {
	if a.cfg.Compression.NeedsCompression(state.Messages, a.cfg.Model) {
		return []Instruction{CompressContext{
			Messages:        models.CloneMessages(state.Messages),
			ExistingSummary: existingSummary(state.Messages),
		}}
	}
	return []Instruction{a.callLLM(state.Messages, parentID, false)}
}

func (a *Agent) onLLMResult(p LLMResultPayload, state models.AgentState) []Instruction {
	if !p.HasToolsCalling || len(p.ToolsCalling) == 0 {
		return []Instruction{Finish{Reason: FinishCompleted}}
	}

	partition := a.resolver.Resolve(state, p.ToolsCalling)

	var out []Instruction
	switch len(partition.Execute) {
	case 0:
	case 1:
		out = append(out, CallTool{ToolCall: partition.Execute[0], ParentMessageID: p.ParentMessageID})
	default:
		out = append(out, CallToolsBatch{ToolsCalling: partition.Execute, ParentMessageID: p.ParentMessageID})
	}
	if len(partition.NeedsApproval) > 0 {
		out = append(out, RequestHumanApprove{PendingTools: partition.NeedsApproval, ParentMessageID: p.ParentMessageID})
	}
	if len(out) == 0 {
		return []Instruction{Finish{
			Reason: FinishAgentDecision,
			Detail: fmt.Sprintf("all %d tool calls were blocked by security policy", len(partition.Dropped)),
		}}
	}
	return out
}

func (a *Agent) onToolResult(p ToolResultPayload, state models.AgentState) []Instruction {
	if p.Stop {
		if inst, ok := taskInstruction(p.Data, p.ParentMessageID); ok {
			return []Instruction{inst}
		}
	}
	return a.continueAfterTools(state, p.ParentMessageID)
}

func (a *Agent) onToolsBatchResult(p ToolsBatchResultPayload, state models.AgentState) []Instruction {
	for _, r := range p.Results {
		if !r.Stop {
			continue
		}
		if inst, ok := taskInstruction(r.Data, r.ParentMessageID); ok {
			return []Instruction{inst}
		}
	}
	return a.continueAfterTools(state, p.ParentMessageID)
}

func (a *Agent) continueAfterTools(state models.AgentState, parentID string) []Instruction {
	if pending, pendingParent := pendingFromMessages(state.Messages, parentID); len(pending) > 0 {
		return []Instruction{RequestHumanApprove{
			PendingTools:          pending,
			ParentMessageID:       pendingParent,
			SkipCreateToolMessage: true,
		}}
	}
	return []Instruction{a.callLLM(state.Messages, parentID, false)}
}

func (a *Agent) onTaskResult(p TaskResultPayload, state models.AgentState) []Instruction {
	return []Instruction{a.callLLM(state.Messages, p.ParentMessageID, false)}
}

func (a *Agent) onTasksBatchResult(p TasksBatchResultPayload, state models.AgentState) []Instruction {
	messages := models.CloneMessages(state.Messages)
	messages = append(messages, models.Message{
		Role:     models.RoleUser,
		Content:  TasksSummaryPrompt,
		Metadata: map[string]any{"synthetic": true},
	})
	return []Instruction{a.callLLM(messages, p.ParentMessageID, false)}
}

func (a *Agent) onCompressionResult(p CompressionResultPayload, _ models.AgentState) []Instruction {
	return []Instruction{a.callLLM(p.CompressedMessages, "", true)}
}

func (a *Agent) onHumanAbort(p HumanAbortPayload, _ models.AgentState) []Instruction {
	if len(p.ToolsCalling) > 0 {
		return []Instruction{ResolveAbortedTools{
			ToolsCalling:    p.ToolsCalling,
			ParentMessageID: p.ParentMessageID,
			Reason:          p.Reason,
		}}
	}
	return []Instruction{Finish{Reason: FinishUserRequested, Detail: p.Reason}}
}

func (a *Agent) onError(p ErrorPayload, _ models.AgentState) []Instruction {
	detail := p.Message
	if detail == "" {
		detail = UnknownErrorDetail
	}
	return []Instruction{Finish{Reason: FinishErrorRecovery, Detail: detail}}
}

func (a *Agent) onUnknown(p UnknownPayload, _ models.AgentState) []Instruction {
	return []Instruction{Finish{Reason: FinishAgentDecision, Detail: fmt.Sprintf("unknown phase %q", p.Name)}}
}

func (a *Agent) callLLM(messages []models.Message, parentID string, create bool) CallLLM {
	return CallLLM{
		Messages:               models.CloneMessages(messages),
		Model:                  a.cfg.Model,
		Provider:               a.cfg.Provider,
		ParentMessageID:        parentID,
		CreateAssistantMessage: create,
	}
}

// PendingInterventions returns the tool calls of messages awaiting approval.
func PendingInterventions(messages []models.Message) []models.ChatToolPayload {
	pending, _ := pendingFromMessages(messages, "")
	return pending
}

func pendingFromMessages(messages []models.Message, fallbackParent string) ([]models.ChatToolPayload, string) {
	var pending []models.ChatToolPayload
	parentID := fallbackParent
	for _, m := range messages {
		if !m.IsPendingIntervention() || m.Plugin == nil {
			continue
		}
		pending = append(pending, *m.Plugin)
		if m.ParentID != "" {
			parentID = m.ParentID
		}
	}
	return pending, parentID
}

// existingSummary returns the content of the latest compressed group, if any.
func existingSummary(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleCompressedGroup {
			return messages[i].Content
		}
	}
	return ""
}

// taskInstruction converts an async task marker in a tool result state into
// the matching exec instruction.
func taskInstruction(data map[string]any, parentID string) (Instruction, bool) {
	state, ok := data["state"].(map[string]any)
	if !ok {
		return nil, false
	}
	marker, _ := state["type"].(string)
	switch marker {
	case markerExecTask:
		var task models.TaskSpec
		if !decodeInto(state["task"], &task) {
			return nil, false
		}
		return ExecTask{ParentMessageID: parentID, Task: task}, true
	case markerExecTasks:
		var tasks []models.TaskSpec
		if !decodeInto(state["tasks"], &tasks) || len(tasks) == 0 {
			return nil, false
		}
		return ExecTasks{ParentMessageID: parentID, Tasks: tasks}, true
	case markerExecClientTask:
		var task models.TaskSpec
		if !decodeInto(state["task"], &task) {
			return nil, false
		}
		return ExecClientTask{ParentMessageID: parentID, Task: task}, true
	case markerExecClientTasks:
		var tasks []models.TaskSpec
		if !decodeInto(state["tasks"], &tasks) || len(tasks) == 0 {
			return nil, false
		}
		return ExecClientTasks{ParentMessageID: parentID, Tasks: tasks}, true
	default:
		return nil, false
	}
}

func decodeInto(v any, out any) bool {
	if v == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}
