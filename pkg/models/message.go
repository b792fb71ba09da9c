package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleTask      Role = "task"

	// Aggregate roles group several persisted messages under one parent.
	RoleTasks          Role = "tasks"
	RoleGroupTasks     Role = "groupTasks"
	RoleAssistantGroup Role = "assistantGroup"
	RoleAgentCouncil   Role = "agentCouncil"

	// Multi-agent roles.
	RoleSupervisor      Role = "supervisor"
	RoleCompressedGroup Role = "compressedGroup"
)

// IsAggregate reports whether the role wraps child messages.
func (r Role) IsAggregate() bool {
	switch r {
	case RoleTasks, RoleGroupTasks, RoleAssistantGroup, RoleAgentCouncil:
		return true
	default:
		return false
	}
}

// InterventionStatus tracks the human-approval lifecycle of a tool message.
type InterventionStatus string

const (
	InterventionPending  InterventionStatus = "pending"
	InterventionApproved InterventionStatus = "approved"
	InterventionRejected InterventionStatus = "rejected"
	InterventionAborted  InterventionStatus = "aborted"
)

// Intervention is attached to tool messages that went through human approval.
type Intervention struct {
	Status         InterventionStatus `json:"status"`
	RejectedReason string             `json:"rejected_reason,omitempty"`
}

// MediaItem is an image or video attached to a message.
type MediaItem struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Alt      string `json:"alt,omitempty"`
}

// Reaction is an emoji reaction left by the user on an assistant message.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count,omitempty"`
}

// ContentPartType identifies a multimodal content part.
type ContentPartType string

const (
	ContentPartText  ContentPartType = "text"
	ContentPartImage ContentPartType = "image_url"
	ContentPartVideo ContentPartType = "video_url"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text,omitempty"`
	URL  string          `json:"url,omitempty"`
}

// ToolCall is the function-calling representation a model API expects.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TaskDetail describes an async task placeholder message.
type TaskDetail struct {
	ThreadID  string     `json:"thread_id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Status    TaskStatus `json:"status,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	Duration  int64      `json:"duration_ms,omitempty"`
	Client    bool       `json:"client,omitempty"`
}

// Message is one persisted conversation entry.
//
// Internal fields (agent/group/topic ids, plugin payloads, interventions,
// reactions, children, metadata) are consumed by the context pipeline and
// stripped before the message list reaches a model.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`

	// Tools holds the tool calls an assistant message requested.
	Tools []ChatToolPayload `json:"tools,omitempty"`

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Plugin is the call a tool message answers.
	Plugin       *ChatToolPayload `json:"plugin,omitempty"`
	PluginState  map[string]any   `json:"plugin_state,omitempty"`
	PluginError  string           `json:"plugin_error,omitempty"`
	Intervention *Intervention    `json:"intervention,omitempty"`

	AgentID  string `json:"agent_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	TopicID  string `json:"topic_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`

	Imgs      []MediaItem `json:"imgs,omitempty"`
	Videos    []MediaItem `json:"videos,omitempty"`
	Reactions []Reaction  `json:"reactions,omitempty"`

	// Children holds the members of an aggregate role message.
	Children []Message `json:"children,omitempty"`

	TaskDetail *TaskDetail `json:"task_detail,omitempty"`

	// Model-facing fields produced by the context pipeline.
	Name      string        `json:"name,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Tools != nil {
		out.Tools = append([]ChatToolPayload(nil), m.Tools...)
	}
	if m.Plugin != nil {
		p := *m.Plugin
		out.Plugin = &p
	}
	out.PluginState = cloneMap(m.PluginState)
	if m.Intervention != nil {
		iv := *m.Intervention
		out.Intervention = &iv
	}
	if m.Imgs != nil {
		out.Imgs = append([]MediaItem(nil), m.Imgs...)
	}
	if m.Videos != nil {
		out.Videos = append([]MediaItem(nil), m.Videos...)
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.Children != nil {
		out.Children = CloneMessages(m.Children)
	}
	if m.TaskDetail != nil {
		td := *m.TaskDetail
		out.TaskDetail = &td
	}
	if m.Parts != nil {
		out.Parts = append([]ContentPart(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	out.Metadata = cloneMap(m.Metadata)
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// IsPendingIntervention reports whether a tool message awaits human approval.
func (m Message) IsPendingIntervention() bool {
	return m.Role == RoleTool && m.Intervention != nil && m.Intervention.Status == InterventionPending
}

// cloneMap copies a JSON-like map. Nested values are copied through a JSON
// round trip so callers never share mutable state.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
