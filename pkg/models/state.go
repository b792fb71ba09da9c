package models

import "time"

// AgentStatus is the lifecycle status of one conversation run.
type AgentStatus string

const (
	StatusRunning         AgentStatus = "running"
	StatusWaitingForHuman AgentStatus = "waiting_for_human"
	StatusInterrupted     AgentStatus = "interrupted"
	StatusDone            AgentStatus = "done"
	StatusError           AgentStatus = "error"
)

// IsTerminal reports whether the state can no longer change.
func (s AgentStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// ApprovalMode controls how tool calls are routed to a human.
type ApprovalMode string

const (
	ApprovalManual    ApprovalMode = "manual"
	ApprovalAutoRun   ApprovalMode = "auto-run"
	ApprovalAllowList ApprovalMode = "allow-list"
	ApprovalHeadless  ApprovalMode = "headless"
)

// UserInterventionConfig is the user's approval preference.
type UserInterventionConfig struct {
	ApprovalMode ApprovalMode `json:"approval_mode,omitempty" yaml:"approval_mode,omitempty"`
	// AllowList holds "identifier/apiName" keys executed without approval in allow-list mode.
	AllowList []string `json:"allow_list,omitempty" yaml:"allow_list,omitempty"`
}

// Mode returns the approval mode, defaulting to manual.
func (c UserInterventionConfig) Mode() ApprovalMode {
	if c.ApprovalMode == "" {
		return ApprovalManual
	}
	return c.ApprovalMode
}

// MatchType selects how a blacklist pattern is compared.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchWildcard MatchType = "wildcard"
	MatchRegex    MatchType = "regex"
)

// ArgumentMatcher matches one argument value.
type ArgumentMatcher struct {
	Pattern string    `json:"pattern" yaml:"pattern"`
	Type    MatchType `json:"type,omitempty" yaml:"type,omitempty"`
}

// SecurityBlacklistRule blocks a call when every matcher matches its argument.
// Match keys are dot-separated argument paths.
type SecurityBlacklistRule struct {
	Description string                     `json:"description,omitempty" yaml:"description,omitempty"`
	Match       map[string]ArgumentMatcher `json:"match" yaml:"match"`
}

// AgentState is the authoritative, serializable snapshot of one conversation run.
type AgentState struct {
	OperationID string      `json:"operation_id"`
	Status      AgentStatus `json:"status"`
	Messages    []Message   `json:"messages"`

	ToolManifestMap     map[string]ToolManifest `json:"tool_manifest_map,omitempty"`
	PendingToolsCalling []ChatToolPayload       `json:"pending_tools_calling,omitempty"`

	UserInterventionConfig UserInterventionConfig  `json:"user_intervention_config"`
	SecurityBlacklist      []SecurityBlacklistRule `json:"security_blacklist,omitempty"`

	Usage Usage `json:"usage"`
	Cost  Cost  `json:"cost"`

	StepCount int `json:"step_count"`

	// WaitingSince is set while the run waits for a human decision.
	WaitingSince time.Time `json:"waiting_since,omitempty"`
	Error        string    `json:"error,omitempty"`

	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastModified time.Time      `json:"last_modified"`
}

// NewAgentState returns a running state for a conversation turn.
func NewAgentState(operationID string, messages []Message) AgentState {
	now := time.Now()
	return AgentState{
		OperationID:     operationID,
		Status:          StatusRunning,
		Messages:        CloneMessages(messages),
		ToolManifestMap: map[string]ToolManifest{},
		Usage:           NewUsage(),
		Cost:            NewCost(),
		CreatedAt:       now,
		LastModified:    now,
	}
}

// Clone returns a deep copy so executors never mutate a caller's snapshot.
func (s AgentState) Clone() AgentState {
	out := s
	out.Messages = CloneMessages(s.Messages)
	if s.ToolManifestMap != nil {
		out.ToolManifestMap = make(map[string]ToolManifest, len(s.ToolManifestMap))
		for k, v := range s.ToolManifestMap {
			out.ToolManifestMap[k] = v
		}
	}
	if s.PendingToolsCalling != nil {
		out.PendingToolsCalling = append([]ChatToolPayload(nil), s.PendingToolsCalling...)
	}
	out.UserInterventionConfig.AllowList = append([]string(nil), s.UserInterventionConfig.AllowList...)
	if s.SecurityBlacklist != nil {
		out.SecurityBlacklist = append([]SecurityBlacklistRule(nil), s.SecurityBlacklist...)
	}
	out.Usage = s.Usage.Clone()
	out.Cost = s.Cost.Clone()
	out.Metadata = cloneMap(s.Metadata)
	return out
}

// MessageIndex returns the index of the message with the given id, or -1.
func (s AgentState) MessageIndex(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Touch updates LastModified.
func (s *AgentState) Touch() {
	s.LastModified = time.Now()
}
