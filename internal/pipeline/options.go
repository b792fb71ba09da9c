package pipeline

import (
	"log/slog"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Capabilities describes what the target model accepts.
type Capabilities struct {
	FunctionCalling bool `json:"function_calling" yaml:"function_calling"`
	Vision          bool `json:"vision" yaml:"vision"`
	Video           bool `json:"video" yaml:"video"`
}

// DefaultCapabilities is a modern chat model: tools and images, no video.
func DefaultCapabilities() Capabilities {
	return Capabilities{FunctionCalling: true, Vision: true}
}

// Member is one agent in a group conversation.
type Member struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Group describes a multi-agent conversation.
type Group struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	SupervisorID string   `json:"supervisor_id,omitempty"`
	Members      []Member `json:"members,omitempty"`
}

// Member returns the member with id.
func (g *Group) Member(id string) (Member, bool) {
	if g == nil {
		return Member{}, false
	}
	for _, m := range g.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// KnowledgeItem is a knowledge-base document or file excerpt.
type KnowledgeItem struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// PageEditor is the document the user is editing.
type PageEditor struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Options describes the agent whose view is being built.
type Options struct {
	// AgentID is the agent the messages are prepared for.
	AgentID string
	Model   string

	Capabilities Capabilities

	SystemRole     string
	UserMemory     string
	Group          *Group
	Plan           string
	Knowledge      []KnowledgeItem
	BuilderContext string

	// Manifests are the tools enabled for this call.
	Manifests []models.ToolManifest

	PageEditor     *PageEditor
	PageSelections []string
	Todos          []models.Todo

	Logger *slog.Logger
}

// multiAgent reports whether the conversation involves a group.
func (o Options) multiAgent() bool {
	return o.Group != nil && (o.Group.SupervisorID != "" || len(o.Group.Members) > 0)
}

// isSupervisor reports whether the view is being built for the supervisor.
func (o Options) isSupervisor() bool {
	return o.Group != nil && o.Group.SupervisorID != "" && o.Group.SupervisorID == o.AgentID
}

// New builds the standard engine. Stage order is fixed.
func New(opts Options) *Engine {
	return NewEngine(opts.Logger,
		// System role assembly.
		systemRoleStage(opts),
		userMemoryStage(opts),
		groupContextStage(opts),
		planStage(opts),
		knowledgeStage(opts),
		builderContextStage(opts),
		toolSystemStage(opts),

		// Context injection.
		pageEditorStage(opts),
		todoStage(opts),

		// Structural normalization.
		flattenStage(),
		supervisorRoleStage(opts),
		compressedGroupStage(),
		orchestrationFilterStage(opts),
		groupRewriteStage(opts),

		// Finalization.
		reactionStage(),
		multimodalStage(opts),
		toolCallStage(opts),
		toolResultOrderStage(),
		cleanupStage(),
	)
}
