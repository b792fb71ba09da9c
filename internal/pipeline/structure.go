package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// CompressedSummaryIntro precedes a compressed history summary.
const CompressedSummaryIntro = "The following is a summary of earlier conversation that was compressed to save context:"

// flattenStage expands aggregate roles into their children.
func flattenStage() Processor {
	return ProcessorFunc{
		StageName: "flatten_aggregates",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			out := make([]models.Message, 0, len(in.Messages))
			n := 0
			for _, msg := range in.Messages {
				if msg.Role == models.RoleTask {
					out = append(out, taskAsAssistant(msg))
					continue
				}
				if !msg.Role.IsAggregate() {
					out = append(out, msg)
					continue
				}
				n++
				out = append(out, flatten(msg)...)
			}
			count(in.Metadata, "flattened", n)
			in.Messages = out
			return in, nil
		},
	}
}

func flatten(parent models.Message) []models.Message {
	var out []models.Message
	for _, child := range parent.Children {
		if child.AgentID == "" {
			child.AgentID = parent.AgentID
		}
		if child.GroupID == "" {
			child.GroupID = parent.GroupID
		}
		if child.TopicID == "" {
			child.TopicID = parent.TopicID
		}
		if child.Role.IsAggregate() {
			out = append(out, flatten(child)...)
			continue
		}
		if child.Role == models.RoleTask {
			child = taskAsAssistant(child)
		}
		out = append(out, child)
	}
	return out
}

// taskAsAssistant renders an async task result as an assistant turn.
func taskAsAssistant(msg models.Message) models.Message {
	msg.Role = models.RoleAssistant
	title := ""
	status := ""
	if msg.TaskDetail != nil {
		title = msg.TaskDetail.Title
		status = string(msg.TaskDetail.Status)
		if msg.Content == "" && msg.TaskDetail.Error != "" {
			msg.Content = "Error: " + msg.TaskDetail.Error
		}
	}
	msg.Content = fmt.Sprintf("<task_result title=%q status=%q>\n%s\n</task_result>", title, status, msg.Content)
	msg.TaskDetail = nil
	return msg
}

// supervisorRoleStage restores supervisor messages to plain assistant turns.
func supervisorRoleStage(opts Options) Processor {
	return ProcessorFunc{
		StageName: "supervisor_role",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			n := 0
			for i := range in.Messages {
				msg := &in.Messages[i]
				if msg.Role != models.RoleSupervisor {
					continue
				}
				msg.Role = models.RoleAssistant
				if msg.AgentID == "" && opts.Group != nil {
					msg.AgentID = opts.Group.SupervisorID
				}
				n++
			}
			count(in.Metadata, "supervisor_restored", n)
			return in, nil
		},
	}
}

// compressedGroupStage turns compressed history into a marked user message.
func compressedGroupStage() Processor {
	return ProcessorFunc{
		StageName: "compressed_group",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			n := 0
			for i := range in.Messages {
				msg := &in.Messages[i]
				if msg.Role != models.RoleCompressedGroup {
					continue
				}
				msg.Role = models.RoleUser
				msg.Content = CompressedSummaryIntro + "\n<compressed_history_summary>\n" +
					strings.TrimSpace(msg.Content) + "\n</compressed_history_summary>"
				msg.Children = nil
				n++
			}
			count(in.Metadata, "compressed_groups", n)
			return in, nil
		},
	}
}

// orchestrationFilterStage hides the supervisor's coordination tool traffic
// from participants. The supervisor still sees its own calls.
func orchestrationFilterStage(opts Options) Processor {
	return ProcessorFunc{
		StageName: "orchestration_filter",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			if !opts.multiAgent() || opts.isSupervisor() {
				return in, nil
			}
			dropped := make(map[string]bool)
			out := make([]models.Message, 0, len(in.Messages))
			n := 0
			for _, msg := range in.Messages {
				switch msg.Role {
				case models.RoleAssistant:
					if !fromSupervisor(msg, opts) || len(msg.Tools) == 0 {
						break
					}
					kept := msg.Tools[:0:0]
					for _, tool := range msg.Tools {
						if toolargs.IsOrchestrationAPI(tool.Identifier, tool.APIName) {
							dropped[tool.ID] = true
							n++
							continue
						}
						kept = append(kept, tool)
					}
					msg.Tools = kept
					if len(msg.Tools) == 0 && strings.TrimSpace(msg.Content) == "" {
						continue
					}
				case models.RoleTool:
					if dropped[msg.ToolCallID] {
						n++
						continue
					}
					if msg.Plugin != nil && fromSupervisor(msg, opts) &&
						toolargs.IsOrchestrationAPI(msg.Plugin.Identifier, msg.Plugin.APIName) {
						n++
						continue
					}
				}
				out = append(out, msg)
			}
			count(in.Metadata, "orchestration_filtered", n)
			in.Messages = out
			return in, nil
		},
	}
}

func fromSupervisor(msg models.Message, opts Options) bool {
	return opts.Group != nil && opts.Group.SupervisorID != "" && msg.AgentID == opts.Group.SupervisorID
}

// groupRewriteStage presents other agents' turns as attributed user messages.
func groupRewriteStage(opts Options) Processor {
	return ProcessorFunc{
		StageName: "group_rewrite",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			if !opts.multiAgent() {
				return in, nil
			}
			n := 0
			for i := range in.Messages {
				msg := &in.Messages[i]
				if msg.AgentID == "" || msg.AgentID == opts.AgentID {
					continue
				}
				if msg.Role != models.RoleAssistant && msg.Role != models.RoleTool {
					continue
				}
				rewriteForeign(msg, speakerName(opts.Group, msg.AgentID))
				n++
			}
			count(in.Metadata, "rewritten", n)
			return in, nil
		},
	}
}

func speakerName(g *Group, agentID string) string {
	if m, ok := g.Member(agentID); ok && m.Name != "" {
		return m.Name
	}
	return agentID
}

// SpeakerTag marks who authored a rewritten message.
func SpeakerTag(name string) string {
	return fmt.Sprintf("<speaker name=%q />", name)
}

func rewriteForeign(msg *models.Message, speaker string) {
	var sb strings.Builder
	sb.WriteString(SpeakerTag(speaker))
	switch msg.Role {
	case models.RoleAssistant:
		if c := strings.TrimSpace(msg.Content); c != "" {
			sb.WriteString("\n" + c)
		}
		for _, tool := range msg.Tools {
			fmt.Fprintf(&sb, "\n<tool_use>\n<id>%s</id>\n<name>%s</name>\n<arguments>%s</arguments>\n</tool_use>",
				tool.ID, models.ToolCallingName(tool.Identifier, tool.APIName, tool.Type), tool.Arguments)
		}
	case models.RoleTool:
		name := ""
		if msg.Plugin != nil {
			name = models.ToolCallingName(msg.Plugin.Identifier, msg.Plugin.APIName, msg.Plugin.Type)
		}
		fmt.Fprintf(&sb, "\n<tool_result id=%q name=%q>\n%s\n</tool_result>", msg.ToolCallID, name, msg.Content)
	}
	msg.Role = models.RoleUser
	msg.Content = sb.String()
	msg.Tools = nil
	msg.ToolCalls = nil
	msg.ToolCallID = ""
	msg.Plugin = nil
	msg.Intervention = nil
}
