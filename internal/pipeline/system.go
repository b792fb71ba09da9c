package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// injectSystem adds text to the first system message and moves that message
// to the front, creating one when the history has none. Text already present
// is not added again.
func injectSystem(messages []models.Message, text string) ([]models.Message, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return messages, false
	}
	for i := range messages {
		if messages[i].Role != models.RoleSystem {
			continue
		}
		if i > 0 {
			sys := messages[i]
			copy(messages[1:i+1], messages[:i])
			messages[0] = sys
		}
		if strings.Contains(messages[0].Content, text) {
			return messages, false
		}
		if messages[0].Content == "" {
			messages[0].Content = text
		} else {
			messages[0].Content += "\n\n" + text
		}
		return messages, true
	}
	out := make([]models.Message, 0, len(messages)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: text})
	return append(out, messages...), true
}

func tagged(tag, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "<" + tag + ">\n" + body + "\n</" + tag + ">"
}

// systemStage builds a stage that injects render(opts) into the system message.
func systemStage(name string, render func() string) Processor {
	return ProcessorFunc{
		StageName: name,
		Fn: func(ctx context.Context, in Context) (Context, error) {
			var added bool
			in.Messages, added = injectSystem(in.Messages, render())
			if added {
				count(in.Metadata, "system_sections", 1)
			}
			return in, nil
		},
	}
}

func systemRoleStage(opts Options) Processor {
	return systemStage("system_role", func() string { return opts.SystemRole })
}

func userMemoryStage(opts Options) Processor {
	return systemStage("user_memory", func() string { return tagged("user_memory", opts.UserMemory) })
}

func groupContextStage(opts Options) Processor {
	return systemStage("group_context", func() string {
		if !opts.multiAgent() {
			return ""
		}
		return tagged("group_context", renderGroup(opts))
	})
}

func renderGroup(opts Options) string {
	g := opts.Group
	var sb strings.Builder
	self := opts.AgentID
	if m, ok := g.Member(opts.AgentID); ok && m.Name != "" {
		self = m.Name
	}
	if g.Name != "" {
		fmt.Fprintf(&sb, "You are %q in the group %q.\n", self, g.Name)
	} else {
		fmt.Fprintf(&sb, "You are %q in a group conversation.\n", self)
	}
	if opts.isSupervisor() {
		sb.WriteString("You are the supervisor. Coordinate the members with the group-management tool.\n")
	}
	if len(g.Members) > 0 {
		sb.WriteString("Members:\n")
		for _, m := range g.Members {
			name := m.Name
			if name == "" {
				name = m.ID
			}
			line := "- " + name
			if m.Description != "" {
				line += ": " + m.Description
			}
			if m.ID == g.SupervisorID {
				line += " (supervisor)"
			}
			if m.ID == opts.AgentID {
				line += " (you)"
			}
			sb.WriteString(line + "\n")
		}
	}
	sb.WriteString("Messages from other members are shown as user messages that start with a speaker tag.")
	return sb.String()
}

func planStage(opts Options) Processor {
	return systemStage("plan", func() string { return tagged("plan", opts.Plan) })
}

func knowledgeStage(opts Options) Processor {
	return systemStage("knowledge", func() string {
		if len(opts.Knowledge) == 0 {
			return ""
		}
		var sb strings.Builder
		for _, item := range opts.Knowledge {
			if strings.TrimSpace(item.Content) == "" {
				continue
			}
			fmt.Fprintf(&sb, "<file name=%q>\n%s\n</file>\n", item.Name, strings.TrimSpace(item.Content))
		}
		return tagged("knowledge", sb.String())
	})
}

func builderContextStage(opts Options) Processor {
	return systemStage("builder_context", func() string { return tagged("builder_context", opts.BuilderContext) })
}

func toolSystemStage(opts Options) Processor {
	return systemStage("tool_system", func() string { return renderToolSystem(opts.Manifests) })
}

// renderToolSystem describes enabled tools and their usage instructions.
func renderToolSystem(manifests []models.ToolManifest) string {
	if len(manifests) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<tools description=\"The tools you can call\">\n")
	for _, m := range manifests {
		fmt.Fprintf(&sb, "<collection name=%q>\n", m.Identifier)
		if role := strings.TrimSpace(m.SystemRole); role != "" {
			fmt.Fprintf(&sb, "<collection.instructions>%s</collection.instructions>\n", role)
		}
		for _, api := range m.APIs {
			fmt.Fprintf(&sb, "<api identifier=%q>%s</api>\n",
				models.ToolCallingName(m.Identifier, api.Name, m.Type), api.Description)
		}
		sb.WriteString("</collection>\n")
	}
	sb.WriteString("</tools>")
	return sb.String()
}
