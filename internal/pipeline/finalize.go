package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// MissingToolResult stands in for a tool call that never produced a result.
const MissingToolResult = "No result was recorded for this tool call."

// reactionStage tells the model how the user reacted to its earlier replies.
func reactionStage() Processor {
	return ProcessorFunc{
		StageName: "reactions",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			n := 0
			for i, msg := range in.Messages {
				if msg.Role != models.RoleAssistant || len(msg.Reactions) == 0 {
					continue
				}
				next := -1
				for j := i + 1; j < len(in.Messages); j++ {
					if in.Messages[j].Role == models.RoleUser {
						next = j
						break
					}
				}
				if next < 0 {
					continue
				}
				emojis := make([]string, 0, len(msg.Reactions))
				for _, r := range msg.Reactions {
					emojis = append(emojis, r.Emoji)
				}
				note := fmt.Sprintf("<user_feedback>The user reacted to your previous reply with %s</user_feedback>", strings.Join(emojis, " "))
				target := &in.Messages[next]
				if strings.Contains(target.Content, note) {
					continue
				}
				target.Content = note + "\n\n" + target.Content
				n++
			}
			count(in.Metadata, "reactions", n)
			return in, nil
		},
	}
}

// multimodalStage encodes attached media as content parts the model accepts.
// Media the model cannot take is referenced in text instead.
func multimodalStage(opts Options) Processor {
	return ProcessorFunc{
		StageName: "multimodal",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			for i := range in.Messages {
				msg := &in.Messages[i]
				if len(msg.Imgs) == 0 && len(msg.Videos) == 0 {
					continue
				}
				var (
					parts []models.ContentPart
					notes []string
				)
				canAttach := msg.Role == models.RoleUser
				for _, img := range msg.Imgs {
					if canAttach && opts.Capabilities.Vision {
						parts = append(parts, models.ContentPart{Type: models.ContentPartImage, URL: img.URL})
						continue
					}
					notes = append(notes, mediaNote("image", img))
				}
				for _, v := range msg.Videos {
					if canAttach && opts.Capabilities.Video {
						parts = append(parts, models.ContentPart{Type: models.ContentPartVideo, URL: v.URL})
						continue
					}
					notes = append(notes, mediaNote("video", v))
				}
				if len(notes) > 0 {
					msg.Content = strings.TrimSpace(msg.Content + "\n\n" + strings.Join(notes, "\n"))
				}
				if len(parts) > 0 {
					text := []models.ContentPart{}
					if msg.Content != "" {
						text = append(text, models.ContentPart{Type: models.ContentPartText, Text: msg.Content})
					}
					msg.Parts = append(text, parts...)
				}
				msg.Imgs, msg.Videos = nil, nil
			}
			return in, nil
		},
	}
}

func mediaNote(kind string, item models.MediaItem) string {
	if item.Alt != "" {
		return fmt.Sprintf("[%s: %s (%s)]", kind, item.URL, item.Alt)
	}
	return fmt.Sprintf("[%s: %s]", kind, item.URL)
}

// toolCallStage converts tool payloads into the function-calling format, or
// into inline markup when the model cannot call functions.
func toolCallStage(opts Options) Processor {
	return ProcessorFunc{
		StageName: "tool_calls",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			for i := range in.Messages {
				msg := &in.Messages[i]
				if msg.Role == models.RoleTool && msg.ToolCallID == "" && msg.Plugin != nil {
					msg.ToolCallID = msg.Plugin.ID
				}
				if msg.Role == models.RoleTool && msg.Content == "" {
					msg.Content = toolResultText(*msg)
				}
			}
			if opts.Capabilities.FunctionCalling {
				for i := range in.Messages {
					msg := &in.Messages[i]
					if msg.Role != models.RoleAssistant || len(msg.Tools) == 0 {
						continue
					}
					msg.ToolCalls = make([]models.ToolCall, 0, len(msg.Tools))
					for _, tool := range msg.Tools {
						args := tool.Arguments
						if strings.TrimSpace(args) == "" {
							args = "{}"
						}
						msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
							ID:        tool.ID,
							Type:      "function",
							Name:      models.ToolCallingName(tool.Identifier, tool.APIName, tool.Type),
							Arguments: args,
						})
					}
				}
				return in, nil
			}

			for i := range in.Messages {
				msg := &in.Messages[i]
				switch msg.Role {
				case models.RoleAssistant:
					if len(msg.Tools) == 0 {
						continue
					}
					var sb strings.Builder
					sb.WriteString(msg.Content)
					for _, tool := range msg.Tools {
						fmt.Fprintf(&sb, "\n<tool_use>\n<id>%s</id>\n<name>%s</name>\n<arguments>%s</arguments>\n</tool_use>",
							tool.ID, models.ToolCallingName(tool.Identifier, tool.APIName, tool.Type), tool.Arguments)
					}
					msg.Content = strings.TrimSpace(sb.String())
					msg.Tools = nil
				case models.RoleTool:
					msg.Content = fmt.Sprintf("<tool_result id=%q>\n%s\n</tool_result>", msg.ToolCallID, msg.Content)
					msg.Role = models.RoleUser
					msg.ToolCallID = ""
				}
			}
			text, err := inlineDeclarations(opts.Manifests)
			if err != nil {
				return in, err
			}
			in.Messages, _ = injectSystem(in.Messages, text)
			return in, nil
		},
	}
}

func toolResultText(msg models.Message) string {
	if msg.Intervention != nil {
		switch msg.Intervention.Status {
		case models.InterventionRejected:
			if msg.Intervention.RejectedReason != "" {
				return "The user rejected this tool call: " + msg.Intervention.RejectedReason
			}
			return "The user rejected this tool call."
		case models.InterventionAborted:
			return "This tool call was aborted by the user."
		case models.InterventionPending:
			return "This tool call is waiting for user approval."
		}
	}
	if msg.PluginError != "" {
		return "Error: " + msg.PluginError
	}
	return ""
}

func inlineDeclarations(manifests []models.ToolManifest) (string, error) {
	var decls []models.ToolDeclaration
	for _, m := range manifests {
		decls = append(decls, m.Declarations()...)
	}
	if len(decls) == 0 {
		return "", nil
	}
	data, err := json.MarshalIndent(decls, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode tool declarations: %w", err)
	}
	return "<tool_declarations>\nTo call a tool, reply with a <tool_use> block containing <id>, <name> and <arguments> (a JSON object).\n" +
		string(data) + "\n</tool_declarations>", nil
}

// toolResultOrderStage places every tool result directly after the assistant
// message that requested it. Results without a matching call are dropped and
// calls without a result get a placeholder.
func toolResultOrderStage() Processor {
	return ProcessorFunc{
		StageName: "tool_result_order",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			calls := make(map[string]bool)
			for _, msg := range in.Messages {
				if msg.Role == models.RoleAssistant {
					for _, tc := range msg.ToolCalls {
						if tc.ID != "" {
							calls[tc.ID] = true
						}
					}
				}
			}

			// Index results by call id, assigning missing ids from the
			// preceding assistant's unanswered calls.
			results := make(map[string]models.Message)
			var pendingOrder []string
			for _, msg := range in.Messages {
				switch msg.Role {
				case models.RoleAssistant:
					pendingOrder = pendingOrder[:0]
					for _, tc := range msg.ToolCalls {
						if tc.ID != "" {
							pendingOrder = append(pendingOrder, tc.ID)
						}
					}
				case models.RoleTool:
					if msg.ToolCallID == "" && len(pendingOrder) > 0 {
						msg.ToolCallID = pendingOrder[0]
					}
					pendingOrder = removeID(pendingOrder, msg.ToolCallID)
					if !calls[msg.ToolCallID] {
						continue
					}
					if _, seen := results[msg.ToolCallID]; !seen {
						results[msg.ToolCallID] = msg
					}
				}
			}

			out := make([]models.Message, 0, len(in.Messages))
			var dropped, synthesized int
			for _, msg := range in.Messages {
				if msg.Role == models.RoleTool {
					if !calls[msg.ToolCallID] && msg.ToolCallID != "" {
						dropped++
					}
					continue
				}
				out = append(out, msg)
				if msg.Role != models.RoleAssistant {
					continue
				}
				for _, tc := range msg.ToolCalls {
					if res, ok := results[tc.ID]; ok {
						out = append(out, res)
						delete(results, tc.ID)
						continue
					}
					out = append(out, models.Message{Role: models.RoleTool, ToolCallID: tc.ID, Content: MissingToolResult})
					synthesized++
				}
			}
			count(in.Metadata, "tool_results_dropped", dropped)
			count(in.Metadata, "tool_results_synthesized", synthesized)
			in.Messages = out
			return in, nil
		},
	}
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}

// cleanupStage strips fields a model API must not see and drops messages
// left without content.
func cleanupStage() Processor {
	return ProcessorFunc{
		StageName: "cleanup",
		Fn: func(ctx context.Context, in Context) (Context, error) {
			out := make([]models.Message, 0, len(in.Messages))
			for _, msg := range in.Messages {
				clean := models.Message{
					ID:         msg.ID,
					Role:       msg.Role,
					Content:    msg.Content,
					Name:       msg.Name,
					Parts:      msg.Parts,
					ToolCalls:  msg.ToolCalls,
					ToolCallID: msg.ToolCallID,
				}
				if clean.Role != models.RoleTool && strings.TrimSpace(clean.Content) == "" &&
					len(clean.Parts) == 0 && len(clean.ToolCalls) == 0 {
					continue
				}
				out = append(out, clean)
			}
			in.Messages = out
			return in, nil
		},
	}
}
