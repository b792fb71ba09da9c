package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// targetUserMessage picks the user message page and todo context belongs to:
// the latest message written by the human, which carries the request being
// answered. Rewritten agent turns and compressed summaries are skipped.
func targetUserMessage(messages []models.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != models.RoleUser {
			continue
		}
		if strings.HasPrefix(msg.Content, "<speaker ") || strings.HasPrefix(msg.Content, CompressedSummaryIntro) {
			continue
		}
		return i
	}
	return -1
}

// injectUser prefixes block onto the target user message once.
func injectUser(messages []models.Message, block string) bool {
	if block == "" {
		return false
	}
	for _, msg := range messages {
		if msg.Role == models.RoleUser && strings.Contains(msg.Content, block) {
			return false
		}
	}
	idx := targetUserMessage(messages)
	if idx < 0 {
		return false
	}
	if messages[idx].Content == "" {
		messages[idx].Content = block
	} else {
		messages[idx].Content = block + "\n\n" + messages[idx].Content
	}
	return true
}

func userStage(name string, render func() string) Processor {
	return ProcessorFunc{
		StageName: name,
		Fn: func(ctx context.Context, in Context) (Context, error) {
			if injectUser(in.Messages, render()) {
				count(in.Metadata, "user_context_sections", 1)
			}
			return in, nil
		},
	}
}

func pageEditorStage(opts Options) Processor {
	return userStage("page_editor", func() string {
		var parts []string
		if pe := opts.PageEditor; pe != nil && strings.TrimSpace(pe.Content) != "" {
			parts = append(parts, fmt.Sprintf("<page title=%q>\n%s\n</page>", pe.Title, strings.TrimSpace(pe.Content)))
		}
		var sel []string
		for _, s := range opts.PageSelections {
			if s = strings.TrimSpace(s); s != "" {
				sel = append(sel, "<selection>"+s+"</selection>")
			}
		}
		if len(sel) > 0 {
			parts = append(parts, "<page_selections>\n"+strings.Join(sel, "\n")+"\n</page_selections>")
		}
		return tagged("page_context", strings.Join(parts, "\n"))
	})
}

func todoStage(opts Options) Processor {
	return userStage("todos", func() string {
		if len(opts.Todos) == 0 {
			return ""
		}
		var sb strings.Builder
		for _, todo := range opts.Todos {
			mark := " "
			if todo.Completed {
				mark = "x"
			}
			fmt.Fprintf(&sb, "- [%s] %s\n", mark, todo.Content)
		}
		return tagged("todos", sb.String())
	})
}
