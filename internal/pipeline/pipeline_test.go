package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

func process(t *testing.T, e *Engine, msgs []models.Message) *Result {
	t.Helper()
	res, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	return res
}

func roles(msgs []models.Message) []models.Role {
	out := make([]models.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func assertRoles(t *testing.T, msgs []models.Message, want ...models.Role) {
	t.Helper()
	got := roles(msgs)
	if len(got) != len(want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roles = %v, want %v", got, want)
		}
	}
}

func groupOptions(agentID string) Options {
	return Options{
		AgentID:      agentID,
		Capabilities: DefaultCapabilities(),
		SystemRole:   "You collaborate on reports.",
		Group: &Group{
			ID:           "g1",
			Name:         "Reporting",
			SupervisorID: "sup",
			Members: []Member{
				{ID: "sup", Name: "Supervisor"},
				{ID: "writer", Name: "Writer"},
				{ID: "researcher", Name: "Researcher"},
			},
		},
	}
}

func groupHistory() []models.Message {
	return []models.Message{
		{ID: "u1", Role: models.RoleUser, Content: "Write a report on Go"},
		{ID: "a1", Role: models.RoleAssistant, AgentID: "researcher", Content: "Looking it up",
			Tools: []models.ChatToolPayload{{ID: "call_1", Identifier: "search", APIName: "query", Arguments: `{"q":"go"}`}}},
		{ID: "t1", Role: models.RoleTool, AgentID: "researcher", ToolCallID: "call_1", Content: "results",
			Plugin: &models.ChatToolPayload{ID: "call_1", Identifier: "search", APIName: "query"}},
		{ID: "s1", Role: models.RoleSupervisor, AgentID: "sup",
			Tools: []models.ChatToolPayload{{ID: "call_2", Identifier: toolargs.GroupManagementIdentifier, APIName: toolargs.APISpeak, Arguments: `{"agentId":"writer"}`}}},
		{ID: "t2", Role: models.RoleTool, AgentID: "sup", ToolCallID: "call_2", Content: "ok",
			Plugin: &models.ChatToolPayload{ID: "call_2", Identifier: toolargs.GroupManagementIdentifier, APIName: toolargs.APISpeak}},
		{ID: "a2", Role: models.RoleAssistant, AgentID: "writer", Content: "Draft"},
	}
}

func TestNew_StageOrder(t *testing.T) {
	want := []string{
		"system_role", "user_memory", "group_context", "plan", "knowledge", "builder_context", "tool_system",
		"page_editor", "todos",
		"flatten_aggregates", "supervisor_role", "compressed_group", "orchestration_filter", "group_rewrite",
		"reactions", "multimodal", "tool_calls", "tool_result_order", "cleanup",
	}
	got := New(Options{}).Stages()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Stages() = %v, want %v", got, want)
	}
}

func TestEngine_DoesNotMutateInput(t *testing.T) {
	in := groupHistory()
	process(t, New(groupOptions("writer")), in)
	if in[1].Role != models.RoleAssistant || len(in[1].Tools) != 1 || in[3].Role != models.RoleSupervisor {
		t.Errorf("input was modified: %+v", in)
	}
}

func TestEngine_StageError(t *testing.T) {
	boom := ProcessorFunc{StageName: "boom", Fn: func(context.Context, Context) (Context, error) {
		return Context{}, errors.New("boom")
	}}
	_, err := NewEngine(nil, boom).Process(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Process() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Options{}).Process(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Process() error = %v, want context.Canceled", err)
	}
}

func TestSystemAssembly(t *testing.T) {
	opts := Options{
		SystemRole:     "You are helpful.",
		UserMemory:     "Prefers metric units.",
		Plan:           "1. research 2. write",
		Knowledge:      []KnowledgeItem{{Name: "notes.md", Content: "Go is fast."}},
		BuilderContext: "Editing agent settings",
		Manifests:      []models.ToolManifest{{Identifier: "search", SystemRole: "Search the web.", APIs: []models.ToolAPI{{Name: "query", Description: "Run a query"}}}},
		Capabilities:   DefaultCapabilities(),
	}

	t.Run("prepends system message", func(t *testing.T) {
		res := process(t, New(opts), []models.Message{{Role: models.RoleUser, Content: "hi"}})
		assertRoles(t, res.Messages, models.RoleSystem, models.RoleUser)
		sys := res.Messages[0].Content
		order := []string{"You are helpful.", "<user_memory>", "<plan>", "<knowledge>", "<builder_context>", "<tools "}
		last := -1
		for _, marker := range order {
			idx := strings.Index(sys, marker)
			if idx <= last {
				t.Fatalf("%q out of order in system message:\n%s", marker, sys)
			}
			last = idx
		}
		if !strings.Contains(sys, `<api identifier="search____query">Run a query</api>`) {
			t.Errorf("tool system text missing api: %s", sys)
		}
	})

	t.Run("merges into existing system message", func(t *testing.T) {
		res := process(t, New(opts), []models.Message{
			{Role: models.RoleSystem, Content: "Base rules."},
			{Role: models.RoleUser, Content: "hi"},
		})
		assertRoles(t, res.Messages, models.RoleSystem, models.RoleUser)
		if !strings.HasPrefix(res.Messages[0].Content, "Base rules.\n\nYou are helpful.") {
			t.Errorf("system = %q", res.Messages[0].Content)
		}
	})

	t.Run("moves late system message to the front", func(t *testing.T) {
		res := process(t, New(opts), []models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
			{Role: models.RoleSystem, Content: "Base rules."},
		})
		assertRoles(t, res.Messages, models.RoleSystem, models.RoleUser, models.RoleAssistant)
		if !strings.HasPrefix(res.Messages[0].Content, "Base rules.\n\nYou are helpful.") {
			t.Errorf("system = %q", res.Messages[0].Content)
		}
		if res.Messages[1].Content != "hi" || res.Messages[2].Content != "hello" {
			t.Errorf("history order changed: %+v", res.Messages[1:])
		}
	})
}

func TestInjectSystemMovesExistingMessage(t *testing.T) {
	msgs, added := injectSystem([]models.Message{
		{Role: models.RoleUser, Content: "u"},
		{Role: models.RoleSystem, Content: "rules"},
	}, "rules")
	if added {
		t.Error("text already present should not be added again")
	}
	if msgs[0].Role != models.RoleSystem || msgs[1].Role != models.RoleUser {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestContextInjection(t *testing.T) {
	opts := Options{
		PageEditor:     &PageEditor{Title: "Doc", Content: "Body text"},
		PageSelections: []string{"selected words"},
		Todos:          []models.Todo{{Content: "outline"}, {Content: "draft", Completed: true}},
	}
	res := process(t, New(opts), []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "ok"},
		{Role: models.RoleUser, Content: "edit the doc"},
	})
	if res.Messages[0].Content != "first" {
		t.Errorf("first user message changed: %q", res.Messages[0].Content)
	}
	last := res.Messages[2].Content
	for _, want := range []string{`<page title="Doc">`, "<selection>selected words</selection>", "- [ ] outline", "- [x] draft", "edit the doc"} {
		if !strings.Contains(last, want) {
			t.Errorf("last user message missing %q:\n%s", want, last)
		}
	}
	if !strings.HasSuffix(last, "edit the doc") {
		t.Errorf("user text should follow injected context: %q", last)
	}
}

func TestFlattenAggregates(t *testing.T) {
	in := Context{Messages: []models.Message{
		{Role: models.RoleAssistantGroup, AgentID: "a", Children: []models.Message{
			{Role: models.RoleAssistant, Content: "calling", Tools: []models.ChatToolPayload{{ID: "c1", Identifier: "x", APIName: "y"}}},
			{Role: models.RoleTool, ToolCallID: "c1", Content: "done"},
		}},
		{Role: models.RoleTasks, Children: []models.Message{
			{Role: models.RoleTask, Content: "report ready", TaskDetail: &models.TaskDetail{Title: "T", Status: models.TaskCompleted}},
		}},
	}, Metadata: map[string]any{}}

	out, err := flattenStage().Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	assertRoles(t, out.Messages, models.RoleAssistant, models.RoleTool, models.RoleAssistant)
	if out.Messages[0].AgentID != "a" || out.Messages[1].AgentID != "a" {
		t.Errorf("children did not inherit agent id: %+v", out.Messages[:2])
	}
	if !strings.Contains(out.Messages[2].Content, `<task_result title="T" status="completed">`) {
		t.Errorf("task = %q", out.Messages[2].Content)
	}
	if out.Metadata["flattened"] != 2 {
		t.Errorf("flattened = %v", out.Metadata["flattened"])
	}
}

func TestCompressedGroup(t *testing.T) {
	res := process(t, New(Options{}), []models.Message{
		{Role: models.RoleCompressedGroup, Content: "earlier we agreed on X"},
		{Role: models.RoleUser, Content: "continue"},
	})
	assertRoles(t, res.Messages, models.RoleUser, models.RoleUser)
	got := res.Messages[0].Content
	if !strings.HasPrefix(got, CompressedSummaryIntro) || !strings.Contains(got, "<compressed_history_summary>\nearlier we agreed on X\n</compressed_history_summary>") {
		t.Errorf("summary = %q", got)
	}
}

func TestMultiAgent_ParticipantView(t *testing.T) {
	res := process(t, New(groupOptions("writer")), groupHistory())

	// The supervisor's speak call and its result are hidden from the writer.
	assertRoles(t, res.Messages, models.RoleSystem, models.RoleUser, models.RoleUser, models.RoleUser, models.RoleAssistant)

	use := res.Messages[2]
	if !strings.HasPrefix(use.Content, `<speaker name="Researcher" />`) {
		t.Errorf("missing speaker tag: %q", use.Content)
	}
	for _, want := range []string{"Looking it up", "<id>call_1</id>", "<name>search____query</name>", `<arguments>{"q":"go"}</arguments>`} {
		if !strings.Contains(use.Content, want) {
			t.Errorf("rewritten message missing %q: %q", want, use.Content)
		}
	}
	if !strings.HasSuffix(use.Content, "</tool_use>") {
		t.Errorf("rewritten message should end with tool_use block: %q", use.Content)
	}
	if len(use.Tools) != 0 || len(use.ToolCalls) != 0 {
		t.Errorf("tools not cleared: %+v", use)
	}

	result := res.Messages[3].Content
	if !strings.Contains(result, `<tool_result id="call_1" name="search____query">`) || !strings.Contains(result, "results") {
		t.Errorf("tool result = %q", result)
	}
	if res.Messages[4].Content != "Draft" {
		t.Errorf("own message = %+v", res.Messages[4])
	}
	if !strings.Contains(res.Messages[0].Content, `You are "Writer" in the group "Reporting"`) {
		t.Errorf("group context = %q", res.Messages[0].Content)
	}
	if res.Metadata["orchestration_filtered"] != 2 {
		t.Errorf("orchestration_filtered = %v", res.Metadata["orchestration_filtered"])
	}
}

func TestMultiAgent_SupervisorView(t *testing.T) {
	res := process(t, New(groupOptions("sup")), groupHistory())
	assertRoles(t, res.Messages,
		models.RoleSystem, models.RoleUser, models.RoleUser, models.RoleUser,
		models.RoleAssistant, models.RoleTool, models.RoleUser)

	own := res.Messages[4]
	if len(own.ToolCalls) != 1 || own.ToolCalls[0].Name != "group-management____speak" {
		t.Errorf("supervisor call = %+v", own.ToolCalls)
	}
	if res.Messages[5].ToolCallID != "call_2" {
		t.Errorf("supervisor tool result = %+v", res.Messages[5])
	}
	if !strings.HasPrefix(res.Messages[6].Content, `<speaker name="Writer" />`) {
		t.Errorf("writer turn = %q", res.Messages[6].Content)
	}
}

func TestToolCalls_FunctionCalling(t *testing.T) {
	opts := Options{Capabilities: DefaultCapabilities()}
	res := process(t, New(opts), []models.Message{
		{Role: models.RoleUser, Content: "go"},
		{Role: models.RoleAssistant, Tools: []models.ChatToolPayload{
			{ID: "c1", Identifier: "fs", APIName: "read", Arguments: `{"path":"a"}`},
			{ID: "c2", Identifier: "fs", APIName: "write", Type: models.ToolTypeBuiltin},
		}},
		{Role: models.RoleTool, Content: "a-contents", Plugin: &models.ChatToolPayload{ID: "c1", Identifier: "fs", APIName: "read"}},
		{Role: models.RoleTool, ToolCallID: "c2", Intervention: &models.Intervention{Status: models.InterventionRejected, RejectedReason: "no writes"}},
	})
	assertRoles(t, res.Messages, models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleTool)

	calls := res.Messages[1].ToolCalls
	if len(calls) != 2 || calls[0].Name != "fs____read" || calls[1].Name != "fs____write____builtin" || calls[1].Arguments != "{}" {
		t.Errorf("ToolCalls = %+v", calls)
	}
	if res.Messages[2].ToolCallID != "c1" {
		t.Errorf("tool call id not taken from plugin: %+v", res.Messages[2])
	}
	if res.Messages[3].Content != "The user rejected this tool call: no writes" {
		t.Errorf("rejected content = %q", res.Messages[3].Content)
	}
	for _, m := range res.Messages {
		if len(m.Tools) != 0 || m.Plugin != nil || m.Intervention != nil {
			t.Errorf("internal fields not stripped: %+v", m)
		}
	}
}

func TestToolCalls_NoFunctionCalling(t *testing.T) {
	opts := Options{
		Manifests: []models.ToolManifest{{Identifier: "fs", APIs: []models.ToolAPI{{Name: "read", Description: "Read a file"}}}},
	}
	res := process(t, New(opts), []models.Message{
		{Role: models.RoleUser, Content: "go"},
		{Role: models.RoleAssistant, Content: "reading", Tools: []models.ChatToolPayload{{ID: "c1", Identifier: "fs", APIName: "read", Arguments: `{}`}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "data"},
	})
	assertRoles(t, res.Messages, models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleUser)
	if len(res.Messages[2].ToolCalls) != 0 || !strings.Contains(res.Messages[2].Content, "<name>fs____read</name>") {
		t.Errorf("assistant = %+v", res.Messages[2])
	}
	if res.Messages[3].Content != "<tool_result id=\"c1\">\ndata\n</tool_result>" {
		t.Errorf("tool result = %q", res.Messages[3].Content)
	}
	if !strings.Contains(res.Messages[0].Content, "<tool_declarations>") || !strings.Contains(res.Messages[0].Content, `"name": "fs____read"`) {
		t.Errorf("system = %q", res.Messages[0].Content)
	}
}

func TestToolResultOrder(t *testing.T) {
	e := NewEngine(nil, toolCallStage(Options{Capabilities: DefaultCapabilities()}), toolResultOrderStage())
	res := process(t, e, []models.Message{
		{ID: "a", Role: models.RoleAssistant, Tools: []models.ChatToolPayload{{ID: "c1"}, {ID: "c2"}}},
		{ID: "r2", Role: models.RoleTool, ToolCallID: "c2", Content: "2"},
		{ID: "x", Role: models.RoleUser, Content: "interleaved"},
		{ID: "r1", Role: models.RoleTool, ToolCallID: "c1", Content: "1"},
		{ID: "orphan", Role: models.RoleTool, ToolCallID: "c9", Content: "?"},
		{ID: "b", Role: models.RoleAssistant, Tools: []models.ChatToolPayload{{ID: "c3"}, {ID: "c4"}}},
		{ID: "r3", Role: models.RoleTool, Content: "3"},
	})

	var ids []string
	for _, m := range res.Messages {
		ids = append(ids, m.ID)
	}
	want := []string{"a", "r1", "r2", "x", "b", "r3", ""}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", ids, want)
	}
	if res.Messages[5].ToolCallID != "c3" {
		t.Errorf("result without id should answer the first open call: %+v", res.Messages[5])
	}
	if m := res.Messages[6]; m.ToolCallID != "c4" || m.Content != MissingToolResult {
		t.Errorf("missing result = %+v", m)
	}
	if res.Metadata["tool_results_dropped"] != 1 || res.Metadata["tool_results_synthesized"] != 1 {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestReactions(t *testing.T) {
	res := process(t, New(Options{}), []models.Message{
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleAssistant, Content: "a", Reactions: []models.Reaction{{Emoji: "👍"}}},
		{Role: models.RoleUser, Content: "next"},
	})
	got := res.Messages[2].Content
	if !strings.HasPrefix(got, "<user_feedback>") || !strings.Contains(got, "👍") || !strings.HasSuffix(got, "next") {
		t.Errorf("feedback = %q", got)
	}
}

func TestMultimodal(t *testing.T) {
	msgs := []models.Message{{
		Role:    models.RoleUser,
		Content: "what is this",
		Imgs:    []models.MediaItem{{URL: "https://x/cat.png"}},
		Videos:  []models.MediaItem{{URL: "https://x/clip.mp4"}},
	}}

	tests := []struct {
		name      string
		caps      Capabilities
		wantParts []models.ContentPartType
		wantText  []string
	}{
		{
			name:      "vision",
			caps:      Capabilities{Vision: true},
			wantParts: []models.ContentPartType{models.ContentPartText, models.ContentPartImage},
			wantText:  []string{"[video: https://x/clip.mp4]"},
		},
		{
			name:      "vision and video",
			caps:      Capabilities{Vision: true, Video: true},
			wantParts: []models.ContentPartType{models.ContentPartText, models.ContentPartImage, models.ContentPartVideo},
		},
		{
			name:     "text only",
			wantText: []string{"[image: https://x/cat.png]", "[video: https://x/clip.mp4]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := process(t, New(Options{Capabilities: tt.caps}), msgs)
			msg := res.Messages[0]
			if len(msg.Parts) != len(tt.wantParts) {
				t.Fatalf("parts = %+v, want %v", msg.Parts, tt.wantParts)
			}
			for i, typ := range tt.wantParts {
				if msg.Parts[i].Type != typ {
					t.Errorf("part %d = %s, want %s", i, msg.Parts[i].Type, typ)
				}
			}
			for _, want := range tt.wantText {
				if !strings.Contains(msg.Content, want) {
					t.Errorf("content %q missing %q", msg.Content, want)
				}
			}
			if len(msg.Imgs) != 0 || len(msg.Videos) != 0 {
				t.Error("media fields not stripped")
			}
		})
	}
}

func TestProcess_Idempotent(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		msgs []models.Message
	}{
		{
			name: "participant",
			opts: func() Options {
				o := groupOptions("writer")
				o.PageEditor = &PageEditor{Content: "page"}
				o.Todos = []models.Todo{{Content: "todo"}}
				o.Manifests = []models.ToolManifest{toolargs.GroupManagementManifest()}
				return o
			}(),
			msgs: groupHistory(),
		},
		{
			name: "supervisor",
			opts: groupOptions("sup"),
			msgs: groupHistory(),
		},
		{
			name: "single agent with tools",
			opts: Options{SystemRole: "sys", UserMemory: "mem", Capabilities: DefaultCapabilities()},
			msgs: []models.Message{
				{Role: models.RoleCompressedGroup, Content: "older"},
				{Role: models.RoleUser, Content: "q", Imgs: []models.MediaItem{{URL: "u"}}},
				{Role: models.RoleAssistant, Reactions: []models.Reaction{{Emoji: "👎"}},
					Tools: []models.ChatToolPayload{{ID: "c1", Identifier: "t", APIName: "a"}}},
				{Role: models.RoleTool, ToolCallID: "c1", Content: "r"},
				{Role: models.RoleUser, Content: "again"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := process(t, New(tt.opts), tt.msgs)
			second := process(t, New(tt.opts), first.Messages)
			if len(first.Messages) != len(second.Messages) {
				t.Fatalf("len changed: %d -> %d", len(first.Messages), len(second.Messages))
			}
			for i := range first.Messages {
				a, b := first.Messages[i], second.Messages[i]
				if a.Role != b.Role || a.Content != b.Content || len(a.ToolCalls) != len(b.ToolCalls) || a.ToolCallID != b.ToolCallID {
					t.Errorf("message %d changed:\n%+v\n%+v", i, a, b)
				}
			}
		})
	}
}
