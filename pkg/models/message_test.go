package models

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRole_IsAggregate(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleTasks, true},
		{RoleGroupTasks, true},
		{RoleAssistantGroup, true},
		{RoleAgentCouncil, true},
		{RoleAssistant, false},
		{RoleSupervisor, false},
		{RoleCompressedGroup, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := tt.role.IsAggregate(); got != tt.want {
				t.Errorf("IsAggregate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	msg := Message{
		ID:           "msg-1",
		Role:         RoleAssistant,
		Tools:        []ChatToolPayload{{ID: "call-1", Identifier: "search", APIName: "query"}},
		Intervention: &Intervention{Status: InterventionPending},
		Metadata:     map[string]any{"nested": map[string]any{"k": "v"}},
		Children:     []Message{{ID: "child", Content: "hi"}},
	}

	clone := msg.Clone()
	clone.Tools[0].ID = "changed"
	clone.Intervention.Status = InterventionApproved
	clone.Metadata["nested"].(map[string]any)["k"] = "changed"
	clone.Children[0].Content = "changed"

	if msg.Tools[0].ID != "call-1" {
		t.Errorf("expected tools to be copied, got %q", msg.Tools[0].ID)
	}
	if msg.Intervention.Status != InterventionPending {
		t.Errorf("expected intervention to be copied, got %q", msg.Intervention.Status)
	}
	if msg.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Error("expected nested metadata to be copied")
	}
	if msg.Children[0].Content != "hi" {
		t.Error("expected children to be copied")
	}
}

func TestMessage_IsPendingIntervention(t *testing.T) {
	pending := Message{Role: RoleTool, Intervention: &Intervention{Status: InterventionPending}}
	if !pending.IsPendingIntervention() {
		t.Error("expected pending tool message")
	}
	approved := Message{Role: RoleTool, Intervention: &Intervention{Status: InterventionApproved}}
	if approved.IsPendingIntervention() {
		t.Error("approved message should not be pending")
	}
	assistant := Message{Role: RoleAssistant, Intervention: &Intervention{Status: InterventionPending}}
	if assistant.IsPendingIntervention() {
		t.Error("only tool messages carry interventions")
	}
}

func TestToolCallingName_RoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		apiName    string
		typ        ToolType
	}{
		{"default", "search", "query", ToolTypeDefault},
		{"builtin", "local-system", "readFile", ToolTypeBuiltin},
		{"hashed", "plugin", strings.Repeat("veryLongApiName", 6), ToolTypeDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifests := map[string]ToolManifest{
				tt.identifier: {Identifier: tt.identifier, APIs: []ToolAPI{{Name: tt.apiName}}},
			}
			name := ToolCallingName(tt.identifier, tt.apiName, tt.typ)
			if len(name) > 64 && tt.name != "hashed" {
				t.Fatalf("unexpected long name %q", name)
			}
			id, api, typ := ParseToolCallingName(name, manifests)
			if id != tt.identifier || api != tt.apiName || typ != tt.typ {
				t.Errorf("expected %s/%s/%s, got %s/%s/%s", tt.identifier, tt.apiName, tt.typ, id, api, typ)
			}
		})
	}
}

func TestInterventionConfig_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, c InterventionConfig)
	}{
		{
			name:  "static policy",
			input: `"always"`,
			check: func(t *testing.T, c InterventionConfig) {
				if c.Policy != PolicyAlways {
					t.Errorf("expected always, got %q", c.Policy)
				}
			},
		},
		{
			name:  "rule list",
			input: `[{"match":{"command":"rm *"},"policy":"always"},{"policy":"never"}]`,
			check: func(t *testing.T, c InterventionConfig) {
				if len(c.Rules) != 2 || c.Rules[0].Match["command"] != "rm *" {
					t.Errorf("unexpected rules %+v", c.Rules)
				}
			},
		},
		{
			name:  "dynamic",
			input: `{"dynamic":{"resolver":"pathScope","default":"never","policy":"required"}}`,
			check: func(t *testing.T, c InterventionConfig) {
				if c.Dynamic == nil || c.Dynamic.Resolver != "pathScope" || c.Dynamic.Policy != PolicyRequired {
					t.Errorf("unexpected dynamic %+v", c.Dynamic)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c InterventionConfig
			if err := json.Unmarshal([]byte(tt.input), &c); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tt.check(t, c)

			data, err := json.Marshal(c)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var again InterventionConfig
			if err := json.Unmarshal(data, &again); err != nil {
				t.Fatalf("re-unmarshal: %v", err)
			}
			tt.check(t, again)
		})
	}
}

func TestInterventionConfig_UnmarshalYAML(t *testing.T) {
	input := `
identifier: shell
apis:
  - name: run
    human_intervention:
      - match:
          command: "sudo*"
        policy: always
human_intervention: required
`
	var m ToolManifest
	if err := yaml.Unmarshal([]byte(input), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.HumanIntervention == nil || m.HumanIntervention.Policy != PolicyRequired {
		t.Fatalf("expected tool-level required, got %+v", m.HumanIntervention)
	}
	cfg := m.InterventionFor("run")
	if cfg == nil || len(cfg.Rules) != 1 || cfg.Rules[0].Policy != PolicyAlways {
		t.Fatalf("expected api-level rules to take precedence, got %+v", cfg)
	}
	if got := m.InterventionFor("missing"); got != m.HumanIntervention {
		t.Error("expected tool-level config for unknown api")
	}
}

func TestAgentState_CloneIsDeep(t *testing.T) {
	state := NewAgentState("op-1", []Message{{ID: "m1", Role: RoleUser, Content: "hi"}})
	state.Usage.Tools.ByTool["search/query"] = &ToolStats{Calls: 1}
	state.PendingToolsCalling = []ChatToolPayload{{ID: "c1"}}

	clone := state.Clone()
	clone.Messages[0].Content = "changed"
	clone.Usage.Tools.ByTool["search/query"].Calls = 5
	clone.PendingToolsCalling[0].ID = "c2"

	if state.Messages[0].Content != "hi" {
		t.Error("expected messages to be copied")
	}
	if state.Usage.Tools.ByTool["search/query"].Calls != 1 {
		t.Error("expected usage to be copied")
	}
	if state.PendingToolsCalling[0].ID != "c1" {
		t.Error("expected pending tools to be copied")
	}
	if state.Status != StatusRunning {
		t.Errorf("expected running, got %s", state.Status)
	}
}

func TestAgentStatus_IsTerminal(t *testing.T) {
	for status, want := range map[AgentStatus]bool{
		StatusRunning:         false,
		StatusWaitingForHuman: false,
		StatusInterrupted:     false,
		StatusDone:            true,
		StatusError:           true,
	} {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s: expected %v, got %v", status, want, got)
		}
	}
}

func TestNewDoneEvent(t *testing.T) {
	state := NewAgentState("op-1", nil)
	state.Status = StatusDone
	ev := NewDoneEvent(state, "completed", "")
	if ev.Type != AgentEventDone || !ev.Type.IsTerminal() {
		t.Fatalf("unexpected event type %s", ev.Type)
	}
	if ev.Done == nil || ev.Done.Reason != "completed" || ev.Done.FinalState.OperationID != "op-1" {
		t.Errorf("unexpected payload %+v", ev.Done)
	}
}

func TestLatestTodos(t *testing.T) {
	gtd := &ChatToolPayload{ID: "c1", Identifier: TodoToolIdentifier, APIName: "createTodos"}
	messages := []Message{
		{ID: "t1", Role: RoleTool, Plugin: gtd, PluginState: map[string]any{
			"todos": []any{map[string]any{"content": "old", "completed": false}},
		}},
		{ID: "u1", Role: RoleUser, Content: "next"},
		{ID: "t2", Role: RoleTool, Plugin: gtd, PluginState: map[string]any{
			"todos": []any{
				map[string]any{"content": "draft", "completed": true},
				map[string]any{"content": "review"},
				"garbage",
			},
		}},
		{ID: "t3", Role: RoleTool, Plugin: &ChatToolPayload{Identifier: "web-search"}},
	}

	got := LatestTodos(messages)
	if len(got) != 2 {
		t.Fatalf("LatestTodos() = %+v, want 2 entries", got)
	}
	if got[0] != (Todo{Content: "draft", Completed: true}) || got[1] != (Todo{Content: "review"}) {
		t.Errorf("LatestTodos() = %+v", got)
	}
	if LatestTodos(messages[1:2]) != nil {
		t.Error("expected nil without a planning tool message")
	}
}
