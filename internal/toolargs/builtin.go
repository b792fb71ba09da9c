package toolargs

import "github.com/haasonsaas/agentcore/pkg/models"

// GroupManagementIdentifier is the tool a supervisor uses to coordinate agents.
const GroupManagementIdentifier = "group-management"

// Supervisor orchestration APIs.
const (
	APIBroadcast    = "broadcast"
	APISpeak        = "speak"
	APIExecuteTask  = "executeTask"
	APIExecuteTasks = "executeTasks"
)

// BroadcastArgs asks every participant to respond.
type BroadcastArgs struct {
	Instruction string   `json:"instruction" jsonschema:"description=What every agent should respond to"`
	AgentIDs    []string `json:"agentIds,omitempty" jsonschema:"description=Restrict the broadcast to these agents"`
}

// SpeakArgs hands the floor to one agent.
type SpeakArgs struct {
	AgentID     string `json:"agentId" jsonschema:"required"`
	Instruction string `json:"instruction,omitempty"`
}

// ExecuteTaskArgs delegates one async task.
type ExecuteTaskArgs struct {
	AgentID     string `json:"agentId,omitempty"`
	Description string `json:"description" jsonschema:"required"`
	Instruction string `json:"instruction" jsonschema:"required"`
	Title       string `json:"title,omitempty"`
	Timeout     int64  `json:"timeout,omitempty" jsonschema:"description=Timeout in milliseconds"`
}

// ExecuteTasksArgs delegates several async tasks at once.
type ExecuteTasksArgs struct {
	Tasks []ExecuteTaskArgs `json:"tasks" jsonschema:"required,minItems=1"`
}

// GroupManagementManifest describes the supervisor orchestration tool.
func GroupManagementManifest() models.ToolManifest {
	return models.ToolManifest{
		Identifier: GroupManagementIdentifier,
		Type:       models.ToolTypeBuiltin,
		APIs: []models.ToolAPI{
			{Name: APIBroadcast, Description: "Ask all participating agents to respond.", Parameters: SchemaFor(&BroadcastArgs{})},
			{Name: APISpeak, Description: "Let a single agent speak next.", Parameters: SchemaFor(&SpeakArgs{})},
			{Name: APIExecuteTask, Description: "Run a long task asynchronously.", Parameters: SchemaFor(&ExecuteTaskArgs{})},
			{Name: APIExecuteTasks, Description: "Run several long tasks asynchronously.", Parameters: SchemaFor(&ExecuteTasksArgs{})},
		},
	}
}

// IsOrchestrationAPI reports whether a call is supervisor coordination traffic.
func IsOrchestrationAPI(identifier, apiName string) bool {
	if identifier != GroupManagementIdentifier {
		return false
	}
	switch apiName {
	case APIBroadcast, APISpeak, APIExecuteTask, APIExecuteTasks:
		return true
	default:
		return false
	}
}
