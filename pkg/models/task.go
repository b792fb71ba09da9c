package models

// TaskStatus is the state an async task backend reports.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancel"
)

// IsFinal reports whether polling can stop.
func (s TaskStatus) IsFinal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskSpec describes work handed off to an async task backend.
type TaskSpec struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	Instruction string `json:"instruction"`
	// Timeout in milliseconds; zero means the executor default.
	Timeout int64 `json:"timeout,omitempty"`
}

// TaskResult is the outcome of one async task.
type TaskResult struct {
	TaskMessageID string     `json:"task_message_id"`
	ThreadID      string     `json:"thread_id,omitempty"`
	Status        TaskStatus `json:"status"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Todo is one entry of a live task list tracked by a planning tool.
type Todo struct {
	Content   string `json:"content"`
	Completed bool   `json:"completed"`
}

// TodoToolIdentifier is the planning tool whose plugin state carries the live todo list.
const TodoToolIdentifier = "gtd"

// LatestTodos returns the todo list recorded by the most recent planning tool
// message, or nil when no such message exists.
func LatestTodos(messages []Message) []Todo {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != RoleTool || msg.Plugin == nil || msg.Plugin.Identifier != TodoToolIdentifier {
			continue
		}
		raw, ok := msg.PluginState["todos"].([]any)
		if !ok {
			continue
		}
		todos := make([]Todo, 0, len(raw))
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			content, _ := entry["content"].(string)
			completed, _ := entry["completed"].(bool)
			if content != "" {
				todos = append(todos, Todo{Content: content, Completed: completed})
			}
		}
		return todos
	}
	return nil
}
