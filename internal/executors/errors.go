package executors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotFound indicates no invoker is registered for a tool call.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrNoTaskBackend indicates an exec_task instruction with no backend configured.
	ErrNoTaskBackend = errors.New("no task backend configured")

	// ErrNoModelClient indicates a call_llm instruction for an unknown provider.
	ErrNoModelClient = errors.New("no model client configured")
)

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying may succeed.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError is a categorized tool failure. Its message becomes the content of
// the tool message the model sees.
type ToolError struct {
	Type       ToolErrorType
	Tool       string
	ToolCallID string
	Message    string
	Cause      error
	Retryable  bool
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.Tool != "" {
		parts = append(parts, e.Tool)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError wraps cause for tool with an inferred category.
func NewToolError(tool, toolCallID string, cause error) *ToolError {
	err := &ToolError{Tool: tool, ToolCallID: toolCallID, Cause: cause, Type: ToolErrorUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return ToolErrorTimeout
	case containsAny(msg, "connection", "network", "dns", "refused", "unreachable"):
		return ToolErrorNetwork
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return ToolErrorRateLimit
	case containsAny(msg, "permission", "forbidden", "unauthorized", "access denied"):
		return ToolErrorPermission
	case containsAny(msg, "invalid", "validation", "required", "missing"):
		return ToolErrorInvalidInput
	default:
		return ToolErrorExecution
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
