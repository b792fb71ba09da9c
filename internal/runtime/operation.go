package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationStatus is the lifecycle status of an Operation.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationCancelled OperationStatus = "cancelled"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// OperationContext identifies what an operation works on.
type OperationContext struct {
	AgentID   string `json:"agent_id,omitempty"`
	TopicID   string `json:"topic_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Operation is a node in the host's cancellation tree. Cancelling an
// operation cancels its context and every child operation.
type Operation struct {
	ID        string
	ParentID  string
	Context   OperationContext
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	status   OperationStatus
	reason   string
	err      error
	children []*Operation
}

// NewOperation creates a running root operation whose context derives from parent.
func NewOperation(parent context.Context, opctx OperationContext) *Operation {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Operation{
		ID:        uuid.NewString(),
		Context:   opctx,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		status:    OperationRunning,
	}
}

// Child creates a running operation nested under o. Empty fields of opctx
// inherit from o.
func (o *Operation) Child(opctx OperationContext) *Operation {
	if opctx.AgentID == "" {
		opctx.AgentID = o.Context.AgentID
	}
	if opctx.TopicID == "" {
		opctx.TopicID = o.Context.TopicID
	}
	if opctx.ThreadID == "" {
		opctx.ThreadID = o.Context.ThreadID
	}
	if opctx.SessionID == "" {
		opctx.SessionID = o.Context.SessionID
	}
	child := NewOperation(o.ctx, opctx)
	child.ParentID = o.ID

	o.mu.Lock()
	o.children = append(o.children, child)
	cancelled := o.status == OperationCancelled
	o.mu.Unlock()
	if cancelled {
		child.Cancel(o.Reason())
	}
	return child
}

// Ctx returns the operation's context. It is cancelled with cause
// ErrOperationCancelled when the operation is cancelled.
func (o *Operation) Ctx() context.Context {
	return o.ctx
}

// Cancel marks the operation and its children cancelled. Finished operations
// are left unchanged.
func (o *Operation) Cancel(reason string) {
	o.mu.Lock()
	if o.status != OperationRunning {
		o.mu.Unlock()
		return
	}
	o.status = OperationCancelled
	o.reason = reason
	children := append([]*Operation(nil), o.children...)
	o.mu.Unlock()

	o.cancel(ErrOperationCancelled)
	for _, child := range children {
		child.Cancel(reason)
	}
}

// IsCancelled reports whether the operation was cancelled directly or
// through its parent context.
func (o *Operation) IsCancelled() bool {
	o.mu.Lock()
	status := o.status
	o.mu.Unlock()
	if status == OperationCancelled {
		return true
	}
	return status == OperationRunning && o.ctx.Err() != nil && o.ctx.Err() != context.DeadlineExceeded
}

// Complete marks a running operation completed.
func (o *Operation) Complete() {
	o.finish(OperationCompleted, nil)
}

// Fail marks a running operation failed.
func (o *Operation) Fail(err error) {
	o.finish(OperationFailed, err)
}

func (o *Operation) finish(status OperationStatus, err error) {
	o.mu.Lock()
	if o.status != OperationRunning {
		o.mu.Unlock()
		return
	}
	o.status = status
	o.err = err
	o.mu.Unlock()
	o.cancel(nil)
}

// Status returns the current status.
func (o *Operation) Status() OperationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Finished reports whether the operation completed or failed.
func (o *Operation) Finished() bool {
	switch o.Status() {
	case OperationCompleted, OperationFailed:
		return true
	}
	return false
}

// Reason returns the cancellation reason, if any.
func (o *Operation) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Err returns the failure recorded by Fail.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Children returns a snapshot of the direct children.
func (o *Operation) Children() []*Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Operation(nil), o.children...)
}
