// Package tasks runs long-lived work handed off by tools and reports its progress
// to pollers.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// ErrTaskNotFound is returned when polling an unknown thread id.
var ErrTaskNotFound = errors.New("task not found")

// Task is one async task record. ID doubles as the thread id handed to pollers.
type Task struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Spec       models.TaskSpec   `json:"spec"`
	Client     bool              `json:"client,omitempty"`
	Status     models.TaskStatus `json:"status"`
	Result     string            `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// Report is what Poll returns.
type Report struct {
	Status models.TaskStatus `json:"status"`
	Result string            `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Backend is the async task boundary consumed by the exec_task executors.
type Backend interface {
	Submit(ctx context.Context, spec models.TaskSpec, title string) (threadID string, err error)
	Poll(ctx context.Context, threadID string) (Report, error)
	Cancel(ctx context.Context, threadID string) error
}

// Runner performs the work of a task.
type Runner interface {
	Run(ctx context.Context, spec models.TaskSpec) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, spec models.TaskSpec) (string, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, spec models.TaskSpec) (string, error) {
	return f(ctx, spec)
}

func (t *Task) report() Report {
	return Report{Status: t.Status, Result: t.Result, Error: t.Error}
}
