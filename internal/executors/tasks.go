package executors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/runtime"
	"github.com/haasonsaas/agentcore/internal/tasks"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// taskRequest is the common shape of the four exec instructions.
type taskRequest struct {
	parentID string
	specs    []models.TaskSpec
	client   bool
	batch    bool
}

func taskRequestFor(inst decision.Instruction) (taskRequest, error) {
	switch t := inst.(type) {
	case decision.ExecTask:
		return taskRequest{parentID: t.ParentMessageID, specs: []models.TaskSpec{t.Task}}, nil
	case decision.ExecTasks:
		return taskRequest{parentID: t.ParentMessageID, specs: t.Tasks, batch: true}, nil
	case decision.ExecClientTask:
		return taskRequest{parentID: t.ParentMessageID, specs: []models.TaskSpec{t.Task}, client: true}, nil
	case decision.ExecClientTasks:
		return taskRequest{parentID: t.ParentMessageID, specs: t.Tasks, client: true, batch: true}, nil
	default:
		return taskRequest{}, fmt.Errorf("exec task: unexpected instruction %T", inst)
	}
}

// ExecTasks creates a placeholder task message per task, submits every task
// to the backend with bounded concurrency and polls each until it completes,
// fails, times out or the run is cancelled. A timeout is reported to the
// model as a failed task. Cancellation cancels the submitted tasks and is
// returned as an error.
func (s *Set) ExecTasks(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	req, err := taskRequestFor(inst)
	if err != nil {
		return nil, err
	}
	backend := s.cfg.Tasks
	if req.client && s.cfg.ClientTasks != nil {
		backend = s.cfg.ClientTasks
	}
	if backend == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoTaskBackend, inst.Type())
	}

	msgs := make([]models.Message, len(req.specs))
	for i, spec := range req.specs {
		msg := models.Message{
			Role:     models.RoleTask,
			ParentID: req.parentID,
			Content:  spec.Instruction,
			TaskDetail: &models.TaskDetail{
				Title:     taskTitle(spec),
				Status:    models.TaskRunning,
				StartedAt: s.cfg.Now(),
				Client:    req.client,
			},
		}
		inheritScope(state, req.parentID, &msg)
		created, err := s.createMessage(ctx, &state, msg)
		if err != nil {
			return nil, fmt.Errorf("create task message: %w", err)
		}
		msgs[i] = created
	}

	results := make([]models.TaskResult, len(req.specs))
	sem := make(chan struct{}, s.cfg.TaskConcurrency)
	var wg sync.WaitGroup
	for i, spec := range req.specs {
		wg.Add(1)
		go func(idx int, spec models.TaskSpec) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.TaskResult{TaskMessageID: msgs[idx].ID, Status: models.TaskCancelled, Error: "cancelled before start"}
				return
			}
			results[idx] = s.runTask(ctx, backend, spec, msgs[idx].ID)
		}(i, spec)
	}
	wg.Wait()

	// Record outcomes even when cancelled so the persisted placeholders do not
	// stay in the running state.
	writeCtx := context.WithoutCancel(ctx)
	for i, res := range results {
		msg := msgs[i]
		detail := *msg.TaskDetail
		detail.ThreadID = res.ThreadID
		detail.Status = res.Status
		detail.Error = res.Error
		detail.Duration = s.cfg.Now().Sub(detail.StartedAt).Milliseconds()
		msg.TaskDetail = &detail
		if res.Status == models.TaskCompleted {
			msg.Content = res.Result
		} else if res.Error != "" {
			msg.Content = res.Error
		}
		if err := s.updateMessage(writeCtx, &state, msg, res.Status.IsFinal()); err != nil {
			return nil, fmt.Errorf("update task message: %w", err)
		}
		s.cfg.Metrics.RecordTask(string(res.Status))
	}
	if isCancelled(ctx) {
		return nil, context.Cause(ctx)
	}

	var payload decision.Payload
	if req.batch {
		payload = decision.TasksBatchResultPayload{ParentMessageID: req.parentID, Results: results}
	} else {
		payload = decision.TaskResultPayload{ParentMessageID: req.parentID, Result: results[0]}
	}
	return &runtime.Result{State: state, Next: next(payload, state)}, nil
}

// runTask submits one task and polls it to a final status.
func (s *Set) runTask(ctx context.Context, backend tasks.Backend, spec models.TaskSpec, messageID string) models.TaskResult {
	result := models.TaskResult{TaskMessageID: messageID}
	threadID, err := backend.Submit(ctx, spec, taskTitle(spec))
	if err != nil {
		result.Status = models.TaskFailed
		result.Error = fmt.Sprintf("submit task: %v", err)
		if isCancelled(ctx) {
			result.Status = models.TaskCancelled
		}
		return result
	}
	result.ThreadID = threadID
	logger := s.logger.With("thread_id", threadID)

	timeout := s.cfg.TaskTimeout
	if spec.Timeout > 0 {
		timeout = time.Duration(spec.Timeout) * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.TaskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelTask(ctx, backend, threadID)
			result.Status = models.TaskCancelled
			result.Error = "task cancelled"
			return result
		case <-deadline.C:
			s.cancelTask(ctx, backend, threadID)
			result.Status = models.TaskFailed
			result.Error = fmt.Sprintf("task timed out after %s", timeout)
			logger.WarnContext(ctx, "task timed out", "timeout", timeout)
			return result
		case <-ticker.C:
			report, err := backend.Poll(ctx, threadID)
			if err != nil {
				if errors.Is(err, tasks.ErrTaskNotFound) {
					result.Status = models.TaskFailed
					result.Error = err.Error()
					return result
				}
				if isCancelled(ctx) {
					continue
				}
				logger.WarnContext(ctx, "task poll failed", "error", err)
				continue
			}
			if !report.Status.IsFinal() {
				continue
			}
			result.Status = report.Status
			result.Result = report.Result
			result.Error = report.Error
			return result
		}
	}
}

func (s *Set) cancelTask(ctx context.Context, backend tasks.Backend, threadID string) {
	if err := backend.Cancel(context.WithoutCancel(ctx), threadID); err != nil {
		s.logger.WarnContext(ctx, "task cancel failed", "thread_id", threadID, "error", err)
	}
}

func taskTitle(spec models.TaskSpec) string {
	if spec.Title != "" {
		return spec.Title
	}
	return spec.Description
}
