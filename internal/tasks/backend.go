package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// LocalConfig configures a LocalBackend.
type LocalConfig struct {
	// MaxConcurrency bounds how many tasks run at once. Defaults to 5.
	MaxConcurrency int
	Logger         *slog.Logger
}

// LocalBackend runs tasks in-process through a Runner and records them in a Store.
type LocalBackend struct {
	store  Store
	runner Runner
	logger *slog.Logger
	sem    chan struct{}

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	now     func() time.Time
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates a backend. A nil store uses a MemoryStore.
func NewLocalBackend(store Store, runner Runner, config LocalConfig) *LocalBackend {
	if store == nil {
		store = NewMemoryStore()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-backend")
	}
	base, stop := context.WithCancel(context.Background())
	return &LocalBackend{
		store:   store,
		runner:  runner,
		logger:  logger,
		sem:     make(chan struct{}, config.MaxConcurrency),
		base:    base,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
		now:     time.Now,
	}
}

// Submit records a running task and starts it in the background.
func (b *LocalBackend) Submit(ctx context.Context, spec models.TaskSpec, title string) (string, error) {
	if b.runner == nil {
		return "", fmt.Errorf("submit task: no runner configured")
	}
	if title == "" {
		title = spec.Description
	}
	task := &Task{
		ID:        uuid.NewString(),
		Title:     title,
		Spec:      spec,
		Status:    models.TaskRunning,
		CreatedAt: b.now(),
	}
	if err := b.store.Create(ctx, task); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}

	runCtx, cancel := context.WithCancel(b.base)
	b.mu.Lock()
	b.cancels[task.ID] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(runCtx, task)
	return task.ID, nil
}

func (b *LocalBackend) run(ctx context.Context, task *Task) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		if cancel, ok := b.cancels[task.ID]; ok {
			cancel()
			delete(b.cancels, task.ID)
		}
		b.mu.Unlock()
	}()

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		b.finish(task, "", ctx.Err())
		return
	}
	task.StartedAt = b.now()
	out, err := b.runner.Run(ctx, task.Spec)
	<-b.sem
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	b.finish(task, out, err)
}

func (b *LocalBackend) finish(task *Task, out string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := context.Background()
	current, getErr := b.store.Get(ctx, task.ID)
	if getErr != nil {
		b.logger.Error("failed to load task", "task_id", task.ID, "error", getErr)
		return
	}
	if current != nil && current.Status.IsFinal() {
		return
	}

	task.FinishedAt = b.now()
	switch {
	case err == nil:
		task.Status = models.TaskCompleted
		task.Result = out
	case b.base.Err() != nil:
		task.Status = models.TaskCancelled
		task.Error = "task cancelled"
	default:
		task.Status = models.TaskFailed
		task.Error = err.Error()
	}
	if err := b.store.Update(ctx, task); err != nil {
		b.logger.Error("failed to record task result", "task_id", task.ID, "error", err)
		return
	}
	b.logger.Debug("task finished", "task_id", task.ID, "status", task.Status)
}

// Poll returns the current status of a task.
func (b *LocalBackend) Poll(ctx context.Context, threadID string) (Report, error) {
	task, err := b.store.Get(ctx, threadID)
	if err != nil {
		return Report{}, fmt.Errorf("poll task: %w", err)
	}
	if task == nil {
		return Report{}, fmt.Errorf("poll task %s: %w", threadID, ErrTaskNotFound)
	}
	return task.report(), nil
}

// Cancel stops a running task and marks it cancelled.
func (b *LocalBackend) Cancel(ctx context.Context, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.cancels[threadID]; ok {
		cancel()
	}
	return b.store.Cancel(ctx, threadID)
}

// Close cancels every running task and waits for them to stop.
func (b *LocalBackend) Close(ctx context.Context) error {
	b.stop()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
