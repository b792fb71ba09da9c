package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Store persists task records.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Update(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, limit, offset int) ([]*Task, error)
	// Prune removes finished tasks older than the given duration. Returns count of pruned tasks.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	// Cancel marks a running task as cancelled.
	Cancel(ctx context.Context, id string) error
}

// MemoryStore keeps tasks in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	keys  []string
}

// NewMemoryStore returns a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
	}
}

// Create stores a task.
func (s *MemoryStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		s.keys = append(s.keys, task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// Update updates a task record.
func (s *MemoryStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get returns a task by id, or nil when missing.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(task), nil
}

// List returns tasks in insertion order.
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.keys) {
		return nil, nil
	}
	end := len(s.keys)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	result := make([]*Task, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if task, ok := s.tasks[id]; ok {
			result = append(result, cloneTask(task))
		}
	}
	return result, nil
}

// Prune removes finished tasks older than the given duration.
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var keep []string
	for _, id := range s.keys {
		task, ok := s.tasks[id]
		if !ok {
			continue
		}
		if task.Status.IsFinal() && task.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			pruned++
			continue
		}
		keep = append(keep, id)
	}
	s.keys = keep
	return pruned, nil
}

// Cancel marks a running task as cancelled.
func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	if task.Status == models.TaskRunning {
		task.Status = models.TaskCancelled
		task.Error = "task cancelled"
		task.FinishedAt = time.Now()
	}
	return nil
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	return &clone
}
