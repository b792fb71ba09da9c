package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Pruner is the part of Store the janitor needs.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JanitorConfig configures periodic pruning of finished tasks.
type JanitorConfig struct {
	// Schedule is a cron expression or descriptor. Defaults to "@every 1h".
	Schedule string
	// Retention is how long finished tasks are kept. Defaults to 24 hours.
	Retention time.Duration
	Logger    *slog.Logger
}

// Janitor prunes finished tasks on a cron schedule.
type Janitor struct {
	store  Pruner
	config JanitorConfig
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewJanitor validates the schedule and creates a janitor.
func NewJanitor(store Pruner, config JanitorConfig) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Schedule == "" {
		config.Schedule = "@every 1h"
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	if _, err := cronParser.Parse(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-janitor")
	}
	return &Janitor{store: store, config: config, logger: logger}, nil
}

// RunOnce prunes immediately.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	pruned, err := j.store.Prune(ctx, j.config.Retention)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	if pruned > 0 {
		j.logger.Info("pruned finished tasks", "count", pruned, "retention", j.config.Retention)
	}
	return pruned, nil
}

// Start schedules pruning until Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(j.config.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("task janitor run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true
	j.logger.Info("starting task janitor", "schedule", j.config.Schedule, "retention", j.config.Retention)
	return nil
}

// Stop halts scheduling and waits for an in-flight run.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	c := j.cron
	j.mu.Unlock()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
