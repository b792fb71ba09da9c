package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// CockroachConfig holds configuration for CockroachDB connection.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default configuration.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore implements Store using CockroachDB or Postgres.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStoreFromDSN creates a new Cockroach-backed task store.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &CockroachStore{db: db}, nil
}

// Close releases database resources.
func (s *CockroachStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the agent_tasks table when missing.
func (s *CockroachStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			instruction TEXT NOT NULL DEFAULT '',
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			client BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			result TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate agent_tasks: %w", err)
	}
	return nil
}

// Create stores a task.
func (s *CockroachStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, title, description, instruction, timeout_ms, client, status, result, error_message, created_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		task.ID,
		task.Title,
		task.Spec.Description,
		task.Spec.Instruction,
		task.Spec.Timeout,
		task.Client,
		string(task.Status),
		nullableString(task.Result),
		nullableString(task.Error),
		task.CreatedAt,
		nullTime(task.StartedAt),
		nullTime(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Update updates a task's status and outcome.
func (s *CockroachStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = $2,
			result = $3,
			error_message = $4,
			started_at = $5,
			finished_at = $6
		WHERE id = $1
	`,
		task.ID,
		string(task.Status),
		nullableString(task.Result),
		nullableString(task.Error),
		nullTime(task.StartedAt),
		nullTime(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

const taskColumns = `id, title, description, instruction, timeout_ms, client, status, result, error_message, created_at, started_at, finished_at`

// Get returns a task by id, or nil when missing.
func (s *CockroachStore) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// List returns tasks in reverse chronological order.
func (s *CockroachStore) List(ctx context.Context, limit, offset int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM agent_tasks ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Prune removes finished tasks older than the given duration.
func (s *CockroachStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_tasks WHERE created_at < $1 AND status <> $2
	`, cutoff, string(models.TaskRunning))
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return result.RowsAffected()
}

// Cancel marks a running task as cancelled.
func (s *CockroachStore) Cancel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = $2, error_message = $3, finished_at = $4
		WHERE id = $1 AND status = $5
	`, id, string(models.TaskCancelled), "task cancelled", time.Now(), string(models.TaskRunning))
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner taskScanner) (*Task, error) {
	var (
		task         Task
		status       string
		result       sql.NullString
		errorMessage sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)
	if err := scanner.Scan(
		&task.ID,
		&task.Title,
		&task.Spec.Description,
		&task.Spec.Instruction,
		&task.Spec.Timeout,
		&task.Client,
		&status,
		&result,
		&errorMessage,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	task.Spec.Title = task.Title
	if result.Valid {
		task.Result = result.String
	}
	if errorMessage.Valid {
		task.Error = errorMessage.String
	}
	if startedAt.Valid {
		task.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		task.FinishedAt = finishedAt.Time
	}
	return &task, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
