package tasks

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/agentcore/pkg/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CockroachStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, &CockroachStore{db: db}
}

func waitForStatus(t *testing.T, b *LocalBackend, id string, want models.TaskStatus) Report {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		report, err := b.Poll(context.Background(), id)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if report.Status == want {
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return Report{}
}

func TestLocalBackend_Completes(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, spec models.TaskSpec) (string, error) {
		return "done: " + spec.Instruction, nil
	})
	b := NewLocalBackend(nil, runner, LocalConfig{})
	defer b.Close(context.Background())

	id, err := b.Submit(context.Background(), models.TaskSpec{Description: "d", Instruction: "go"}, "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	report := waitForStatus(t, b, id, models.TaskCompleted)
	if report.Result != "done: go" {
		t.Errorf("Result = %q", report.Result)
	}
}

func TestLocalBackend_Fails(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, spec models.TaskSpec) (string, error) {
		return "", errors.New("boom")
	})
	b := NewLocalBackend(nil, runner, LocalConfig{})
	defer b.Close(context.Background())

	id, err := b.Submit(context.Background(), models.TaskSpec{Instruction: "x"}, "t")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	report := waitForStatus(t, b, id, models.TaskFailed)
	if report.Error != "boom" {
		t.Errorf("Error = %q", report.Error)
	}
}

func TestLocalBackend_CancelWins(t *testing.T) {
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, spec models.TaskSpec) (string, error) {
		close(started)
		<-ctx.Done()
		return "late", nil
	})
	b := NewLocalBackend(nil, runner, LocalConfig{})
	defer b.Close(context.Background())

	id, err := b.Submit(context.Background(), models.TaskSpec{Instruction: "x"}, "t")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	if err := b.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	report := waitForStatus(t, b, id, models.TaskCancelled)
	if report.Result != "" {
		t.Errorf("late result leaked into cancelled task: %q", report.Result)
	}
}

func TestLocalBackend_PollUnknown(t *testing.T) {
	b := NewLocalBackend(nil, RunnerFunc(func(context.Context, models.TaskSpec) (string, error) { return "", nil }), LocalConfig{})
	defer b.Close(context.Background())
	if _, err := b.Poll(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Poll() error = %v, want ErrTaskNotFound", err)
	}
}

func TestLocalBackend_NoRunner(t *testing.T) {
	b := NewLocalBackend(nil, nil, LocalConfig{})
	defer b.Close(context.Background())
	if _, err := b.Submit(context.Background(), models.TaskSpec{}, "t"); err == nil {
		t.Error("expected error without runner")
	}
}

func TestMemoryStore_PruneKeepsRunning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	for _, task := range []*Task{
		{ID: "a", Status: models.TaskCompleted, CreatedAt: old},
		{ID: "b", Status: models.TaskRunning, CreatedAt: old},
		{ID: "c", Status: models.TaskFailed, CreatedAt: time.Now()},
	} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	pruned, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	list, _ := store.List(ctx, 0, 0)
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Errorf("List() = %+v", list)
	}
}

func TestMemoryStore_CancelOnlyRunning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "done", Status: models.TaskCompleted})
	_ = store.Create(ctx, &Task{ID: "run", Status: models.TaskRunning})

	_ = store.Cancel(ctx, "done")
	_ = store.Cancel(ctx, "run")

	done, _ := store.Get(ctx, "done")
	run, _ := store.Get(ctx, "run")
	if done.Status != models.TaskCompleted {
		t.Errorf("completed task status = %s", done.Status)
	}
	if run.Status != models.TaskCancelled {
		t.Errorf("running task status = %s", run.Status)
	}
}

func TestCockroachStore_Create(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		task        *Task
		setupMock   func(sqlmock.Sqlmock)
		errContains string
	}{
		{
			name: "successful create",
			task: &Task{
				ID:        "task-1",
				Title:     "research",
				Spec:      models.TaskSpec{Description: "d", Instruction: "i", Timeout: 60000},
				Status:    models.TaskRunning,
				CreatedAt: now,
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO agent_tasks").
					WithArgs(
						"task-1",
						"research",
						"d",
						"i",
						int64(60000),
						false,
						"running",
						sqlmock.AnyArg(), // result
						sqlmock.AnyArg(), // error_message
						sqlmock.AnyArg(), // created_at
						sqlmock.AnyArg(), // started_at
						sqlmock.AnyArg(), // finished_at
					).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:      "nil task returns nil",
			task:      nil,
			setupMock: func(mock sqlmock.Sqlmock) {},
		},
		{
			name: "database error",
			task: &Task{ID: "task-1", Status: models.TaskRunning, CreatedAt: now},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO agent_tasks").
					WillReturnError(errors.New("connection refused"))
			},
			errContains: "create task",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			err := store.Create(context.Background(), tt.task)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want containing %q", err, tt.errContains)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestCockroachStore_Get(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	cols := []string{"id", "title", "description", "instruction", "timeout_ms", "client", "status", "result", "error_message", "created_at", "started_at", "finished_at"}
	mock.ExpectQuery("SELECT (.+) FROM agent_tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("task-1", "t", "d", "i", int64(0), false, "completed", "answer", nil, now, now, now))
	mock.ExpectQuery("SELECT (.+) FROM agent_tasks WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	task, err := store.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != models.TaskCompleted || task.Result != "answer" || task.Error != "" {
		t.Errorf("Get() = %+v", task)
	}

	missing, err := store.Get(context.Background(), "missing")
	if err != nil || missing != nil {
		t.Errorf("Get(missing) = %v, %v; want nil, nil", missing, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachStore_PruneAndCancel(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM agent_tasks").
		WithArgs(sqlmock.AnyArg(), "running").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE agent_tasks").
		WithArgs("task-1", "cancel", "task cancelled", sqlmock.AnyArg(), "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pruned, err := store.Prune(context.Background(), time.Hour)
	if err != nil || pruned != 3 {
		t.Errorf("Prune() = %d, %v; want 3, nil", pruned, err)
	}
	if err := store.Cancel(context.Background(), "task-1"); err != nil {
		t.Errorf("Cancel() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

type countingPruner struct {
	calls     int
	retention time.Duration
}

func (p *countingPruner) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.calls++
	p.retention = olderThan
	return 2, nil
}

func TestJanitor(t *testing.T) {
	if _, err := NewJanitor(&countingPruner{}, JanitorConfig{Schedule: "not a schedule"}); err == nil {
		t.Error("expected invalid schedule error")
	}

	p := &countingPruner{}
	j, err := NewJanitor(p, JanitorConfig{Retention: time.Hour})
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	n, err := j.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RunOnce() = %d, %v", n, err)
	}
	if p.retention != time.Hour {
		t.Errorf("retention = %v, want 1h", p.retention)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := j.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
