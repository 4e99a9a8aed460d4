package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/delegate/internal/derr"
)

// Priority levels. P0 is the highest and dequeues first.
const (
	PriorityP0 = 0
	PriorityP1 = 1
	PriorityP2 = 2
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusBlocked   TaskStatus = "blocked"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// Task is one unit of prompt-driven work.
type Task struct {
	ID           string
	Prompt       string
	Priority     int
	Status       TaskStatus
	WorkingDir   string
	UseWorktree  bool
	Timeout      time.Duration // 0 means the global default applies
	WorkerID     string
	ExitCode     *int
	ParentTaskID string // root of the resume chain
	RetryOf      string // immediate predecessor in the chain
	RetryCount   int
	Attempts     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// TaskUpdate is a partial update applied by UpdateTask. Nil fields are
// left untouched.
type TaskUpdate struct {
	Status      *TaskStatus
	WorkerID    *string
	ExitCode    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Attempts    *int
}

const taskColumns = `id, prompt, priority, status, working_dir, use_worktree, timeout_ms,
	worker_id, exit_code, parent_task_id, retry_of, retry_count, attempts,
	created_at, started_at, completed_at, updated_at`

// SaveTask inserts a new task row. CreatedAt/UpdatedAt default to now
// when unset.
func (s *Store) SaveTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return derr.New(derr.KindInvalidInput, "task id is required")
	}
	if task.Status == "" {
		task.Status = TaskStatusQueued
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}

	var timeoutMs any
	if task.Timeout > 0 {
		timeoutMs = task.Timeout.Milliseconds()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			task.ID, task.Prompt, task.Priority, task.Status, task.WorkingDir,
			boolToInt(task.UseWorktree), timeoutMs,
			nullIfEmpty(task.WorkerID), nullIfNilInt(task.ExitCode),
			nullIfEmpty(task.ParentTaskID), nullIfEmpty(task.RetryOf),
			task.RetryCount, task.Attempts,
			toMs(task.CreatedAt), toMsPtr(task.StartedAt), toMsPtr(task.CompletedAt),
			toMs(task.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// FindTask loads one task by ID.
func (s *Store) FindTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.Newf(derr.KindTaskNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find task: %w", err)
	}
	return task, nil
}

// TasksByStatus lists tasks in a given status, oldest first.
func (s *Store) TasksByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC;`, status)
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// UpdateTask applies a partial update in one statement. Terminal
// statuses are sticky: a status change away from a terminal state is
// rejected with INVALID_OPERATION. RetryCount never changes here; it is
// fixed at insert along the resume chain.
func (s *Store) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return derr.Newf(derr.KindTaskNotFound, "task %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		if update.Status != nil && current.IsTerminal() && *update.Status != current {
			return derr.Newf(derr.KindInvalidOperation,
				"task %s is %s; terminal states are sticky", id, current)
		}

		sets := []string{"updated_at = ?"}
		args := []any{toMs(time.Now())}
		if update.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, *update.Status)
		}
		if update.WorkerID != nil {
			sets = append(sets, "worker_id = ?")
			args = append(args, nullIfEmpty(*update.WorkerID))
		}
		if update.ExitCode != nil {
			sets = append(sets, "exit_code = ?")
			args = append(args, *update.ExitCode)
		}
		if update.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, toMs(*update.StartedAt))
		}
		if update.CompletedAt != nil {
			sets = append(sets, "completed_at = ?")
			args = append(args, toMs(*update.CompletedAt))
		}
		if update.Attempts != nil {
			sets = append(sets, "attempts = ?")
			args = append(args, *update.Attempts)
		}
		args = append(args, id)

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return tx.Commit()
	})
}

// ChainRoot resolves the root of a resume chain: the task itself when
// it has no parent, otherwise its recorded parent.
func (s *Store) ChainRoot(ctx context.Context, task *Task) string {
	if task.ParentTaskID != "" {
		return task.ParentTaskID
	}
	return task.ID
}

// DeleteTask removes one task row with its output, edges, and
// checkpoints in a single transaction.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range []string{
			`DELETE FROM task_output WHERE task_id = ?;`,
			`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_task_id = ?;`,
			`DELETE FROM checkpoints WHERE task_id = ?;`,
		} {
			args := []any{id}
			if strings.Contains(stmt, "depends_on_task_id") {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("delete task children: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return tx.Commit()
	})
}

// PurgeTasksOlderThan deletes terminal tasks (and, via cascade or
// explicit deletes, their outputs, edges, and checkpoints) whose last
// update (updated_at) predates the cutoff. Idempotent.
func (s *Store) PurgeTasksOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retention tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cutoffMs := toMs(cutoff)
		terminal := `('completed', 'failed', 'cancelled', 'timeout')`
		old := `SELECT id FROM tasks WHERE status IN ` + terminal + ` AND updated_at < ?`

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_output WHERE task_id IN (`+old+`);`, cutoffMs); err != nil {
			return fmt.Errorf("purge task output: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_dependencies WHERE task_id IN (`+old+`) OR depends_on_task_id IN (`+old+`);`,
			cutoffMs, cutoffMs); err != nil {
			return fmt.Errorf("purge task dependencies: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE task_id IN (`+old+`);`, cutoffMs); err != nil {
			return fmt.Errorf("purge checkpoints: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE status IN `+terminal+` AND updated_at < ?;`, cutoffMs)
		if err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		purged, _ = res.RowsAffected()
		return tx.Commit()
	})
	return purged, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task        Task
		useWorktree int
		timeoutMs   sql.NullInt64
		workerID    sql.NullString
		exitCode    sql.NullInt64
		parentID    sql.NullString
		retryOf     sql.NullString
		createdMs   int64
		startedMs   sql.NullInt64
		completedMs sql.NullInt64
		updatedMs   int64
	)
	if err := row.Scan(
		&task.ID, &task.Prompt, &task.Priority, &task.Status, &task.WorkingDir,
		&useWorktree, &timeoutMs, &workerID, &exitCode, &parentID, &retryOf,
		&task.RetryCount, &task.Attempts, &createdMs, &startedMs, &completedMs, &updatedMs,
	); err != nil {
		return nil, err
	}
	task.UseWorktree = useWorktree != 0
	if timeoutMs.Valid {
		task.Timeout = time.Duration(timeoutMs.Int64) * time.Millisecond
	}
	task.WorkerID = workerID.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	task.ParentTaskID = parentID.String
	task.RetryOf = retryOf.String
	task.CreatedAt = fromMs(createdMs)
	task.StartedAt = fromNullMs(startedMs)
	task.CompletedAt = fromNullMs(completedMs)
	task.UpdatedAt = fromMs(updatedMs)
	return &task, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNilInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
