package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/delegate/internal/derr"
)

// ScheduleType distinguishes recurring cron schedules from one-shots.
type ScheduleType string

const (
	ScheduleTypeCron    ScheduleType = "cron"
	ScheduleTypeOneTime ScheduleType = "one_time"
)

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusExpired   ScheduleStatus = "expired"
)

// MissedRunPolicy decides what happens when a schedule is found due
// later than its grace period.
type MissedRunPolicy string

const (
	MissedRunSkip    MissedRunPolicy = "skip"
	MissedRunCatchup MissedRunPolicy = "catchup"
	MissedRunFail    MissedRunPolicy = "fail"
)

// TaskTemplate is the material a schedule stamps new tasks from.
type TaskTemplate struct {
	Prompt      string `json:"prompt"`
	WorkingDir  string `json:"workingDirectory,omitempty"`
	UseWorktree bool   `json:"useWorktree,omitempty"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
}

// Schedule is a rule that materialises tasks on a time base.
type Schedule struct {
	ID              string
	Type            ScheduleType
	CronExpression  string // cron only
	ScheduledAt     *time.Time // one_time only
	Timezone        string
	Status          ScheduleStatus
	MissedRunPolicy MissedRunPolicy
	Template        TaskTemplate
	Priority        int
	MaxRuns         *int
	RunCount        int
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutionStatus classifies one firing attempt in the audit trail.
type ExecutionStatus string

const (
	ExecutionTriggered ExecutionStatus = "triggered"
	ExecutionSkipped   ExecutionStatus = "skipped"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ScheduleExecution is one audit row per firing decision.
type ScheduleExecution struct {
	ID           int64
	ScheduleID   string
	TaskID       string
	ScheduledFor time.Time
	ExecutedAt   time.Time
	Status       ExecutionStatus
	ErrorMessage string
	CreatedAt    time.Time
}

const scheduleColumns = `id, schedule_type, cron_expression, scheduled_at, timezone, status,
	missed_run_policy, task_template, priority, max_runs, run_count,
	last_run_at, next_run_at, expires_at, created_at, updated_at`

// CreateSchedule inserts a schedule row. Validation (cron syntax,
// future scheduledAt, timezone) happens in the scheduler package before
// this is called.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		return derr.New(derr.KindInvalidInput, "schedule id is required")
	}
	now := time.Now()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = sched.CreatedAt
	if sched.Status == "" {
		sched.Status = ScheduleStatusActive
	}
	template, err := json.Marshal(sched.Template)
	if err != nil {
		return fmt.Errorf("encode task template: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (`+scheduleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			sched.ID, sched.Type, nullIfEmpty(sched.CronExpression), toMsPtr(sched.ScheduledAt),
			sched.Timezone, sched.Status, sched.MissedRunPolicy, string(template),
			sched.Priority, nullIfNilInt(sched.MaxRuns), sched.RunCount,
			toMsPtr(sched.LastRunAt), toMsPtr(sched.NextRunAt), toMsPtr(sched.ExpiresAt),
			toMs(sched.CreatedAt), toMs(sched.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	})
}

// FindSchedule loads one schedule by ID.
func (s *Store) FindSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.Newf(derr.KindTaskNotFound, "schedule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns schedules, optionally filtered by status.
func (s *Store) ListSchedules(ctx context.Context, status ScheduleStatus) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// DueSchedules returns active schedules whose nextRunAt is at or before
// now, oldest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, toMs(now))
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// AdvanceSchedule records the outcome of a firing in one statement:
// run accounting, status, and the new nextRunAt. The statement always
// writes next_run_at (a future instant or NULL), so a stale past value
// can never survive a fire and re-trigger every tick.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, status ScheduleStatus, lastRunAt time.Time, nextRunAt *time.Time, runCount int) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET status = ?, last_run_at = ?, next_run_at = ?, run_count = ?, updated_at = ?
			WHERE id = ?;
		`, status, toMs(lastRunAt), toMsPtr(nextRunAt), runCount, toMs(time.Now()), id)
		if err != nil {
			return fmt.Errorf("advance schedule: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return derr.Newf(derr.KindTaskNotFound, "schedule %s not found", id)
		}
		return nil
	})
}

// SetScheduleStatus applies a lifecycle transition and the matching
// nextRunAt in one statement. Callers validate the transition.
func (s *Store) SetScheduleStatus(ctx context.Context, id string, status ScheduleStatus, nextRunAt *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET status = ?, next_run_at = ?, updated_at = ? WHERE id = ?;
		`, status, toMsPtr(nextRunAt), toMs(time.Now()), id)
		if err != nil {
			return fmt.Errorf("set schedule status: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return derr.Newf(derr.KindTaskNotFound, "schedule %s not found", id)
		}
		return nil
	})
}

// RecordExecution appends one audit row for a firing decision.
func (s *Store) RecordExecution(ctx context.Context, exec ScheduleExecution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedule_executions (schedule_id, task_id, scheduled_for, executed_at, status, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, exec.ScheduleID, nullIfEmpty(exec.TaskID), toMs(exec.ScheduledFor),
			toMs(exec.ExecutedAt), exec.Status, nullIfEmpty(exec.ErrorMessage), toMs(exec.CreatedAt))
		if err != nil {
			return fmt.Errorf("record schedule execution: %w", err)
		}
		return nil
	})
}

// ExecutionsForSchedule lists the audit trail of one schedule, newest
// first.
func (s *Store) ExecutionsForSchedule(ctx context.Context, scheduleID string) ([]ScheduleExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, task_id, scheduled_for, executed_at, status, error_message, created_at
		FROM schedule_executions WHERE schedule_id = ?
		ORDER BY id DESC;
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ScheduleExecution
	for rows.Next() {
		var (
			exec         ScheduleExecution
			taskID       sql.NullString
			scheduledMs  int64
			executedMs   int64
			errorMessage sql.NullString
			createdMs    int64
		)
		if err := rows.Scan(&exec.ID, &exec.ScheduleID, &taskID, &scheduledMs,
			&executedMs, &exec.Status, &errorMessage, &createdMs); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.TaskID = taskID.String
		exec.ScheduledFor = fromMs(scheduledMs)
		exec.ExecutedAt = fromMs(executedMs)
		exec.ErrorMessage = errorMessage.String
		exec.CreatedAt = fromMs(createdMs)
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched       Schedule
		cronExpr    sql.NullString
		scheduledMs sql.NullInt64
		template    string
		maxRuns     sql.NullInt64
		lastRunMs   sql.NullInt64
		nextRunMs   sql.NullInt64
		expiresMs   sql.NullInt64
		createdMs   int64
		updatedMs   int64
	)
	if err := row.Scan(
		&sched.ID, &sched.Type, &cronExpr, &scheduledMs, &sched.Timezone, &sched.Status,
		&sched.MissedRunPolicy, &template, &sched.Priority, &maxRuns, &sched.RunCount,
		&lastRunMs, &nextRunMs, &expiresMs, &createdMs, &updatedMs,
	); err != nil {
		return nil, err
	}
	sched.CronExpression = cronExpr.String
	sched.ScheduledAt = fromNullMs(scheduledMs)
	if err := json.Unmarshal([]byte(template), &sched.Template); err != nil {
		return nil, fmt.Errorf("parse task template: %w", err)
	}
	if maxRuns.Valid {
		n := int(maxRuns.Int64)
		sched.MaxRuns = &n
	}
	sched.LastRunAt = fromNullMs(lastRunMs)
	sched.NextRunAt = fromNullMs(nextRunMs)
	sched.ExpiresAt = fromNullMs(expiresMs)
	sched.CreatedAt = fromMs(createdMs)
	sched.UpdatedAt = fromMs(updatedMs)
	return &sched, nil
}
