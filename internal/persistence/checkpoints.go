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

// CheckpointType records which terminal event produced the checkpoint.
type CheckpointType string

const (
	CheckpointCompleted CheckpointType = "completed"
	CheckpointFailed    CheckpointType = "failed"
	CheckpointCancelled CheckpointType = "cancelled"
	CheckpointTimeout   CheckpointType = "timeout"
)

// Checkpoint is an immutable snapshot written at a task's terminal
// event, sufficient to enrich a resume prompt.
type Checkpoint struct {
	ID            string
	TaskID        string
	Type          CheckpointType
	OutputSummary string
	ErrorSummary  string
	GitBranch     string
	GitCommitSHA  string
	GitDirtyFiles []string
	CreatedAt     time.Time
}

// SaveCheckpoint inserts a checkpoint row. Checkpoints are never
// updated or overwritten.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" || cp.TaskID == "" {
		return derr.New(derr.KindInvalidInput, "checkpoint id and task id are required")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	var dirtyJSON any
	if cp.GitDirtyFiles != nil {
		raw, err := json.Marshal(cp.GitDirtyFiles)
		if err != nil {
			return fmt.Errorf("encode dirty files: %w", err)
		}
		dirtyJSON = string(raw)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (id, task_id, checkpoint_type, output_summary, error_summary,
				git_branch, git_commit_sha, git_dirty_files, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, cp.ID, cp.TaskID, cp.Type,
			nullIfEmpty(cp.OutputSummary), nullIfEmpty(cp.ErrorSummary),
			nullIfEmpty(cp.GitBranch), nullIfEmpty(cp.GitCommitSHA), dirtyJSON,
			toMs(cp.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// LatestCheckpoint returns the most recent checkpoint for a task.
// Ordering is (created_at DESC, id DESC): two checkpoints written in
// the same millisecond tie-break on the id column, which is the
// documented choice for latest-checkpoint semantics.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, checkpoint_type, output_summary, error_summary,
			git_branch, git_commit_sha, git_dirty_files, created_at
		FROM checkpoints WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, taskID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// CheckpointsForTask lists every checkpoint of a task, newest first.
func (s *Store) CheckpointsForTask(ctx context.Context, taskID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, checkpoint_type, output_summary, error_summary,
			git_branch, git_commit_sha, git_dirty_files, created_at
		FROM checkpoints WHERE task_id = ?
		ORDER BY created_at DESC, id DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoints removes every checkpoint of a task. Used by tests
// that need exact latest-checkpoint semantics and by retention.
func (s *Store) DeleteCheckpoints(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		return nil
	})
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		output    sql.NullString
		errorSum  sql.NullString
		branch    sql.NullString
		sha       sql.NullString
		dirty     sql.NullString
		createdMs int64
	)
	if err := row.Scan(&cp.ID, &cp.TaskID, &cp.Type, &output, &errorSum,
		&branch, &sha, &dirty, &createdMs); err != nil {
		return nil, err
	}
	cp.OutputSummary = output.String
	cp.ErrorSummary = errorSum.String
	cp.GitBranch = branch.String
	cp.GitCommitSHA = sha.String
	if dirty.Valid && dirty.String != "" {
		if err := json.Unmarshal([]byte(dirty.String), &cp.GitDirtyFiles); err != nil {
			return nil, fmt.Errorf("parse dirty files: %w", err)
		}
	}
	cp.CreatedAt = fromMs(createdMs)
	return &cp, nil
}
