package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TaskOutput is the persisted output snapshot for one task. When the
// content spilled to disk, FilePath is set and the SQL row keeps empty
// chunk arrays; the file holds the full TaskOutput JSON document, and
// GetOutput returns the chunks read back from it with FilePath set.
type TaskOutput struct {
	TaskID    string   `json:"taskId"`
	Stdout    []string `json:"stdout"`
	Stderr    []string `json:"stderr"`
	TotalSize int64    `json:"totalSize"`
	FilePath  string   `json:"filePath,omitempty"`
}

// SaveOutput upserts the output row for a task. When the total size
// exceeds spillThreshold the full content is written to
// output/{taskId}.json and only the file reference is kept in SQL.
func (s *Store) SaveOutput(ctx context.Context, out TaskOutput, spillThreshold int64) error {
	if out.TaskID == "" {
		return errors.New("output task id is required")
	}

	filePath := ""
	stdout, stderr := out.Stdout, out.Stderr
	if spillThreshold > 0 && out.TotalSize > spillThreshold {
		path, err := s.spillOutput(out)
		if err != nil {
			return err
		}
		filePath = path
		stdout, stderr = nil, nil
	}

	stdoutJSON, err := json.Marshal(emptyIfNil(stdout))
	if err != nil {
		return fmt.Errorf("encode stdout: %w", err)
	}
	stderrJSON, err := json.Marshal(emptyIfNil(stderr))
	if err != nil {
		return fmt.Errorf("encode stderr: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_output (task_id, stdout_json, stderr_json, total_size, file_path, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				stdout_json = excluded.stdout_json,
				stderr_json = excluded.stderr_json,
				total_size = excluded.total_size,
				file_path = excluded.file_path,
				updated_at = excluded.updated_at;
		`, out.TaskID, string(stdoutJSON), string(stderrJSON), out.TotalSize,
			nullIfEmpty(filePath), toMs(time.Now()))
		if err != nil {
			return fmt.Errorf("upsert task output: %w", err)
		}
		return nil
	})
}

// GetOutput loads the output for a task, following the file reference
// when the content spilled to disk. A task without output returns an
// empty snapshot, not an error.
func (s *Store) GetOutput(ctx context.Context, taskID string) (TaskOutput, error) {
	var (
		out        TaskOutput
		stdoutJSON string
		stderrJSON string
		filePath   sql.NullString
	)
	out.TaskID = taskID
	err := s.db.QueryRowContext(ctx, `
		SELECT stdout_json, stderr_json, total_size, file_path
		FROM task_output WHERE task_id = ?;
	`, taskID).Scan(&stdoutJSON, &stderrJSON, &out.TotalSize, &filePath)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskOutput{TaskID: taskID}, nil
	}
	if err != nil {
		return out, fmt.Errorf("get task output: %w", err)
	}

	if filePath.Valid && filePath.String != "" {
		out.FilePath = filePath.String
		raw, err := os.ReadFile(filePath.String)
		if err != nil {
			return out, fmt.Errorf("read spilled output: %w", err)
		}
		var spilled TaskOutput
		if err := json.Unmarshal(raw, &spilled); err != nil {
			return out, fmt.Errorf("parse spilled output: %w", err)
		}
		out.Stdout = spilled.Stdout
		out.Stderr = spilled.Stderr
		return out, nil
	}

	if err := json.Unmarshal([]byte(stdoutJSON), &out.Stdout); err != nil {
		return out, fmt.Errorf("parse stdout: %w", err)
	}
	if err := json.Unmarshal([]byte(stderrJSON), &out.Stderr); err != nil {
		return out, fmt.Errorf("parse stderr: %w", err)
	}
	return out, nil
}

func (s *Store) spillOutput(out TaskOutput) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(s.outputDir, out.TaskID+".json")
	doc := TaskOutput{
		TaskID:    out.TaskID,
		Stdout:    emptyIfNil(out.Stdout),
		Stderr:    emptyIfNil(out.Stderr),
		TotalSize: out.TotalSize,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode spilled output: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write spilled output: %w", err)
	}
	return path, nil
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
