// Package persistence owns the SQLite database behind the delegate
// kernel: tasks, outputs, dependency edges, schedules, executions, and
// checkpoints. Rows are authoritative; in-memory structures elsewhere
// are caches over these tables. Cross-statement invariants are enforced
// here with explicit transactions, never by callers.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "delegate-v1-2026-07-tasks-schedules-checkpoints"
)

// Store is the single handle to the delegate database. The connection
// pool is pinned to one connection so SQLite sees a single writer.
type Store struct {
	db        *sql.DB
	path      string
	outputDir string
}

// DefaultDBPath returns $HOME/.delegate/tasks.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".delegate", "tasks.db")
}

// Open opens (creating if needed) the database at path and applies the
// schema. An empty path uses the default location.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, path: path, outputDir: filepath.Join(filepath.Dir(path), "output")}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// OutputDir is the sidecar directory for spilled task output.
func (s *Store) OutputDir() string { return s.outputDir }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read migration checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 1 CHECK(priority BETWEEN 0 AND 2),
			status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'completed', 'failed', 'cancelled', 'timeout', 'blocked')),
			working_dir TEXT NOT NULL DEFAULT '',
			use_worktree INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER,
			worker_id TEXT,
			exit_code INTEGER,
			parent_task_id TEXT,
			retry_of TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_output (
			task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
			stdout_json TEXT NOT NULL DEFAULT '[]',
			stderr_json TEXT NOT NULL DEFAULT '[]',
			total_size INTEGER NOT NULL DEFAULT 0,
			file_path TEXT,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on_task_id TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT 'pending' CHECK(resolution IN ('pending', 'completed', 'failed', 'cancelled')),
			created_at INTEGER NOT NULL,
			resolved_at INTEGER,
			PRIMARY KEY (task_id, depends_on_task_id),
			CHECK (task_id <> depends_on_task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			schedule_type TEXT NOT NULL CHECK(schedule_type IN ('cron', 'one_time')),
			cron_expression TEXT,
			scheduled_at INTEGER,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'cancelled', 'completed', 'expired')),
			missed_run_policy TEXT NOT NULL DEFAULT 'skip' CHECK(missed_run_policy IN ('skip', 'catchup', 'fail')),
			task_template TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 1,
			max_runs INTEGER,
			run_count INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER,
			next_run_at INTEGER,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schedule_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
			task_id TEXT,
			scheduled_for INTEGER NOT NULL,
			executed_at INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('triggered', 'skipped', 'failed')),
			error_message TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			checkpoint_type TEXT NOT NULL CHECK(checkpoint_type IN ('completed', 'failed', 'cancelled', 'timeout')),
			output_summary TEXT,
			error_summary TEXT,
			git_branch TEXT,
			git_commit_sha TEXT,
			git_dirty_files TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on_task_id, resolution);`,
		`CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(task_id, resolution);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_id);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// Epoch-millisecond helpers. All timestamp columns store int64 ms.

func toMs(t time.Time) int64 {
	return t.UnixMilli()
}

func toMsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
