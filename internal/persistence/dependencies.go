package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/delegate/internal/derr"
)

// Resolution is the terminal decision on a dependency edge.
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionCompleted Resolution = "completed"
	ResolutionFailed    Resolution = "failed"
	ResolutionCancelled Resolution = "cancelled"
)

// Limits mirrored from the in-memory graph; the database transaction
// re-checks them against live rows so two concurrent adds cannot
// jointly violate them.
const (
	maxDependencyFanIn = 100
	maxDependencyDepth = 100
)

// DependencyEdge is one persisted edge: TaskID must not run until
// DependsOnTaskID is resolved.
type DependencyEdge struct {
	TaskID          string
	DependsOnTaskID string
	Resolution      Resolution
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// AddDependency inserts taskID → dependsOnID. The cycle, fan-in, and
// depth checks run inside the same transaction as the insert, against
// the live pending-edge set, which closes the check-then-insert race:
// of two concurrent A→B / B→A adds at most one commits.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	return s.AddDependencies(ctx, taskID, []string{dependsOnID})
}

// AddDependencies inserts a batch of edges for one task atomically.
// Either every edge is inserted or none are.
func (s *Store) AddDependencies(ctx context.Context, taskID string, dependsOnIDs []string) error {
	if taskID == "" || len(dependsOnIDs) == 0 {
		return derr.New(derr.KindInvalidInput, "task id and at least one dependency are required")
	}
	for _, dep := range dependsOnIDs {
		if dep == taskID {
			return derr.Newf(derr.KindDependencyCycle, "task %s cannot depend on itself", taskID)
		}
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dependency tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		adjacency, err := pendingAdjacencyTx(ctx, tx)
		if err != nil {
			return err
		}

		for _, dep := range dependsOnIDs {
			if _, exists := adjacency[taskID][dep]; exists {
				return derr.Newf(derr.KindDependencyExists,
					"dependency %s -> %s already exists", taskID, dep)
			}
			if len(adjacency[taskID]) >= maxDependencyFanIn {
				return derr.Newf(derr.KindFanoutExceeded,
					"task %s already has %d dependencies", taskID, maxDependencyFanIn)
			}
			if reachable(adjacency, dep, taskID) {
				return derr.Newf(derr.KindDependencyCycle,
					"dependency %s -> %s would create a cycle", taskID, dep)
			}
			// Apply to the working view so later edges in the batch
			// see earlier ones.
			if adjacency[taskID] == nil {
				adjacency[taskID] = make(map[string]struct{})
			}
			adjacency[taskID][dep] = struct{}{}
			if depthThrough(adjacency, taskID) > maxDependencyDepth {
				return derr.Newf(derr.KindDepthExceeded,
					"dependency %s -> %s exceeds max chain depth %d", taskID, dep, maxDependencyDepth)
			}
		}

		nowMs := toMs(time.Now())
		for _, dep := range dependsOnIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_task_id, resolution, created_at)
				VALUES (?, ?, 'pending', ?);
			`, taskID, dep, nowMs); err != nil {
				return fmt.Errorf("insert dependency: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ResolveDependenciesBatch marks every pending edge that names
// resolvedTaskID as its dependency with the given resolution, in one
// UPDATE, and returns the dependents whose last pending edge just
// cleared.
func (s *Store) ResolveDependenciesBatch(ctx context.Context, resolvedTaskID string, resolution Resolution) (unblocked []string, err error) {
	if resolution == ResolutionPending {
		return nil, derr.New(derr.KindInvalidInput, "resolution must be terminal")
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM task_dependencies
			WHERE depends_on_task_id = ? AND resolution = 'pending';
		`, resolvedTaskID)
		if err != nil {
			return fmt.Errorf("list pending dependents: %w", err)
		}
		var dependents []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan dependent: %w", err)
			}
			dependents = append(dependents, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("dependent rows: %w", err)
		}
		if len(dependents) == 0 {
			unblocked = nil
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_dependencies
			SET resolution = ?, resolved_at = ?
			WHERE depends_on_task_id = ? AND resolution = 'pending';
		`, resolution, toMs(time.Now()), resolvedTaskID); err != nil {
			return fmt.Errorf("resolve dependencies: %w", err)
		}

		unblocked = unblocked[:0]
		for _, dependent := range dependents {
			var remaining int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM task_dependencies
				WHERE task_id = ? AND resolution = 'pending';
			`, dependent).Scan(&remaining); err != nil {
				return fmt.Errorf("count remaining edges: %w", err)
			}
			if remaining == 0 {
				unblocked = append(unblocked, dependent)
			}
		}
		return tx.Commit()
	})
	return unblocked, err
}

// IsBlocked reports whether the task still has a pending incoming edge.
func (s *Store) IsBlocked(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_dependencies
		WHERE task_id = ? AND resolution = 'pending';
	`, taskID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("is blocked: %w", err)
	}
	return count > 0, nil
}

// DependenciesForTask lists every edge whose TaskID matches.
func (s *Store) DependenciesForTask(ctx context.Context, taskID string) ([]DependencyEdge, error) {
	return s.queryEdges(ctx, `
		SELECT task_id, depends_on_task_id, resolution, created_at, resolved_at
		FROM task_dependencies WHERE task_id = ? ORDER BY created_at ASC;
	`, taskID)
}

// PendingEdges lists every pending edge, for rebuilding the in-memory
// graph on boot.
func (s *Store) PendingEdges(ctx context.Context) ([]DependencyEdge, error) {
	return s.queryEdges(ctx, `
		SELECT task_id, depends_on_task_id, resolution, created_at, resolved_at
		FROM task_dependencies WHERE resolution = 'pending' ORDER BY created_at ASC;
	`)
}

// EdgeCount returns the total number of edges regardless of resolution.
func (s *Store) EdgeCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_dependencies;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("edge count: %w", err)
	}
	return count, nil
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []DependencyEdge
	for rows.Next() {
		var (
			edge       DependencyEdge
			createdMs  int64
			resolvedMs sql.NullInt64
		)
		if err := rows.Scan(&edge.TaskID, &edge.DependsOnTaskID, &edge.Resolution, &createdMs, &resolvedMs); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edge.CreatedAt = fromMs(createdMs)
		edge.ResolvedAt = fromNullMs(resolvedMs)
		out = append(out, edge)
	}
	return out, rows.Err()
}

func pendingAdjacencyTx(ctx context.Context, tx *sql.Tx) (map[string]map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, depends_on_task_id FROM task_dependencies WHERE resolution = 'pending';
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending edges: %w", err)
	}
	defer rows.Close()

	adjacency := make(map[string]map[string]struct{})
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, fmt.Errorf("scan pending edge: %w", err)
		}
		if adjacency[a] == nil {
			adjacency[a] = make(map[string]struct{})
		}
		adjacency[a][b] = struct{}{}
	}
	return adjacency, rows.Err()
}

func reachable(adjacency map[string]map[string]struct{}, from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range adjacency[node] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	return false
}

// depthThrough computes the longest chain through node: the longest
// dependent chain above it plus the longest dependency chain below it.
func depthThrough(adjacency map[string]map[string]struct{}, node string) int {
	reverse := make(map[string]map[string]struct{})
	for a, bs := range adjacency {
		for b := range bs {
			if reverse[b] == nil {
				reverse[b] = make(map[string]struct{})
			}
			reverse[b][a] = struct{}{}
		}
	}
	return longestPath(reverse, node, map[string]int{}) + longestPath(adjacency, node, map[string]int{})
}

func longestPath(adjacency map[string]map[string]struct{}, node string, memo map[string]int) int {
	if d, ok := memo[node]; ok {
		return d
	}
	best := 0
	for next := range adjacency[node] {
		if d := longestPath(adjacency, next, memo) + 1; d > best {
			best = d
		}
	}
	memo[node] = best
	return best
}
