// Package recovery re-arms the kernel after a restart: queued work goes
// back into the in-memory queue, stale running tasks are failed, and
// fresher in-flight work is retried. Nothing else is serviced until the
// pass completes.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/persistence"
	"github.com/basket/delegate/internal/queue"
)

// StaleThreshold is how long a running task may go without an update
// before recovery declares its process dead.
const StaleThreshold = time.Hour

// CrashExitCode marks tasks failed by recovery rather than by their own
// process.
const CrashExitCode = -1

// Summary reports what one recovery pass did.
type Summary struct {
	Requeued   int
	FailedStale int
}

// Manager runs the boot-time pass.
type Manager struct {
	store  *persistence.Store
	queue  *queue.Queue
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Manager.
func New(store *persistence.Store, q *queue.Queue, eventBus *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, queue: q, bus: eventBus, logger: logger, now: time.Now}
}

// SetClock overrides the clock for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Run executes the recovery pass synchronously and returns its summary.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	queued, err := m.store.TasksByStatus(ctx, persistence.TaskStatusQueued)
	if err != nil {
		return summary, fmt.Errorf("load queued tasks: %w", err)
	}
	for _, task := range queued {
		if err := m.requeue(ctx, task); err != nil {
			m.logger.Error("requeue queued task", "task_id", task.ID, "error", err)
			continue
		}
		summary.Requeued++
	}

	running, err := m.store.TasksByStatus(ctx, persistence.TaskStatusRunning)
	if err != nil {
		return summary, fmt.Errorf("load running tasks: %w", err)
	}
	now := m.now()
	for _, task := range running {
		if now.Sub(task.UpdatedAt) > StaleThreshold {
			// The worker died with the previous process; there is no
			// exit to observe, so the task fails with the crash code.
			failed := persistence.TaskStatusFailed
			code := CrashExitCode
			completed := now
			if err := m.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{
				Status: &failed, ExitCode: &code, CompletedAt: &completed,
			}); err != nil {
				m.logger.Error("fail stale task", "task_id", task.ID, "error", err)
				continue
			}
			summary.FailedStale++
			continue
		}
		// In flight when we went down and recently updated: we never
		// confirmed completion, so it runs again.
		requeued := persistence.TaskStatusQueued
		if err := m.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &requeued}); err != nil {
			m.logger.Error("requeue running task", "task_id", task.ID, "error", err)
			continue
		}
		task.Status = persistence.TaskStatusQueued
		if err := m.requeue(ctx, task); err != nil {
			m.logger.Error("requeue running task", "task_id", task.ID, "error", err)
			continue
		}
		summary.Requeued++
	}

	m.logger.Info("recovery pass complete",
		"requeued", summary.Requeued, "failed_stale", summary.FailedStale)
	return summary, nil
}

func (m *Manager) requeue(ctx context.Context, task persistence.Task) error {
	if err := m.queue.Enqueue(queue.Item{TaskID: task.ID, Priority: task.Priority}); err != nil {
		return err
	}
	m.bus.Emit(ctx, bus.TopicTaskQueued, bus.TaskQueuedEvent{TaskID: task.ID, Priority: task.Priority})
	return nil
}
