package container

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/derr"
	"github.com/basket/delegate/internal/persistence"
	"github.com/basket/delegate/internal/queue"
	"github.com/basket/delegate/internal/shared"
)

func queueItem(task *persistence.Task) queue.Item {
	return queue.Item{TaskID: task.ID, Priority: task.Priority}
}

// DelegateRequest is the user-facing input to Delegate.
type DelegateRequest struct {
	Prompt      string
	Priority    int
	WorkingDir  string
	UseWorktree bool
	Timeout     time.Duration
	DependsOn   string // optional task ID this one must wait for
}

// Delegate accepts a task: persist, record the optional dependency, and
// hand it to the queueing path via TaskDelegated. Errors that change
// user-visible state return to the caller verbatim.
func (c *Container) Delegate(ctx context.Context, req DelegateRequest) (*persistence.Task, error) {
	if req.Prompt == "" {
		return nil, derr.New(derr.KindInvalidInput, "prompt is required")
	}
	if req.Priority < persistence.PriorityP0 || req.Priority > persistence.PriorityP2 {
		return nil, derr.Newf(derr.KindInvalidInput, "priority %d out of range", req.Priority)
	}

	task := &persistence.Task{
		ID:          uuid.NewString(),
		Prompt:      req.Prompt,
		Priority:    req.Priority,
		Status:      persistence.TaskStatusQueued,
		WorkingDir:  req.WorkingDir,
		UseWorktree: req.UseWorktree,
		Timeout:     req.Timeout,
	}
	if req.DependsOn != "" {
		task.Status = persistence.TaskStatusBlocked
	}
	if err := c.Store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	if req.DependsOn != "" {
		if err := c.Store.AddDependency(ctx, task.ID, req.DependsOn); err != nil {
			// Unwind the freshly inserted task so a rejected dependency
			// leaves no orphan behind.
			if delErr := c.Store.DeleteTask(ctx, task.ID); delErr != nil {
				c.logger.Error("unwind rejected delegation", "task_id", task.ID, "error", delErr)
			}
			return nil, err
		}
		if err := c.Graph.AddEdge(task.ID, req.DependsOn); err != nil {
			c.logger.Warn("graph cache rejected persisted edge",
				"task_id", task.ID, "depends_on", req.DependsOn, "error", err)
		}
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	c.Bus.Emit(ctx, bus.TopicTaskDelegated, bus.TaskDelegatedEvent{
		TaskID:      task.ID,
		Prompt:      task.Prompt,
		Priority:    task.Priority,
		WorkingDir:  task.WorkingDir,
		UseWorktree: task.UseWorktree,
		TimeoutMs:   task.Timeout.Milliseconds(),
		DependsOn:   req.DependsOn,
		TraceID:     traceID,
	})
	return task, nil
}

// registerDelegationHandler wires the queueing side of the delegation
// path: every TaskDelegated, whether from Delegate, the scheduler, or
// resume, ends with the task in the queue and a TaskQueued emission.
func (c *Container) registerDelegationHandler() error {
	sub, err := c.Bus.Subscribe(bus.TopicTaskDelegated, "delegation-handler", func(ctx context.Context, e bus.Event) error {
		payload, ok := e.Payload.(bus.TaskDelegatedEvent)
		if !ok {
			return nil
		}

		// Producers persist before emitting; a missing row means the
		// event arrived from a path that could not reach the store.
		task, err := c.Store.FindTask(ctx, payload.TaskID)
		if err != nil {
			return err
		}

		blocked, err := c.Store.IsBlocked(ctx, task.ID)
		if err != nil {
			return err
		}
		if blocked && task.Status != persistence.TaskStatusBlocked {
			blockedStatus := persistence.TaskStatusBlocked
			if err := c.Store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &blockedStatus}); err != nil {
				return err
			}
		}

		if err := c.Queue.Enqueue(queueItem(task)); err != nil {
			// Over capacity: surface through the failure topic so the
			// caller's watchers see a terminal outcome.
			failed := persistence.TaskStatusFailed
			if uerr := c.Store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &failed}); uerr != nil {
				c.logger.Error("mark overflow task failed", "task_id", task.ID, "error", uerr)
			}
			c.Bus.Emit(ctx, bus.TopicTaskFailed, bus.TaskFailedEvent{
				TaskID: task.ID, ExitCode: -1, Error: err.Error(),
			})
			return err
		}
		c.Bus.Emit(ctx, bus.TopicTaskQueued, bus.TaskQueuedEvent{TaskID: task.ID, Priority: task.Priority})
		return nil
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

// registerLogsHandler answers LogsRequested with an OutputCaptured
// snapshot, preferring the live buffer over the persisted row.
func (c *Container) registerLogsHandler() error {
	sub, err := c.Bus.Subscribe(bus.TopicLogsRequested, "logs-handler", func(ctx context.Context, e bus.Event) error {
		payload, ok := e.Payload.(bus.LogsRequestedEvent)
		if !ok {
			return nil
		}
		snap := c.Capture.Get(payload.TaskID, payload.Tail)
		if snap.TotalSize == 0 {
			stored, err := c.Store.GetOutput(ctx, payload.TaskID)
			if err != nil {
				return err
			}
			snap.Stdout = stored.Stdout
			snap.Stderr = stored.Stderr
		}
		c.Bus.Emit(ctx, bus.TopicOutputCaptured, bus.OutputCapturedEvent{
			TaskID: payload.TaskID, Stdout: snap.Stdout, Stderr: snap.Stderr,
		})
		return nil
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

// CancelTask cancels a running or queued task. Running tasks go through
// the pool's graceful kill; queued ones are removed directly.
func (c *Container) CancelTask(ctx context.Context, taskID string) error {
	if w, ok := c.Pool.WorkerForTask(taskID); ok {
		return c.Pool.Kill(w.ID)
	}

	task, err := c.Store.FindTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case persistence.TaskStatusQueued, persistence.TaskStatusBlocked:
	default:
		return derr.Newf(derr.KindInvalidOperation,
			"task %s is %s and cannot be cancelled", taskID, task.Status)
	}

	c.Queue.Remove(taskID)
	cancelled := persistence.TaskStatusCancelled
	now := time.Now()
	if err := c.Store.UpdateTask(ctx, taskID, persistence.TaskUpdate{
		Status: &cancelled, CompletedAt: &now,
	}); err != nil {
		return err
	}
	c.Bus.Emit(ctx, bus.TopicTaskCancelled, bus.TaskCancelledEvent{TaskID: taskID})
	return nil
}

// registerMetricsBridge feeds kernel events into the otel instruments.
func (c *Container) registerMetricsBridge() error {
	type bridge struct {
		topic string
		fn    bus.Handler
	}
	m := c.Metrics
	bridges := []bridge{
		{bus.TopicTaskDelegated, func(ctx context.Context, e bus.Event) error {
			m.TasksDelegated.Add(ctx, 1)
			return nil
		}},
		{bus.TopicTaskQueued, func(ctx context.Context, e bus.Event) error {
			m.QueueDepth.Add(ctx, 1)
			return nil
		}},
		{bus.TopicWorkerSpawned, func(ctx context.Context, e bus.Event) error {
			m.QueueDepth.Add(ctx, -1)
			m.ActiveWorkers.Add(ctx, 1)
			return nil
		}},
		{bus.TopicTaskCompleted, func(ctx context.Context, e bus.Event) error {
			m.ActiveWorkers.Add(ctx, -1)
			m.TasksCompleted.Add(ctx, 1)
			if payload, ok := e.Payload.(bus.TaskCompletedEvent); ok {
				m.TaskDuration.Record(ctx, payload.Duration.Seconds())
			}
			return nil
		}},
		{bus.TopicTaskFailed, func(ctx context.Context, e bus.Event) error {
			m.ActiveWorkers.Add(ctx, -1)
			m.TasksFailed.Add(ctx, 1)
			return nil
		}},
		{bus.TopicTaskTimeout, func(ctx context.Context, e bus.Event) error {
			m.ActiveWorkers.Add(ctx, -1)
			m.TasksFailed.Add(ctx, 1)
			return nil
		}},
		{bus.TopicTaskCancelled, func(ctx context.Context, e bus.Event) error {
			m.ActiveWorkers.Add(ctx, -1)
			m.TasksFailed.Add(ctx, 1)
			return nil
		}},
		{bus.TopicScheduleTriggered, func(ctx context.Context, e bus.Event) error {
			m.ScheduleTriggers.Add(ctx, 1)
			return nil
		}},
		{bus.TopicSpawnRejected, func(ctx context.Context, e bus.Event) error {
			m.SpawnRejections.Add(ctx, 1)
			return nil
		}},
		{bus.TopicBlockedPeek, func(ctx context.Context, e bus.Event) error {
			m.DependencyBlocked.Add(ctx, 1)
			return nil
		}},
	}
	for _, b := range bridges {
		sub, err := c.Bus.Subscribe(b.topic, "metrics-bridge", b.fn)
		if err != nil {
			return err
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}
