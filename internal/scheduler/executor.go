package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/config"
	"github.com/basket/delegate/internal/persistence"
)

// Executor wakes on an interval, finds due schedules, applies the
// missed-run policy, and fires triggers. The trigger handler turns a
// firing into a delegated task and advances the schedule.
type Executor struct {
	cfg    config.Config
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	triggerSub *bus.Subscription
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewExecutor creates an Executor.
func NewExecutor(cfg config.Config, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, store: store, bus: eventBus, logger: logger, now: time.Now}
}

// SetClock overrides the clock for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Start registers the trigger handler and begins the tick loop.
func (e *Executor) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe(bus.TopicScheduleTriggered, "schedule-trigger-handler", e.onTriggered)
	if err != nil {
		return err
	}
	e.triggerSub = sub

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("scheduler executor started", "interval", e.cfg.SchedulerCheckInterval())
	return nil
}

// Stop halts the tick loop.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.triggerSub != nil {
		e.bus.Unsubscribe(e.triggerSub)
		e.triggerSub = nil
	}
	e.logger.Info("scheduler executor stopped")
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SchedulerCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one due-schedule pass. For each due schedule the lateness
// (now minus nextRunAt) decides the outcome under its missed-run
// policy. `catchup` never fires a burst of historical triggers:
// nextRunAt advances past now in one step when the schedule is updated
// by the trigger handler.
func (e *Executor) Tick(ctx context.Context) {
	now := e.now()
	due, err := e.store.DueSchedules(ctx, now)
	if err != nil {
		e.logger.Error("query due schedules", "error", err)
		return
	}

	for _, sched := range due {
		scheduledFor := now
		if sched.NextRunAt != nil {
			scheduledFor = *sched.NextRunAt
		}
		lateness := now.Sub(scheduledFor)
		grace := e.cfg.MissedRunGracePeriod()

		switch {
		case sched.MissedRunPolicy == persistence.MissedRunSkip && lateness > grace:
			e.recordMiss(ctx, sched, scheduledFor, now, persistence.ExecutionSkipped, "")
			e.advance(ctx, &sched, now, false)
		case sched.MissedRunPolicy == persistence.MissedRunFail && lateness > grace:
			e.recordMiss(ctx, sched, scheduledFor, now, persistence.ExecutionFailed,
				"missed run exceeded grace period")
			e.advance(ctx, &sched, now, false)
		default:
			e.bus.Emit(ctx, bus.TopicScheduleTriggered, bus.ScheduleTriggeredEvent{
				ScheduleID: sched.ID, TriggeredAt: now, ScheduledFor: scheduledFor,
			})
		}
	}
}

// onTriggered materialises the task for one firing and advances the
// schedule. The update always writes nextRunAt (a future instant or
// NULL), so a failure computing the next run can never leave a past
// value that re-triggers every tick.
func (e *Executor) onTriggered(ctx context.Context, event bus.Event) error {
	trigger, ok := event.Payload.(bus.ScheduleTriggeredEvent)
	if !ok {
		return nil
	}
	now := e.now()

	sched, err := e.store.FindSchedule(ctx, trigger.ScheduleID)
	if err != nil {
		return err
	}
	if sched.Status != persistence.ScheduleStatusActive {
		e.logger.Info("trigger dropped for inactive schedule",
			"schedule_id", sched.ID, "status", sched.Status)
		return nil
	}

	task := &persistence.Task{
		ID:         uuid.NewString(),
		Prompt:     sched.Template.Prompt,
		Priority:   sched.Priority,
		Status:     persistence.TaskStatusQueued,
		WorkingDir: sched.Template.WorkingDir,
		UseWorktree: sched.Template.UseWorktree,
		Timeout:    time.Duration(sched.Template.TimeoutMs) * time.Millisecond,
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.recordMiss(ctx, *sched, trigger.ScheduledFor, now, persistence.ExecutionFailed, err.Error())
		e.advance(ctx, sched, now, false)
		return err
	}

	// Audit-trail failure is logged but never aborts the firing.
	if err := e.store.RecordExecution(ctx, persistence.ScheduleExecution{
		ScheduleID:   sched.ID,
		TaskID:       task.ID,
		ScheduledFor: trigger.ScheduledFor,
		ExecutedAt:   now,
		Status:       persistence.ExecutionTriggered,
	}); err != nil {
		e.logger.Error("record schedule execution", "schedule_id", sched.ID, "error", err)
	}

	e.bus.Emit(ctx, bus.TopicTaskDelegated, bus.TaskDelegatedEvent{
		TaskID:      task.ID,
		Prompt:      task.Prompt,
		Priority:    task.Priority,
		WorkingDir:  task.WorkingDir,
		UseWorktree: task.UseWorktree,
		TimeoutMs:   sched.Template.TimeoutMs,
	})
	e.bus.Emit(ctx, bus.TopicScheduleExecuted, bus.ScheduleExecutedEvent{
		ScheduleID: sched.ID, TaskID: task.ID, Status: string(persistence.ExecutionTriggered),
	})

	e.advance(ctx, sched, now, true)
	return nil
}

// advance moves a schedule past the firing at `now`: run accounting,
// terminal transitions (one-shot done, maxRuns reached, expired), and
// the single-step nextRunAt computation.
func (e *Executor) advance(ctx context.Context, sched *persistence.Schedule, now time.Time, fired bool) {
	runCount := sched.RunCount
	if fired {
		runCount++
	}

	status := persistence.ScheduleStatusActive
	var nextRun *time.Time

	switch {
	case sched.Type == persistence.ScheduleTypeOneTime:
		// A fired one-shot completes; a missed one expires, so that a
		// completed one_time schedule always has runCount 1.
		if fired {
			status = persistence.ScheduleStatusCompleted
		} else {
			status = persistence.ScheduleStatusExpired
		}
	case sched.MaxRuns != nil && runCount >= *sched.MaxRuns:
		status = persistence.ScheduleStatusCompleted
	case sched.ExpiresAt != nil && !now.Before(*sched.ExpiresAt):
		status = persistence.ScheduleStatusExpired
	default:
		next, err := NextRun(sched.CronExpression, sched.Timezone, now)
		if err != nil {
			// Unparseable at advance time: park the schedule rather
			// than leave a stale nextRunAt that would re-fire forever.
			e.logger.Error("compute next run", "schedule_id", sched.ID, "error", err)
			status = persistence.ScheduleStatusExpired
		} else {
			nextRun = &next
		}
	}

	if err := e.store.AdvanceSchedule(ctx, sched.ID, status, now, nextRun, runCount); err != nil {
		e.logger.Error("advance schedule", "schedule_id", sched.ID, "error", err)
	}
}

func (e *Executor) recordMiss(ctx context.Context, sched persistence.Schedule, scheduledFor, now time.Time, status persistence.ExecutionStatus, message string) {
	if err := e.store.RecordExecution(ctx, persistence.ScheduleExecution{
		ScheduleID:   sched.ID,
		ScheduledFor: scheduledFor,
		ExecutedAt:   now,
		Status:       status,
		ErrorMessage: message,
	}); err != nil {
		e.logger.Error("record missed run", "schedule_id", sched.ID, "error", err)
	}
}
