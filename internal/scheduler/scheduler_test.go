package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/config"
	"github.com/basket/delegate/internal/derr"
	"github.com/basket/delegate/internal/persistence"
)

type fixture struct {
	store     *persistence.Store
	bus       *bus.Bus
	service   *Service
	executor  *Executor
	delegated chan bus.TaskDelegatedEvent
	triggered chan bus.ScheduleTriggeredEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New(bus.Options{})
	f := &fixture{
		store:     store,
		bus:       b,
		service:   NewService(store, b, nil),
		executor:  NewExecutor(config.Defaults(), store, b, nil),
		delegated: make(chan bus.TaskDelegatedEvent, 16),
		triggered: make(chan bus.ScheduleTriggeredEvent, 16),
	}
	if _, err := b.Subscribe(bus.TopicTaskDelegated, "test-recorder", func(ctx context.Context, e bus.Event) error {
		f.delegated <- e.Payload.(bus.TaskDelegatedEvent)
		return nil
	}); err != nil {
		t.Fatalf("subscribe delegated: %v", err)
	}
	if _, err := b.Subscribe(bus.TopicScheduleTriggered, "test-recorder", func(ctx context.Context, e bus.Event) error {
		f.triggered <- e.Payload.(bus.ScheduleTriggeredEvent)
		return nil
	}); err != nil {
		t.Fatalf("subscribe triggered: %v", err)
	}
	// Trigger handler registered after the recorder: recorder sees the
	// event first, handler still fires.
	if _, err := b.Subscribe(bus.TopicScheduleTriggered, "schedule-trigger-handler", f.executor.onTriggered); err != nil {
		t.Fatalf("subscribe handler: %v", err)
	}
	return f
}

func forceDue(t *testing.T, store *persistence.Store, id string, past time.Duration) {
	t.Helper()
	due := time.Now().Add(-past)
	if _, err := store.DB().Exec(`UPDATE schedules SET next_run_at = ? WHERE id = ?;`, due.UnixMilli(), id); err != nil {
		t.Fatalf("force due: %v", err)
	}
}

func TestService_CreateValidatesCron(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Create(context.Background(), CreateRequest{
		Type:           persistence.ScheduleTypeCron,
		CronExpression: "not a cron",
		Timezone:       "UTC",
		Template:       persistence.TaskTemplate{Prompt: "p"},
	})
	if !derr.IsKind(err, derr.KindInvalidInput) {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}
}

func TestService_CreateRejectsPastOneTime(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Create(context.Background(), CreateRequest{
		Type:        persistence.ScheduleTypeOneTime,
		ScheduledAt: time.Now().Add(-time.Minute),
		Template:    persistence.TaskTemplate{Prompt: "p"},
	})
	if !derr.IsKind(err, derr.KindInvalidInput) {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}
}

func TestExecutor_CronCatchupFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.service.Create(ctx, CreateRequest{
		Type:            persistence.ScheduleTypeCron,
		CronExpression:  "* * * * *",
		Timezone:        "UTC",
		MissedRunPolicy: persistence.MissedRunCatchup,
		Template:        persistence.TaskTemplate{Prompt: "run the sweep"},
		Priority:        persistence.PriorityP1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	forceDue(t, f.store, sched.ID, 5*time.Second)

	f.executor.Tick(ctx)

	// Exactly one trigger and one delegated task.
	if got := len(f.triggered); got != 1 {
		t.Fatalf("triggered %d times, want 1", got)
	}
	select {
	case ev := <-f.delegated:
		if ev.Prompt != "run the sweep" {
			t.Fatalf("delegated prompt = %q", ev.Prompt)
		}
		task, err := f.store.FindTask(ctx, ev.TaskID)
		if err != nil {
			t.Fatalf("materialised task missing: %v", err)
		}
		if task.Prompt != "run the sweep" {
			t.Fatalf("task prompt = %q", task.Prompt)
		}
	default:
		t.Fatal("no task delegated")
	}

	execs, err := f.store.ExecutionsForSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != persistence.ExecutionTriggered {
		t.Fatalf("executions = %+v", execs)
	}

	got, err := f.store.FindSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Fatalf("nextRunAt = %v, want future minute boundary", got.NextRunAt)
	}
	if got.RunCount != 1 {
		t.Fatalf("runCount = %d, want 1", got.RunCount)
	}

	// A second tick before the next boundary fires nothing.
	f.executor.Tick(ctx)
	if got := len(f.triggered); got != 1 {
		t.Fatalf("second tick re-triggered: %d total", got)
	}
}

func TestExecutor_SkipPolicyPastGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.service.Create(ctx, CreateRequest{
		Type:            persistence.ScheduleTypeCron,
		CronExpression:  "* * * * *",
		Timezone:        "UTC",
		MissedRunPolicy: persistence.MissedRunSkip,
		Template:        persistence.TaskTemplate{Prompt: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	forceDue(t, f.store, sched.ID, 5*time.Minute) // well past the 60s grace

	f.executor.Tick(ctx)

	if len(f.triggered) != 0 {
		t.Fatal("skip policy fired a late trigger")
	}
	execs, _ := f.store.ExecutionsForSchedule(ctx, sched.ID)
	if len(execs) != 1 || execs[0].Status != persistence.ExecutionSkipped {
		t.Fatalf("executions = %+v, want one skipped", execs)
	}
	got, _ := f.store.FindSchedule(ctx, sched.ID)
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Fatalf("nextRunAt not advanced: %v", got.NextRunAt)
	}
	if got.RunCount != 0 {
		t.Fatalf("runCount = %d after a skipped run, want 0", got.RunCount)
	}
}

func TestExecutor_FailPolicyPastGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.service.Create(ctx, CreateRequest{
		Type:            persistence.ScheduleTypeCron,
		CronExpression:  "* * * * *",
		Timezone:        "UTC",
		MissedRunPolicy: persistence.MissedRunFail,
		Template:        persistence.TaskTemplate{Prompt: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	forceDue(t, f.store, sched.ID, 5*time.Minute)

	f.executor.Tick(ctx)

	execs, _ := f.store.ExecutionsForSchedule(ctx, sched.ID)
	if len(execs) != 1 || execs[0].Status != persistence.ExecutionFailed {
		t.Fatalf("executions = %+v, want one failed", execs)
	}
}

func TestExecutor_SkipPolicyWithinGraceStillFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.service.Create(ctx, CreateRequest{
		Type:            persistence.ScheduleTypeCron,
		CronExpression:  "* * * * *",
		Timezone:        "UTC",
		MissedRunPolicy: persistence.MissedRunSkip,
		Template:        persistence.TaskTemplate{Prompt: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	forceDue(t, f.store, sched.ID, 5*time.Second) // inside grace

	f.executor.Tick(ctx)
	if len(f.triggered) != 1 {
		t.Fatalf("triggered %d times, want 1", len(f.triggered))
	}
}

func TestExecutor_OneTimeCompletesAfterFiring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.service.Create(ctx, CreateRequest{
		Type:            persistence.ScheduleTypeOneTime,
		ScheduledAt:     time.Now().Add(time.Hour),
		Timezone:        "UTC",
		MissedRunPolicy: persistence.MissedRunCatchup,
		Template:        persistence.TaskTemplate{Prompt: "one shot"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	forceDue(t, f.store, sched.ID, time.Second)

	f.executor.Tick(ctx)

	got, err := f.store.FindSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != persistence.ScheduleStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.RunCount != 1 {
		t.Fatalf("runCount = %d, want 1", got.RunCount)
	}
	if got.NextRunAt != nil {
		t.Fatalf("nextRunAt = %v, want nil", got.NextRunAt)
	}

	// A further tick finds nothing due.
	f.executor.Tick(ctx)
	if len(f.triggered) != 1 {
		t.Fatal("completed one_time schedule re-triggered")
	}
}

func TestExecutor_MaxRunsCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	maxRuns := 1
	sched, err := f.service.Create(ctx, CreateRequest{
		Type:            persistence.ScheduleTypeCron,
		CronExpression:  "* * * * *",
		Timezone:        "UTC",
		MissedRunPolicy: persistence.MissedRunCatchup,
		Template:        persistence.TaskTemplate{Prompt: "p"},
		MaxRuns:         &maxRuns,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	forceDue(t, f.store, sched.ID, time.Second)

	f.executor.Tick(ctx)

	got, _ := f.store.FindSchedule(ctx, sched.ID)
	if got.Status != persistence.ScheduleStatusCompleted {
		t.Fatalf("status = %s, want completed at maxRuns", got.Status)
	}
	if got.NextRunAt != nil {
		t.Fatalf("nextRunAt = %v, want nil", got.NextRunAt)
	}
}

func TestService_PauseResumeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.service.Create(ctx, CreateRequest{
		Type:           persistence.ScheduleTypeCron,
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		Template:       persistence.TaskTemplate{Prompt: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.service.Pause(ctx, sched.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := f.store.FindSchedule(ctx, sched.ID)
	if got.Status != persistence.ScheduleStatusPaused || got.NextRunAt != nil {
		t.Fatalf("after pause: %+v", got)
	}

	// Pausing twice is an invalid transition.
	if err := f.service.Pause(ctx, sched.ID); !derr.IsKind(err, derr.KindInvalidOperation) {
		t.Fatalf("double pause = %v, want INVALID_OPERATION", err)
	}

	if err := f.service.Resume(ctx, sched.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = f.store.FindSchedule(ctx, sched.ID)
	if got.Status != persistence.ScheduleStatusActive {
		t.Fatalf("status after resume = %s", got.Status)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Fatalf("nextRunAt after resume = %v, want future", got.NextRunAt)
	}

	if err := f.service.Cancel(ctx, sched.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = f.store.FindSchedule(ctx, sched.ID)
	if got.Status != persistence.ScheduleStatusCancelled || got.NextRunAt != nil {
		t.Fatalf("after cancel: %+v", got)
	}
	// Cancelled is terminal for schedules.
	if err := f.service.Resume(ctx, sched.ID); !derr.IsKind(err, derr.KindInvalidOperation) {
		t.Fatalf("resume after cancel = %v, want INVALID_OPERATION", err)
	}
}

func TestService_QueryOverBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.service.RegisterQueryHandler(); err != nil {
		t.Fatalf("register query handler: %v", err)
	}

	sched, err := f.service.Create(ctx, CreateRequest{
		Type:           persistence.ScheduleTypeCron,
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		Template:       persistence.TaskTemplate{Prompt: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := f.bus.Request(ctx, bus.TopicScheduleQuery,
		bus.ScheduleQueryPayload{ScheduleID: sched.ID}, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	got, ok := result.(persistence.Schedule)
	if !ok || got.ID != sched.ID {
		t.Fatalf("response = %#v", result)
	}

	result, err = f.bus.Request(ctx, bus.TopicScheduleQuery, bus.ScheduleQueryPayload{}, time.Second)
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	list, ok := result.([]persistence.Schedule)
	if !ok || len(list) != 1 {
		t.Fatalf("list response = %#v", result)
	}
}

func TestNextRun_TimezoneAware(t *testing.T) {
	// 09:00 every day in New York: next run from noon UTC (08:00 EDT)
	// lands at 9am Eastern the same day, not 9am UTC the next day.
	after := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("nextRun: %v", err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 7, 1, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestValidateCron(t *testing.T) {
	if err := ValidateCron("*/5 * * * *", "UTC"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := ValidateCron("* * * *", "UTC"); err == nil {
		t.Fatal("4-field expression accepted")
	}
	if err := ValidateCron("* * * * *", "Not/AZone"); err == nil {
		t.Fatal("bogus timezone accepted")
	}
}
