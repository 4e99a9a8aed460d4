package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/derr"
	"github.com/basket/delegate/internal/persistence"
)

// CreateRequest is the input for Service.Create.
type CreateRequest struct {
	Type            persistence.ScheduleType
	CronExpression  string
	ScheduledAt     time.Time // one_time only
	Timezone        string
	MissedRunPolicy persistence.MissedRunPolicy
	Template        persistence.TaskTemplate
	Priority        int
	MaxRuns         *int
	ExpiresAt       *time.Time
}

// Service provides schedule lifecycle operations and answers schedule
// queries over the bus.
type Service struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	querySub *bus.Subscription
}

// NewService creates a Service.
func NewService(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: eventBus, logger: logger, now: time.Now}
}

// SetClock overrides the clock for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create validates and persists a schedule, computing its first
// nextRunAt, and emits ScheduleCreated.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*persistence.Schedule, error) {
	if req.Template.Prompt == "" {
		return nil, derr.New(derr.KindInvalidInput, "task template requires a prompt")
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if req.MissedRunPolicy == "" {
		req.MissedRunPolicy = persistence.MissedRunSkip
	}

	now := s.now()
	var nextRun time.Time
	switch req.Type {
	case persistence.ScheduleTypeCron:
		if err := ValidateCron(req.CronExpression, req.Timezone); err != nil {
			return nil, err
		}
		next, err := NextRun(req.CronExpression, req.Timezone, now)
		if err != nil {
			return nil, err
		}
		nextRun = next
	case persistence.ScheduleTypeOneTime:
		if !req.ScheduledAt.After(now) {
			return nil, derr.New(derr.KindInvalidInput, "one_time schedule must be in the future")
		}
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return nil, derr.Wrap(derr.KindInvalidInput, fmt.Sprintf("unknown timezone %q", req.Timezone), err)
		}
		nextRun = req.ScheduledAt
	default:
		return nil, derr.Newf(derr.KindInvalidInput, "unknown schedule type %q", req.Type)
	}

	sched := &persistence.Schedule{
		ID:              uuid.NewString(),
		Type:            req.Type,
		CronExpression:  req.CronExpression,
		Timezone:        req.Timezone,
		Status:          persistence.ScheduleStatusActive,
		MissedRunPolicy: req.MissedRunPolicy,
		Template:        req.Template,
		Priority:        req.Priority,
		MaxRuns:         req.MaxRuns,
		NextRunAt:       &nextRun,
		ExpiresAt:       req.ExpiresAt,
	}
	if req.Type == persistence.ScheduleTypeOneTime {
		at := req.ScheduledAt
		sched.ScheduledAt = &at
	}

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, bus.TopicScheduleCreated, bus.ScheduleCreatedEvent{ScheduleID: sched.ID})
	s.logger.Info("schedule created",
		"schedule_id", sched.ID, "type", sched.Type, "next_run_at", nextRun)
	return sched, nil
}

// Pause moves an active schedule to paused and clears nextRunAt.
func (s *Service) Pause(ctx context.Context, id string) error {
	sched, err := s.store.FindSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Status != persistence.ScheduleStatusActive {
		return derr.Newf(derr.KindInvalidOperation,
			"cannot pause schedule in status %s", sched.Status)
	}
	if err := s.store.SetScheduleStatus(ctx, id, persistence.ScheduleStatusPaused, nil); err != nil {
		return err
	}
	s.bus.Emit(ctx, bus.TopicSchedulePaused, bus.ScheduleLifecycleEvent{
		ScheduleID: id, Status: string(persistence.ScheduleStatusPaused)})
	return nil
}

// Resume moves a paused schedule back to active and recomputes
// nextRunAt: the next cron match, or the stored one-shot instant.
func (s *Service) Resume(ctx context.Context, id string) error {
	sched, err := s.store.FindSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Status != persistence.ScheduleStatusPaused {
		return derr.Newf(derr.KindInvalidOperation,
			"cannot resume schedule in status %s", sched.Status)
	}

	var nextRun time.Time
	switch sched.Type {
	case persistence.ScheduleTypeCron:
		nextRun, err = NextRun(sched.CronExpression, sched.Timezone, s.now())
		if err != nil {
			return err
		}
	case persistence.ScheduleTypeOneTime:
		if sched.ScheduledAt == nil {
			return derr.New(derr.KindInvalidOperation, "one_time schedule lost its instant")
		}
		nextRun = *sched.ScheduledAt
	}

	if err := s.store.SetScheduleStatus(ctx, id, persistence.ScheduleStatusActive, &nextRun); err != nil {
		return err
	}
	s.bus.Emit(ctx, bus.TopicScheduleResumed, bus.ScheduleLifecycleEvent{
		ScheduleID: id, Status: string(persistence.ScheduleStatusActive)})
	return nil
}

// Cancel moves a schedule to cancelled and clears nextRunAt. Cancelling
// does not recall in-flight triggers.
func (s *Service) Cancel(ctx context.Context, id string) error {
	sched, err := s.store.FindSchedule(ctx, id)
	if err != nil {
		return err
	}
	switch sched.Status {
	case persistence.ScheduleStatusActive, persistence.ScheduleStatusPaused:
	default:
		return derr.Newf(derr.KindInvalidOperation,
			"cannot cancel schedule in status %s", sched.Status)
	}
	if err := s.store.SetScheduleStatus(ctx, id, persistence.ScheduleStatusCancelled, nil); err != nil {
		return err
	}
	s.bus.Emit(ctx, bus.TopicScheduleCancelled, bus.ScheduleLifecycleEvent{
		ScheduleID: id, Status: string(persistence.ScheduleStatusCancelled)})
	return nil
}

// RegisterQueryHandler answers ScheduleQuery requests over the bus.
func (s *Service) RegisterQueryHandler() error {
	sub, err := s.bus.Subscribe(bus.TopicScheduleQuery, "schedule-query", func(ctx context.Context, e bus.Event) error {
		env, ok := e.Payload.(bus.RequestEnvelope)
		if !ok {
			return nil
		}
		query, _ := env.Payload.(bus.ScheduleQueryPayload)
		if query.ScheduleID != "" {
			sched, err := s.store.FindSchedule(ctx, query.ScheduleID)
			if err != nil {
				s.bus.RespondError(env.CorrelationID, err)
				return nil
			}
			s.bus.Respond(env.CorrelationID, *sched)
			return nil
		}
		schedules, err := s.store.ListSchedules(ctx, persistence.ScheduleStatus(query.Status))
		if err != nil {
			s.bus.RespondError(env.CorrelationID, err)
			return nil
		}
		s.bus.Respond(env.CorrelationID, schedules)
		return nil
	})
	if err != nil {
		return err
	}
	s.querySub = sub
	return nil
}

// UnregisterQueryHandler removes the query subscription.
func (s *Service) UnregisterQueryHandler() {
	if s.querySub != nil {
		s.bus.Unsubscribe(s.querySub)
		s.querySub = nil
	}
}
