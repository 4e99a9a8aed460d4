package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskDelegated     = "task.delegated"
	TopicTaskQueued        = "task.queued"
	TopicTaskUnblocked     = "task.unblocked"
	TopicWorkerSpawned     = "worker.spawned"
	TopicTaskCompleted     = "task.completed"
	TopicTaskFailed        = "task.failed"
	TopicTaskCancelled     = "task.cancelled"
	TopicTaskTimeout       = "task.timeout"
	TopicTaskResumed       = "task.resumed"
	TopicCheckpointCreated = "checkpoint.created"
	TopicOutputCaptured    = "output.captured"
	TopicLogsRequested     = "logs.requested"
)

// Schedule lifecycle topics.
const (
	TopicScheduleCreated       = "schedule.created"
	TopicScheduleTriggered     = "schedule.triggered"
	TopicScheduleExecuted      = "schedule.executed"
	TopicSchedulePaused        = "schedule.paused"
	TopicScheduleResumed       = "schedule.resumed"
	TopicScheduleCancelled     = "schedule.cancelled"
	TopicScheduleUpdated       = "schedule.updated"
	TopicScheduleQuery         = "schedule.query"
	TopicScheduleQueryResponse = "schedule.query.response"
)

// Lifecycle control topics.
const (
	TopicShutdownInitiated  = "shutdown.initiated"
	TopicWorkersTerminating = "workers.terminating"
	TopicDatabaseClosing    = "database.closing"
)

// Resource-pressure signals from the autoscaler loop, consumed by the
// metrics bridge.
const (
	TopicSpawnRejected = "worker.spawn_rejected"
	TopicBlockedPeek   = "task.blocked_peek"
)

// SpawnRejectedEvent is published when the resource monitor refused a
// worker and the task went back into the queue.
type SpawnRejectedEvent struct {
	TaskID string
	Reason string
}

// BlockedPeekEvent is published when the autoscaler skipped a queued
// task because a dependency edge is still pending.
type BlockedPeekEvent struct {
	TaskID string
}

// TaskDelegatedEvent carries the material of a newly delegated task.
// Handlers persist it, enqueue it, and record the optional dependency.
type TaskDelegatedEvent struct {
	TaskID       string
	Prompt       string
	Priority     int
	WorkingDir   string
	UseWorktree  bool
	TimeoutMs    int64
	ParentTaskID string
	RetryOf      string
	RetryCount   int
	DependsOn    string // empty when the task has no dependency
	TraceID      string
}

// TaskQueuedEvent is published when a task enters the priority queue.
type TaskQueuedEvent struct {
	TaskID   string
	Priority int
}

// TaskUnblockedEvent is published when a task's last pending dependency
// resolved.
type TaskUnblockedEvent struct {
	TaskID string
}

// WorkerSpawnedEvent is published after a subprocess worker started.
type WorkerSpawnedEvent struct {
	WorkerID string
	TaskID   string
	PID      int
}

// TaskCompletedEvent is published when a worker exits with code 0.
type TaskCompletedEvent struct {
	TaskID   string
	ExitCode int
	Duration time.Duration
}

// TaskFailedEvent is published when a worker exits non-zero or the
// spawn path failed after queueing.
type TaskFailedEvent struct {
	TaskID   string
	ExitCode int
	Error    string
}

// TaskCancelledEvent is published when a worker was killed on request.
type TaskCancelledEvent struct {
	TaskID string
}

// TaskTimeoutEvent is published when a worker exceeded its timeout.
type TaskTimeoutEvent struct {
	TaskID  string
	Timeout time.Duration
}

// TaskResumedEvent is published when a resume chain grew by one task.
type TaskResumedEvent struct {
	OriginalTaskID string
	NewTaskID      string
	CheckpointUsed bool
}

// CheckpointCreatedEvent is published after a checkpoint row was written.
type CheckpointCreatedEvent struct {
	CheckpointID string
	TaskID       string
	Type         string
}

// OutputCapturedEvent is published when an output snapshot is produced,
// either on capture flush or in answer to a logs request.
type OutputCapturedEvent struct {
	TaskID string
	Stdout []string
	Stderr []string
}

// LogsRequestedEvent asks for a tail snapshot of a task's output.
type LogsRequestedEvent struct {
	TaskID string
	Tail   int
}

// ScheduleCreatedEvent is published after a schedule row was persisted.
type ScheduleCreatedEvent struct {
	ScheduleID string
}

// ScheduleTriggeredEvent is published by the executor for each due,
// admissible schedule instance.
type ScheduleTriggeredEvent struct {
	ScheduleID   string
	TriggeredAt  time.Time
	ScheduledFor time.Time
}

// ScheduleExecutedEvent is published after the trigger handler finished
// materialising (or failing to materialise) a task.
type ScheduleExecutedEvent struct {
	ScheduleID string
	TaskID     string
	Status     string
}

// ScheduleLifecycleEvent is the shared payload of pause/resume/cancel/
// update notifications.
type ScheduleLifecycleEvent struct {
	ScheduleID string
	Status     string
}

// ScheduleQueryPayload is the request payload on TopicScheduleQuery.
// With an empty ScheduleID the response lists all schedules.
type ScheduleQueryPayload struct {
	ScheduleID string
	Status     string // optional status filter for list queries
}

// ShutdownEvent is the payload of the lifecycle-control topics.
type ShutdownEvent struct {
	Reason string
}
