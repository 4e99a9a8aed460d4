package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the delegate kernel's metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksDelegated    metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	ActiveWorkers     metric.Int64UpDownCounter
	SpawnRejections   metric.Int64Counter
	ScheduleTriggers  metric.Int64Counter
	DependencyBlocked metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("delegate.task.duration",
		metric.WithDescription("Task wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDelegated, err = meter.Int64Counter("delegate.tasks.delegated",
		metric.WithDescription("Tasks accepted for execution"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("delegate.tasks.completed",
		metric.WithDescription("Tasks that exited successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("delegate.tasks.failed",
		metric.WithDescription("Tasks that failed, timed out, or were cancelled"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("delegate.queue.depth",
		metric.WithDescription("Tasks waiting in the priority queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("delegate.workers.active",
		metric.WithDescription("Live subprocess workers"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnRejections, err = meter.Int64Counter("delegate.workers.spawn_rejections",
		metric.WithDescription("Spawns refused by the resource monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleTriggers, err = meter.Int64Counter("delegate.schedules.triggers",
		metric.WithDescription("Schedule firings"),
	)
	if err != nil {
		return nil, err
	}

	m.DependencyBlocked, err = meter.Int64Counter("delegate.dependencies.blocked_peeks",
		metric.WithDescription("Queue peeks skipped because the task was blocked"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
