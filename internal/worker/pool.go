package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/config"
	"github.com/basket/delegate/internal/derr"
	"github.com/basket/delegate/internal/output"
	"github.com/basket/delegate/internal/persistence"
	"github.com/basket/delegate/internal/resources"
	"github.com/basket/delegate/internal/retry"
)

// spawnAttempts bounds launch retries for one task.
const spawnAttempts = 3

// WorkerState tracks a worker through its lifecycle. States only move
// forward; terminated is final.
type WorkerState string

const (
	StateSpawning   WorkerState = "spawning"
	StateRunning    WorkerState = "running"
	StateExiting    WorkerState = "exiting"
	StateTerminated WorkerState = "terminated"
)

// Worker is one live subprocess bound to a task.
type Worker struct {
	ID        string
	TaskID    string
	StartedAt time.Time

	mu        sync.Mutex
	state     WorkerState
	handle    ProcessHandle
	timedOut  bool
	cancelled bool
	timeout   *time.Timer
	grace     *time.Timer
	done      chan struct{}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done closes when the worker has fully terminated.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Pool spawns and supervises workers. Every successful spawn produces
// exactly one terminal task event.
type Pool struct {
	cfg     config.Config
	spawner ProcessSpawner
	monitor *resources.Monitor
	capture *output.Capture
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool

	wg sync.WaitGroup
}

// NewPool creates a Pool. The monitor may be nil in tests, in which
// case spawns are never resource-gated.
func NewPool(cfg config.Config, spawner ProcessSpawner, monitor *resources.Monitor,
	capture *output.Capture, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		spawner: spawner,
		monitor: monitor,
		capture: capture,
		store:   store,
		bus:     eventBus,
		logger:  logger,
		workers: make(map[string]*Worker),
	}
}

// Count returns the number of live workers.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// WorkerForTask returns the live worker executing taskID, if any.
func (p *Pool) WorkerForTask(taskID string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.TaskID == taskID {
			return w, true
		}
	}
	return nil, false
}

// Spawn launches a worker for the task. INSUFFICIENT_RESOURCES when the
// monitor refuses; WORKER_SPAWN_FAILED wrapping the cause when the
// subprocess could not start (no worker event is emitted in that case).
func (p *Pool) Spawn(ctx context.Context, task *persistence.Task) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, derr.New(derr.KindInvalidOperation, "worker pool is shut down")
	}
	p.mu.Unlock()

	if p.monitor != nil && !p.monitor.CanSpawnWorker(ctx) {
		return nil, derr.Newf(derr.KindInsufficientResources,
			"resource monitor refused a worker for task %s", task.ID)
	}

	// Transient launch failures (fork EAGAIN, resource-busy) retry
	// with backoff; anything non-retryable surfaces on the first try.
	var handle ProcessHandle
	err := retry.DoN(ctx, p.cfg, spawnAttempts, func() error {
		h, err := p.spawner.Spawn(ctx, SpawnSpec{
			TaskID:     task.ID,
			Prompt:     task.Prompt,
			WorkingDir: task.WorkingDir,
		})
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, derr.Wrap(derr.KindWorkerSpawnFailed,
			fmt.Sprintf("spawn worker for task %s", task.ID), err)
	}

	w := &Worker{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StartedAt: time.Now(),
		state:     StateSpawning,
		handle:    handle,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	p.workers[w.ID] = w
	p.mu.Unlock()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout()
	}
	w.mu.Lock()
	w.state = StateRunning
	w.timeout = time.AfterFunc(timeout, func() { p.onTimeout(ctx, w, timeout) })
	w.mu.Unlock()

	if p.store != nil {
		running := persistence.TaskStatusRunning
		started := w.StartedAt
		if err := p.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{
			Status: &running, WorkerID: &w.ID, StartedAt: &started,
		}); err != nil {
			p.logger.Error("mark task running", "task_id", task.ID, "error", err)
		}
	}

	p.wg.Add(1)
	go p.supervise(ctx, w)

	p.bus.Emit(ctx, bus.TopicWorkerSpawned, bus.WorkerSpawnedEvent{
		WorkerID: w.ID, TaskID: w.TaskID, PID: handle.PID(),
	})
	p.logger.Info("worker spawned", "worker_id", w.ID, "task_id", w.TaskID, "pid", handle.PID())
	return w, nil
}

// supervise drains output, waits for exit, clears timers, persists the
// outcome, and emits the single terminal event for the task.
func (p *Pool) supervise(ctx context.Context, w *Worker) {
	defer p.wg.Done()

	var readers sync.WaitGroup
	readers.Add(2)
	go p.drain(&readers, w.TaskID, output.StreamStdout, w.handle.Stdout())
	go p.drain(&readers, w.TaskID, output.StreamStderr, w.handle.Stderr())
	readers.Wait()

	exitCode, waitErr := w.handle.Wait()
	duration := time.Since(w.StartedAt)

	w.mu.Lock()
	if w.timeout != nil {
		w.timeout.Stop()
	}
	if w.grace != nil {
		// Clearing the grace timer on natural exit prevents a zombie
		// kill against a reused PID.
		w.grace.Stop()
	}
	w.state = StateExiting
	timedOut := w.timedOut
	cancelled := w.cancelled
	w.mu.Unlock()

	p.mu.Lock()
	delete(p.workers, w.ID)
	p.mu.Unlock()

	if p.capture != nil && p.store != nil {
		if err := p.capture.Flush(ctx, p.store, w.TaskID, p.cfg.FileStorageThresholdBytes); err != nil {
			p.logger.Error("flush task output", "task_id", w.TaskID, "error", err)
		}
	}

	status, event := p.classifyExit(exitCode, waitErr, timedOut, cancelled, w.TaskID, duration)
	if p.store != nil {
		now := time.Now()
		if err := p.store.UpdateTask(ctx, w.TaskID, persistence.TaskUpdate{
			Status: &status, ExitCode: &exitCode, CompletedAt: &now,
		}); err != nil {
			p.logger.Error("persist terminal status", "task_id", w.TaskID, "status", status, "error", err)
		}
	}

	w.mu.Lock()
	w.state = StateTerminated
	w.mu.Unlock()
	close(w.done)

	switch ev := event.(type) {
	case bus.TaskCompletedEvent:
		p.bus.Emit(ctx, bus.TopicTaskCompleted, ev)
	case bus.TaskFailedEvent:
		p.bus.Emit(ctx, bus.TopicTaskFailed, ev)
	case bus.TaskTimeoutEvent:
		p.bus.Emit(ctx, bus.TopicTaskTimeout, ev)
	case bus.TaskCancelledEvent:
		p.bus.Emit(ctx, bus.TopicTaskCancelled, ev)
	}
	p.logger.Info("worker exited",
		"worker_id", w.ID, "task_id", w.TaskID, "status", status,
		"exit_code", exitCode, "duration", duration)
}

func (p *Pool) classifyExit(exitCode int, waitErr error, timedOut, cancelled bool, taskID string, duration time.Duration) (persistence.TaskStatus, any) {
	switch {
	case cancelled:
		return persistence.TaskStatusCancelled, bus.TaskCancelledEvent{TaskID: taskID}
	case timedOut:
		return persistence.TaskStatusTimeout, bus.TaskTimeoutEvent{TaskID: taskID}
	case waitErr != nil:
		return persistence.TaskStatusFailed, bus.TaskFailedEvent{
			TaskID: taskID, ExitCode: exitCode, Error: waitErr.Error()}
	case exitCode == 0:
		return persistence.TaskStatusCompleted, bus.TaskCompletedEvent{
			TaskID: taskID, ExitCode: 0, Duration: duration}
	default:
		return persistence.TaskStatusFailed, bus.TaskFailedEvent{
			TaskID: taskID, ExitCode: exitCode,
			Error: fmt.Sprintf("process exited with code %d", exitCode)}
	}
}

func (p *Pool) drain(wg *sync.WaitGroup, taskID string, stream output.Stream, r io.ReadCloser) {
	defer wg.Done()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && p.capture != nil {
			p.capture.Append(taskID, stream, line)
		}
		if err != nil {
			return
		}
	}
}

// onTimeout fires when a worker exceeded its budget: graceful signal
// first, forceful kill after the grace period.
func (p *Pool) onTimeout(ctx context.Context, w *Worker, timeout time.Duration) {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return
	}
	w.timedOut = true
	w.grace = time.AfterFunc(p.cfg.KillGracePeriod(), func() {
		if err := w.handle.Kill(); err != nil {
			p.logger.Error("force kill after grace period", "worker_id", w.ID, "error", err)
		}
	})
	w.mu.Unlock()

	p.logger.Warn("worker timed out", "worker_id", w.ID, "task_id", w.TaskID, "timeout", timeout)
	if err := w.handle.Terminate(); err != nil {
		p.logger.Error("terminate timed-out worker", "worker_id", w.ID, "error", err)
	}
}

// Kill requests cancellation of one worker: graceful signal, forceful
// kill after the grace period. The terminal event is TaskCancelled.
func (p *Pool) Kill(workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return derr.Newf(derr.KindTaskNotFound, "worker %s not found", workerID)
	}

	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.cancelled = true
	if w.timeout != nil {
		w.timeout.Stop()
	}
	w.grace = time.AfterFunc(p.cfg.KillGracePeriod(), func() {
		if err := w.handle.Kill(); err != nil {
			p.logger.Error("force kill after grace period", "worker_id", w.ID, "error", err)
		}
	})
	w.mu.Unlock()

	if err := w.handle.Terminate(); err != nil {
		return fmt.Errorf("terminate worker %s: %w", workerID, err)
	}
	return nil
}

// KillAll terminates every live worker concurrently and waits, bounded
// by the grace period plus a margin, for the supervisors to finish.
func (p *Pool) KillAll(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var kills sync.WaitGroup
	for _, id := range ids {
		kills.Add(1)
		go func(workerID string) {
			defer kills.Done()
			if err := p.Kill(workerID); err != nil {
				p.logger.Error("kill worker during shutdown", "worker_id", workerID, "error", err)
			}
		}(id)
	}
	kills.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.KillGracePeriod() + 2*time.Second):
		p.logger.Warn("worker pool shutdown timed out", "remaining", p.Count())
	case <-ctx.Done():
	}
}
