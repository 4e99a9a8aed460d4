// Package autoscaler pumps tasks from the priority queue into the
// worker pool whenever the resource monitor admits a spawn. It is
// driven by queue events and a periodic tick.
package autoscaler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/config"
	"github.com/basket/delegate/internal/derr"
	"github.com/basket/delegate/internal/persistence"
	"github.com/basket/delegate/internal/queue"
	"github.com/basket/delegate/internal/resources"
	"github.com/basket/delegate/internal/worker"
)

// Autoscaler owns the queue → pool pump loop.
type Autoscaler struct {
	cfg     config.Config
	queue   *queue.Queue
	pool    *worker.Pool
	monitor *resources.Monitor
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	stopped bool
	subs    []*bus.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Autoscaler.
func New(cfg config.Config, q *queue.Queue, pool *worker.Pool, monitor *resources.Monitor,
	store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Autoscaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Autoscaler{
		cfg:     cfg,
		queue:   q,
		pool:    pool,
		monitor: monitor,
		store:   store,
		bus:     eventBus,
		logger:  logger,
	}
}

// Start subscribes to queue events and begins the periodic tick.
func (a *Autoscaler) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	for _, topic := range []string{bus.TopicTaskQueued, bus.TopicTaskUnblocked} {
		sub, err := a.bus.Subscribe(topic, "autoscaler", func(ctx context.Context, e bus.Event) error {
			a.Tick(ctx)
			return nil
		})
		if err != nil {
			return err
		}
		a.subs = append(a.subs, sub)
	}

	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info("autoscaler started", "interval", a.cfg.ResourceMonitorInterval())
	return nil
}

// Stop halts the tick loop and refuses further spawns.
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()

	for _, sub := range a.subs {
		a.bus.Unsubscribe(sub)
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("autoscaler stopped")
}

func (a *Autoscaler) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.ResourceMonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one pump pass: while resources admit a spawn, take the
// highest-priority unblocked task and hand it to the pool. Blocked
// heads are skipped, not spun on; tasks the pool refuses for resources
// go back into the queue for the next tick.
func (a *Autoscaler) Tick(ctx context.Context) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	// A bounded scan over a snapshot: each queued task is examined at
	// most once per tick, so a permanently blocked head cannot spin.
	for _, item := range a.queue.GetAll() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if a.monitor != nil && !a.monitor.CanSpawnWorker(ctx) {
			return
		}

		blocked, err := a.store.IsBlocked(ctx, item.TaskID)
		if err != nil {
			a.logger.Error("check blocked state", "task_id", item.TaskID, "error", err)
			continue
		}
		if blocked {
			a.bus.Emit(ctx, bus.TopicBlockedPeek, bus.BlockedPeekEvent{TaskID: item.TaskID})
			continue
		}
		if !a.queue.Remove(item.TaskID) {
			continue // raced with another consumer
		}

		task, err := a.store.FindTask(ctx, item.TaskID)
		if err != nil {
			a.logger.Error("load queued task", "task_id", item.TaskID, "error", err)
			continue
		}

		if _, err := a.pool.Spawn(ctx, task); err != nil {
			switch derr.KindOf(err) {
			case derr.KindInsufficientResources:
				a.bus.Emit(ctx, bus.TopicSpawnRejected, bus.SpawnRejectedEvent{
					TaskID: task.ID, Reason: err.Error(),
				})
				a.requeue(item)
				return
			case derr.KindInvalidOperation:
				a.requeue(item)
				return // pool shut down
			default:
				a.logger.Error("spawn failed", "task_id", task.ID, "error", err)
				failed := persistence.TaskStatusFailed
				if uerr := a.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &failed}); uerr != nil {
					a.logger.Error("mark spawn-failed task", "task_id", task.ID, "error", uerr)
				}
				a.bus.Emit(ctx, bus.TopicTaskFailed, bus.TaskFailedEvent{
					TaskID: task.ID, ExitCode: -1, Error: err.Error(),
				})
				continue
			}
		}
		if a.monitor != nil {
			a.monitor.NoteSpawn()
		}
	}
}

func (a *Autoscaler) requeue(item queue.Item) {
	if err := a.queue.Enqueue(item); err != nil {
		a.logger.Error("requeue task", "task_id", item.TaskID, "error", err)
	}
}
