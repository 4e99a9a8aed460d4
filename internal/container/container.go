// Package container wires the delegate kernel together and owns its
// lifecycle: recovery on boot, the delegation path, and ordered
// graceful shutdown.
package container

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/delegate/internal/autoscaler"
	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/checkpoint"
	"github.com/basket/delegate/internal/config"
	"github.com/basket/delegate/internal/dephandler"
	"github.com/basket/delegate/internal/graph"
	"github.com/basket/delegate/internal/otel"
	"github.com/basket/delegate/internal/output"
	"github.com/basket/delegate/internal/persistence"
	"github.com/basket/delegate/internal/queue"
	"github.com/basket/delegate/internal/recovery"
	"github.com/basket/delegate/internal/resources"
	"github.com/basket/delegate/internal/scheduler"
	"github.com/basket/delegate/internal/worker"
)

// Container holds every wired component.
type Container struct {
	Cfg     config.Config
	Bus     *bus.Bus
	Store   *persistence.Store
	Queue   *queue.Queue
	Graph   *graph.Graph
	Capture *output.Capture
	Monitor *resources.Monitor
	Pool    *worker.Pool
	Scaler  *autoscaler.Autoscaler

	DepHandler  *dephandler.Handler
	Checkpoints *checkpoint.Handler
	Resumer     *checkpoint.Resumer
	Schedules   *scheduler.Service
	Executor    *scheduler.Executor
	Recovery    *recovery.Manager
	Metrics     *otel.Metrics

	logger *slog.Logger
	subs   []*bus.Subscription

	retentionCancel context.CancelFunc
	wg              sync.WaitGroup
	disposed        bool
	mu              sync.Mutex
}

// Options configures New beyond the config snapshot.
type Options struct {
	Spawner worker.ProcessSpawner // required
	Logger  *slog.Logger
	Metrics *otel.Metrics // optional instrument set
}

// New builds the full kernel. Nothing ticks until Start.
func New(cfg config.Config, opts Options) (*Container, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Cfg:     cfg,
		Store:   store,
		Queue:   queue.New(cfg.MaxQueueSize),
		Graph:   graph.New(),
		Capture: output.NewCapture(cfg.MaxOutputBuffer),
		Metrics: opts.Metrics,
		logger:  logger,
	}
	c.Bus = bus.New(bus.Options{
		MaxListenersPerEvent:  cfg.MaxListenersPerEvent,
		MaxTotalSubscriptions: cfg.MaxTotalSubscriptions,
		RequestTimeout:        cfg.EventRequestTimeout(),
		Logger:                logger,
	})

	// The monitor reads the pool's live count through a late-bound
	// closure because each needs the other.
	c.Monitor = resources.NewMonitor(cfg, func() int { return c.Pool.Count() }, logger)
	c.Pool = worker.NewPool(cfg, opts.Spawner, c.Monitor, c.Capture, store, c.Bus, logger)
	c.Scaler = autoscaler.New(cfg, c.Queue, c.Pool, c.Monitor, store, c.Bus, logger)

	c.DepHandler = dephandler.New(store, c.Graph, c.Bus, logger)
	c.Checkpoints = checkpoint.NewHandler(store, c.Bus, logger)
	c.Resumer = checkpoint.NewResumer(store, c.Bus, logger)
	c.Schedules = scheduler.NewService(store, c.Bus, logger)
	c.Executor = scheduler.NewExecutor(cfg, store, c.Bus, logger)
	c.Recovery = recovery.New(store, c.Queue, c.Bus, logger)

	if err := c.rebuildGraph(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := c.registerHandlers(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) rebuildGraph(ctx context.Context) error {
	edges, err := c.Store.PendingEdges(ctx)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if err := c.Graph.AddEdge(edge.TaskID, edge.DependsOnTaskID); err != nil {
			// The database is authoritative; a rebuild conflict means a
			// resolved edge raced shutdown. Log and continue.
			c.logger.Warn("skip edge during graph rebuild",
				"task_id", edge.TaskID, "depends_on", edge.DependsOnTaskID, "error", err)
		}
	}
	return nil
}

func (c *Container) registerHandlers() error {
	if err := c.DepHandler.Register(); err != nil {
		return err
	}
	if err := c.Checkpoints.Register(); err != nil {
		return err
	}
	if err := c.Schedules.RegisterQueryHandler(); err != nil {
		return err
	}
	if err := c.registerDelegationHandler(); err != nil {
		return err
	}
	if err := c.registerLogsHandler(); err != nil {
		return err
	}
	if c.Metrics != nil {
		if err := c.registerMetricsBridge(); err != nil {
			return err
		}
	}
	return nil
}

// Start runs recovery synchronously, then begins the autoscaler and
// the scheduler executor. No delegation is serviced before the
// recovery pass completes.
func (c *Container) Start(ctx context.Context) error {
	if _, err := c.Recovery.Run(ctx); err != nil {
		return err
	}
	if err := c.Scaler.Start(ctx); err != nil {
		return err
	}
	if err := c.Executor.Start(ctx); err != nil {
		return err
	}
	c.startRetention(ctx)
	c.logger.Info("delegate kernel started", "db", c.Cfg.DatabasePath)
	return nil
}

func (c *Container) startRetention(ctx context.Context) {
	if c.Cfg.TaskRetentionDays <= 0 {
		return
	}
	ctx, c.retentionCancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -c.Cfg.TaskRetentionDays)
				purged, err := c.Store.PurgeTasksOlderThan(ctx, cutoff)
				if err != nil {
					c.logger.Error("retention sweep", "error", err)
					continue
				}
				if purged > 0 {
					c.logger.Info("retention sweep purged tasks", "purged", purged)
				}
			}
		}
	}()
}

// Dispose shuts the kernel down cooperatively: stop the tickers, kill
// the workers with grace, then close the database. Idempotent.
func (c *Container) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.Bus.Emit(ctx, bus.TopicShutdownInitiated, bus.ShutdownEvent{Reason: "dispose"})

	c.Executor.Stop()
	c.Scaler.Stop()
	if c.retentionCancel != nil {
		c.retentionCancel()
	}
	c.wg.Wait()

	c.Bus.Emit(ctx, bus.TopicWorkersTerminating, bus.ShutdownEvent{})
	c.Pool.KillAll(ctx)

	// Emits are synchronous, so by this point every in-flight handler
	// has settled; dropping the subscriptions drains the bus.
	for _, sub := range c.subs {
		c.Bus.Unsubscribe(sub)
	}
	c.DepHandler.Unregister()
	c.Checkpoints.Unregister()
	c.Schedules.UnregisterQueryHandler()

	c.Bus.Emit(ctx, bus.TopicDatabaseClosing, bus.ShutdownEvent{})
	if err := c.Store.Close(); err != nil {
		c.logger.Error("close store", "error", err)
	}
	c.logger.Info("delegate kernel stopped")
}
