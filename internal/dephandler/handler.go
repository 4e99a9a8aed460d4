// Package dephandler reacts to terminal task events: it resolves every
// pending edge naming the finished task and announces newly unblocked
// dependents so the autoscaler reconsiders them.
package dephandler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/graph"
	"github.com/basket/delegate/internal/persistence"
)

// Handler subscribes to the four terminal topics.
type Handler struct {
	store  *persistence.Store
	graph  *graph.Graph
	bus    *bus.Bus
	logger *slog.Logger
	subs   []*bus.Subscription
}

// New creates a Handler. The graph may be nil when only persistence is
// under test.
func New(store *persistence.Store, g *graph.Graph, eventBus *bus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, graph: g, bus: eventBus, logger: logger}
}

// Register subscribes the handler to the terminal topics.
func (h *Handler) Register() error {
	for _, topic := range []string{
		bus.TopicTaskCompleted, bus.TopicTaskFailed,
		bus.TopicTaskCancelled, bus.TopicTaskTimeout,
	} {
		sub, err := h.bus.Subscribe(topic, "dependency-handler", h.onTerminal)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Unregister removes the subscriptions.
func (h *Handler) Unregister() {
	for _, sub := range h.subs {
		h.bus.Unsubscribe(sub)
	}
	h.subs = nil
}

func (h *Handler) onTerminal(ctx context.Context, e bus.Event) error {
	taskID, resolution := classify(e)
	if taskID == "" {
		return nil
	}

	unblocked, err := h.store.ResolveDependenciesBatch(ctx, taskID, resolution)
	if err != nil {
		return fmt.Errorf("resolve dependencies of %s: %w", taskID, err)
	}
	if h.graph != nil {
		h.graph.RemoveTask(taskID)
	}
	if len(unblocked) == 0 {
		return nil
	}

	h.logger.Info("dependents unblocked",
		"task_id", taskID, "resolution", resolution, "unblocked", len(unblocked))
	for _, dependent := range unblocked {
		// Blocked tasks sit in the queue in blocked status; flip them
		// back to queued so the autoscaler will take them.
		queued := persistence.TaskStatusQueued
		if err := h.store.UpdateTask(ctx, dependent, persistence.TaskUpdate{Status: &queued}); err != nil {
			h.logger.Error("mark dependent queued", "task_id", dependent, "error", err)
		}
		h.bus.Emit(ctx, bus.TopicTaskUnblocked, bus.TaskUnblockedEvent{TaskID: dependent})
	}
	return nil
}

// classify maps a terminal event onto the edge resolution it implies:
// completed → completed, failed/timeout → failed, cancelled → cancelled.
func classify(e bus.Event) (string, persistence.Resolution) {
	switch payload := e.Payload.(type) {
	case bus.TaskCompletedEvent:
		return payload.TaskID, persistence.ResolutionCompleted
	case bus.TaskFailedEvent:
		return payload.TaskID, persistence.ResolutionFailed
	case bus.TaskTimeoutEvent:
		return payload.TaskID, persistence.ResolutionFailed
	case bus.TaskCancelledEvent:
		return payload.TaskID, persistence.ResolutionCancelled
	}
	return "", persistence.ResolutionPending
}
