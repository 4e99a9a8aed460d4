package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/persistence"
	"github.com/basket/delegate/internal/shared"
)

// summaryLines is how many trailing output lines a checkpoint keeps.
const summaryLines = 10

// Handler writes one checkpoint row per terminal event. Cancelled tasks
// are not checkpointed: a cancel carries no failure context worth
// enriching, and resume falls back to the source task alone.
type Handler struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	subs   []*bus.Subscription

	// captureGit is swappable in tests.
	captureGit func(ctx context.Context, dir string) GitState
}

// NewHandler creates a checkpoint Handler.
func NewHandler(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, bus: eventBus, logger: logger, captureGit: CaptureGitState}
}

// Register subscribes to the checkpointed terminal topics.
func (h *Handler) Register() error {
	for _, topic := range []string{bus.TopicTaskCompleted, bus.TopicTaskFailed, bus.TopicTaskTimeout} {
		sub, err := h.bus.Subscribe(topic, "checkpoint-handler", h.onTerminal)
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
	taskID, cpType, errSummary := classify(e)
	if taskID == "" {
		return nil
	}

	task, err := h.store.FindTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task for checkpoint: %w", err)
	}

	out, err := h.store.GetOutput(ctx, taskID)
	if err != nil {
		h.logger.Error("load output for checkpoint", "task_id", taskID, "error", err)
	}
	outputSummary := shared.Redact(tail(out.Stdout, summaryLines))
	if errSummary == "" {
		errSummary = tail(out.Stderr, summaryLines)
	}
	errSummary = shared.Redact(errSummary)

	git := h.captureGit(ctx, task.WorkingDir)

	cp := &persistence.Checkpoint{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		Type:          cpType,
		OutputSummary: outputSummary,
		ErrorSummary:  errSummary,
	}
	if git.IsRepo {
		cp.GitBranch = git.Branch
		cp.GitCommitSHA = git.CommitSHA
		cp.GitDirtyFiles = git.DirtyFiles
	}
	if err := h.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	h.bus.Emit(ctx, bus.TopicCheckpointCreated, bus.CheckpointCreatedEvent{
		CheckpointID: cp.ID, TaskID: taskID, Type: string(cpType),
	})
	return nil
}

func classify(e bus.Event) (string, persistence.CheckpointType, string) {
	switch payload := e.Payload.(type) {
	case bus.TaskCompletedEvent:
		return payload.TaskID, persistence.CheckpointCompleted, ""
	case bus.TaskFailedEvent:
		return payload.TaskID, persistence.CheckpointFailed, payload.Error
	case bus.TaskTimeoutEvent:
		return payload.TaskID, persistence.CheckpointTimeout,
			fmt.Sprintf("task timed out after %s", payload.Timeout)
	}
	return "", "", ""
}

func tail(chunks []string, n int) string {
	if len(chunks) == 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(strings.Join(chunks, ""), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
