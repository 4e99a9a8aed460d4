package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/delegate/internal/bus"
	"github.com/basket/delegate/internal/derr"
	"github.com/basket/delegate/internal/persistence"
)

// Resumer grows resume chains: it builds an enriched prompt from the
// source task's latest checkpoint and delegates a successor task
// through the normal delegation path.
type Resumer struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewResumer creates a Resumer.
func NewResumer(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{store: store, bus: eventBus, logger: logger}
}

// Resume creates the successor of a terminal task. The new task's
// parent is the root of the chain, retryOf is the source, and
// retryCount increments by one. With no checkpoint on file the prompt
// falls back to the source task's own context.
func (r *Resumer) Resume(ctx context.Context, taskID, additionalContext string) (*persistence.Task, error) {
	source, err := r.store.FindTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !source.Status.IsTerminal() {
		return nil, derr.Newf(derr.KindInvalidOperation,
			"task %s is %s; only terminal tasks can be resumed", taskID, source.Status)
	}

	cp, err := r.store.LatestCheckpoint(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task := &persistence.Task{
		ID:           uuid.NewString(),
		Prompt:       buildResumePrompt(source, cp, additionalContext),
		Priority:     source.Priority,
		Status:       persistence.TaskStatusQueued,
		WorkingDir:   source.WorkingDir,
		UseWorktree:  source.UseWorktree,
		Timeout:      source.Timeout,
		ParentTaskID: r.store.ChainRoot(ctx, source),
		RetryOf:      source.ID,
		RetryCount:   source.RetryCount + 1,
	}
	if err := r.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	r.bus.Emit(ctx, bus.TopicTaskDelegated, bus.TaskDelegatedEvent{
		TaskID:       task.ID,
		Prompt:       task.Prompt,
		Priority:     task.Priority,
		WorkingDir:   task.WorkingDir,
		UseWorktree:  task.UseWorktree,
		TimeoutMs:    task.Timeout.Milliseconds(),
		ParentTaskID: task.ParentTaskID,
		RetryOf:      task.RetryOf,
		RetryCount:   task.RetryCount,
	})
	r.bus.Emit(ctx, bus.TopicTaskResumed, bus.TaskResumedEvent{
		OriginalTaskID: source.ID,
		NewTaskID:      task.ID,
		CheckpointUsed: cp != nil,
	})
	r.logger.Info("task resumed",
		"original_task_id", source.ID, "new_task_id", task.ID,
		"retry_count", task.RetryCount, "checkpoint_used", cp != nil)
	return task, nil
}

// buildResumePrompt assembles the PREVIOUS TASK CONTEXT block followed
// by the continue-or-retry instruction.
func buildResumePrompt(source *persistence.Task, cp *persistence.Checkpoint, additionalContext string) string {
	var sb strings.Builder
	sb.WriteString("PREVIOUS TASK CONTEXT\n")
	sb.WriteString("=====================\n\n")
	fmt.Fprintf(&sb, "Original prompt:\n%s\n\n", source.Prompt)
	fmt.Fprintf(&sb, "Previous outcome: %s\n", source.Status)
	if source.ExitCode != nil {
		fmt.Fprintf(&sb, "Exit code: %d\n", *source.ExitCode)
	}
	sb.WriteString("\n")

	if cp != nil {
		if cp.OutputSummary != "" {
			fmt.Fprintf(&sb, "Output summary:\n%s\n\n", cp.OutputSummary)
		}
		if cp.ErrorSummary != "" {
			fmt.Fprintf(&sb, "Error summary:\n%s\n\n", cp.ErrorSummary)
		}
		if cp.GitBranch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", cp.GitBranch)
		}
		if cp.GitCommitSHA != "" {
			fmt.Fprintf(&sb, "Git commit: %s\n", cp.GitCommitSHA)
		}
		if len(cp.GitDirtyFiles) > 0 {
			fmt.Fprintf(&sb, "Dirty files: %s\n", strings.Join(cp.GitDirtyFiles, ", "))
		}
		sb.WriteString("\n")
	}

	if additionalContext != "" {
		fmt.Fprintf(&sb, "Additional context:\n%s\n\n", additionalContext)
	}

	sb.WriteString("Please continue or retry the task described above.")
	return sb.String()
}
