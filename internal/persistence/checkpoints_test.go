package persistence

import (
	"context"
	"testing"
	"time"
)

func TestCheckpoints_LatestByCreatedAtThenID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Two checkpoints in the same millisecond: the id column breaks
	// the tie, descending.
	at := time.Now().Truncate(time.Millisecond)
	first := &Checkpoint{ID: "cp-a", TaskID: "t1", Type: CheckpointCompleted,
		OutputSummary: "first", CreatedAt: at}
	second := &Checkpoint{ID: "cp-b", TaskID: "t1", Type: CheckpointFailed,
		ErrorSummary: "second", CreatedAt: at}
	for _, cp := range []*Checkpoint{first, second} {
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("save %s: %v", cp.ID, err)
		}
	}

	latest, err := store.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != "cp-b" {
		t.Fatalf("latest = %+v, want cp-b", latest)
	}

	// A strictly newer checkpoint wins regardless of id ordering.
	third := &Checkpoint{ID: "cp-0", TaskID: "t1", Type: CheckpointTimeout,
		CreatedAt: at.Add(time.Millisecond)}
	if err := store.SaveCheckpoint(ctx, third); err != nil {
		t.Fatalf("save: %v", err)
	}
	latest, err = store.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "cp-0" {
		t.Fatalf("latest = %s, want cp-0", latest.ID)
	}
}

func TestCheckpoints_GitFieldsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cp := &Checkpoint{
		ID:            "cp1",
		TaskID:        "t1",
		Type:          CheckpointCompleted,
		OutputSummary: "migration ran",
		GitBranch:     "feature/x",
		GitCommitSHA:  "abc123",
		GitDirtyFiles: []string{"a.ts", "b.go"},
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.GitBranch != "feature/x" || got.GitCommitSHA != "abc123" {
		t.Fatalf("git fields = %+v", got)
	}
	if len(got.GitDirtyFiles) != 2 || got.GitDirtyFiles[0] != "a.ts" {
		t.Fatalf("dirty files = %v", got.GitDirtyFiles)
	}
}

func TestCheckpoints_NonGitTaskHasNullFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cp := &Checkpoint{ID: "cp1", TaskID: "t1", Type: CheckpointFailed, ErrorSummary: "exit 2"}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.GitBranch != "" || got.GitCommitSHA != "" || got.GitDirtyFiles != nil {
		t.Fatalf("git fields not null: %+v", got)
	}
}

func TestCheckpoints_MissingTaskReturnsNil(t *testing.T) {
	store := openTestStore(t)
	got, err := store.LatestCheckpoint(context.Background(), "none")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != nil {
		t.Fatalf("latest = %+v, want nil", got)
	}
}

func TestCheckpoints_Delete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveCheckpoint(ctx, &Checkpoint{ID: "cp1", TaskID: "t1", Type: CheckpointCompleted}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.DeleteCheckpoints(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := store.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != nil {
		t.Fatal("checkpoint survived delete")
	}
}
