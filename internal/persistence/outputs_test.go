package persistence

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestOutputs_RoundTripInSQL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	saveTasks(t, store, "t1")

	out := TaskOutput{
		TaskID:    "t1",
		Stdout:    []string{"line one\n", "line two\n"},
		Stderr:    []string{"warning\n"},
		TotalSize: 30,
	}
	if err := store.SaveOutput(ctx, out, 100*1024); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetOutput(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Stdout) != 2 || got.Stdout[1] != "line two\n" {
		t.Fatalf("stdout = %v", got.Stdout)
	}
	if got.FilePath != "" {
		t.Fatalf("small output spilled to %s", got.FilePath)
	}
}

func TestOutputs_SpillToFile(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	saveTasks(t, store, "big")

	chunk := strings.Repeat("x", 1024)
	out := TaskOutput{
		TaskID:    "big",
		Stdout:    []string{chunk, chunk},
		TotalSize: 2048,
	}
	if err := store.SaveOutput(ctx, out, 1024); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetOutput(ctx, "big")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FilePath == "" {
		t.Fatal("large output not spilled")
	}
	if _, err := os.Stat(got.FilePath); err != nil {
		t.Fatalf("spill file missing: %v", err)
	}
	// Content still readable through the reference.
	if len(got.Stdout) != 2 || got.Stdout[0] != chunk {
		t.Fatalf("spilled stdout = %d chunks", len(got.Stdout))
	}
	// The SQL row holds only the reference.
	var stdoutJSON string
	if err := store.DB().QueryRow(`SELECT stdout_json FROM task_output WHERE task_id = 'big';`).Scan(&stdoutJSON); err != nil {
		t.Fatalf("read row: %v", err)
	}
	if stdoutJSON != "[]" {
		t.Fatalf("sql row still holds chunks: %s", stdoutJSON)
	}
}

func TestOutputs_MissingTaskReturnsEmpty(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetOutput(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Stdout) != 0 || len(got.Stderr) != 0 || got.TotalSize != 0 {
		t.Fatalf("empty output = %+v", got)
	}
}
