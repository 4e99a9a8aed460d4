// Package output buffers per-task subprocess output in memory. Buffers
// are bounded; overflow evicts the oldest chunks behind a truncation
// marker. Persistence (including the spill-to-file path) happens in the
// store when a buffer is flushed.
package output

import (
	"context"
	"strings"
	"sync"

	"github.com/basket/delegate/internal/persistence"
)

// Stream selects which side of the subprocess pipe a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// TruncationMarker is prepended once to a stream that has evicted
// chunks.
const TruncationMarker = "[... output truncated ...]\n"

// DefaultMaxBuffer bounds the in-memory bytes per task.
const DefaultMaxBuffer = 10 * 1024 * 1024

// Snapshot is a point-in-time copy of one task's buffered output.
type Snapshot struct {
	TaskID    string
	Stdout    []string
	Stderr    []string
	TotalSize int64
}

type streamBuffer struct {
	chunks    []string
	bytes     int64
	truncated bool
}

type taskBuffer struct {
	mu     sync.Mutex
	stdout streamBuffer
	stderr streamBuffer
	total  int64 // all bytes ever captured, including evicted ones
}

// Capture holds the buffers for every live task.
type Capture struct {
	mu        sync.Mutex
	tasks     map[string]*taskBuffer
	maxBuffer int64
}

// NewCapture creates a Capture bounded at maxBuffer bytes per task
// (DefaultMaxBuffer when maxBuffer <= 0).
func NewCapture(maxBuffer int64) *Capture {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Capture{tasks: make(map[string]*taskBuffer), maxBuffer: maxBuffer}
}

// Append adds a chunk to the task's stream. Concurrent appenders for
// the same task serialise on the task's lock; the read-modify-write of
// the buffer is one step.
func (c *Capture) Append(taskID string, stream Stream, chunk string) {
	if chunk == "" {
		return
	}
	buf := c.buffer(taskID)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	target := &buf.stdout
	if stream == StreamStderr {
		target = &buf.stderr
	}
	target.chunks = append(target.chunks, chunk)
	target.bytes += int64(len(chunk))
	buf.total += int64(len(chunk))

	// Evict the oldest chunk of whichever stream holds more bytes until
	// both streams fit the budget. When that stream's only chunk is its
	// newest one, that chunk is evicted too.
	for buf.stdout.bytes+buf.stderr.bytes > c.maxBuffer {
		victim := &buf.stdout
		if buf.stderr.bytes > buf.stdout.bytes {
			victim = &buf.stderr
		}
		if len(victim.chunks) == 0 {
			break
		}
		evicted := victim.chunks[0]
		victim.chunks = victim.chunks[1:]
		victim.bytes -= int64(len(evicted))
		victim.truncated = true
	}
}

// Get returns a snapshot of the task's output. With tail > 0 only the
// last tail lines per stream are returned.
func (c *Capture) Get(taskID string, tail int) Snapshot {
	buf := c.buffer(taskID)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	snap := Snapshot{
		TaskID:    taskID,
		Stdout:    materialise(&buf.stdout),
		Stderr:    materialise(&buf.stderr),
		TotalSize: buf.total,
	}
	if tail > 0 {
		snap.Stdout = lastLines(snap.Stdout, tail)
		snap.Stderr = lastLines(snap.Stderr, tail)
	}
	return snap
}

// Flush persists the task's buffered output through the store (which
// spills to a sidecar file past its threshold) and drops the in-memory
// buffer.
func (c *Capture) Flush(ctx context.Context, store *persistence.Store, taskID string, spillThreshold int64) error {
	snap := c.Get(taskID, 0)
	err := store.SaveOutput(ctx, persistence.TaskOutput{
		TaskID:    taskID,
		Stdout:    snap.Stdout,
		Stderr:    snap.Stderr,
		TotalSize: snap.TotalSize,
	}, spillThreshold)
	if err != nil {
		return err
	}
	c.Release(taskID)
	return nil
}

// Release drops a task's buffer without persisting.
func (c *Capture) Release(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
}

func (c *Capture) buffer(taskID string) *taskBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.tasks[taskID]
	if !ok {
		buf = &taskBuffer{}
		c.tasks[taskID] = buf
	}
	return buf
}

func materialise(sb *streamBuffer) []string {
	out := make([]string, 0, len(sb.chunks)+1)
	if sb.truncated {
		out = append(out, TruncationMarker)
	}
	return append(out, sb.chunks...)
}

func lastLines(chunks []string, n int) []string {
	lines := strings.Split(strings.TrimRight(strings.Join(chunks, ""), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line + "\n"
	}
	return out
}
