// Package queue implements the bounded priority queue feeding the
// autoscaler: a min-heap ordered by (priority, insertion order) with an
// O(1) taskID index for membership checks and removal.
package queue

import (
	"container/heap"
	"sync"

	"github.com/basket/delegate/internal/derr"
)

// DefaultMaxSize bounds the queue when no explicit size is given.
const DefaultMaxSize = 1000

// Item is one queued task reference. Lower Priority values dequeue
// first (P0 = 0 is the highest priority).
type Item struct {
	TaskID   string
	Priority int
}

type entry struct {
	item Item
	seq  uint64 // FIFO tiebreak within equal priority
	pos  int    // heap index, maintained by Swap
}

// Queue is a concurrency-safe bounded priority queue. The FIFO variant
// (NewFIFO) ignores priorities entirely.
type Queue struct {
	mu       sync.Mutex
	heap     entryHeap
	index    map[string]*entry
	nextSeq  uint64
	maxSize  int
	fifoOnly bool
}

// New creates a priority queue bounded at maxSize (DefaultMaxSize when
// maxSize <= 0).
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &Queue{index: make(map[string]*entry), maxSize: maxSize}
	q.heap = entryHeap{queue: q}
	return q
}

// NewFIFO creates a queue that ignores priority; all items compare
// equal and dequeue in insertion order.
func NewFIFO(maxSize int) *Queue {
	q := New(maxSize)
	q.fifoOnly = true
	return q
}

// Enqueue adds an item. Fails with RESOURCE_EXHAUSTED at capacity and
// with INVALID_OPERATION when the task is already queued.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[item.TaskID]; ok {
		return derr.Newf(derr.KindInvalidOperation, "task %s already queued", item.TaskID)
	}
	if len(q.heap.entries) >= q.maxSize {
		return derr.Newf(derr.KindResourceExhausted, "queue full at %d items", q.maxSize)
	}
	e := &entry{item: item, seq: q.nextSeq}
	q.nextSeq++
	q.index[item.TaskID] = e
	heap.Push(&q.heap, e)
	return nil
}

// Dequeue removes and returns the highest-priority item.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap.entries) == 0 {
		return Item{}, false
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.index, e.item.TaskID)
	return e.item, true
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap.entries) == 0 {
		return Item{}, false
	}
	return q.heap.entries[0].item, true
}

// Remove deletes the item for taskID, if present.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.pos)
	delete(q.index, taskID)
	return true
}

// Contains reports queue membership in O(1).
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Size returns the current item count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap.entries)
}

// Clear removes every item.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap.entries = nil
	q.index = make(map[string]*entry)
}

// GetAll returns a snapshot in dequeue order without mutating the queue.
func (q *Queue) GetAll() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Copy the heap and pop it down for an ordered snapshot.
	clone := entryHeap{entries: make([]*entry, len(q.heap.entries))}
	cloneEntries := make([]entry, len(q.heap.entries))
	for i, e := range q.heap.entries {
		cloneEntries[i] = *e
		clone.entries[i] = &cloneEntries[i]
	}
	clone.fifoOnly = q.fifoOnly
	out := make([]Item, 0, len(clone.entries))
	for len(clone.entries) > 0 {
		e := heap.Pop(&clone).(*entry)
		out = append(out, e.item)
	}
	return out
}

// entryHeap implements heap.Interface. The queue back-pointer lets Swap
// keep the position index in sync; the snapshot clone leaves it nil and
// carries its own fifoOnly flag.
type entryHeap struct {
	entries  []*entry
	queue    *Queue
	fifoOnly bool
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	fifo := h.fifoOnly
	if h.queue != nil {
		fifo = h.queue.fifoOnly
	}
	if !fifo && a.item.Priority != b.item.Priority {
		return a.item.Priority < b.item.Priority
	}
	return a.seq < b.seq
}

func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].pos = i
	h.entries[j].pos = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *entryHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}
