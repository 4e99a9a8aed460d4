package queue

import (
	"fmt"
	"testing"

	"github.com/basket/delegate/internal/derr"
)

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := New(10)
	// Enqueue P2, P0, P1, P0: the two P0 tasks dequeue first in
	// enqueue order, then P1, then P2.
	for _, it := range []Item{
		{TaskID: "a", Priority: 2},
		{TaskID: "b", Priority: 0},
		{TaskID: "c", Priority: 1},
		{TaskID: "d", Priority: 0},
	} {
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("enqueue %s: %v", it.TaskID, err)
		}
	}

	want := []string{"b", "d", "c", "a"}
	for i, id := range want {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: empty", i)
		}
		if got.TaskID != id {
			t.Fatalf("dequeue %d = %s, want %s", i, got.TaskID, id)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("queue not empty after draining")
	}
}

func TestQueue_Bounded(t *testing.T) {
	q := New(2)
	if err := q.Enqueue(Item{TaskID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(Item{TaskID: "b"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	err := q.Enqueue(Item{TaskID: "c"})
	if !derr.IsKind(err, derr.KindResourceExhausted) {
		t.Fatalf("over-capacity enqueue error = %v, want RESOURCE_EXHAUSTED", err)
	}
}

func TestQueue_DuplicateRejected(t *testing.T) {
	q := New(10)
	if err := q.Enqueue(Item{TaskID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(Item{TaskID: "a"}); err == nil {
		t.Fatal("duplicate enqueue succeeded")
	}
}

func TestQueue_RemoveAndContains(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(Item{TaskID: fmt.Sprintf("t%d", i), Priority: i % 3}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if !q.Contains("t2") {
		t.Fatal("contains(t2) = false")
	}
	if !q.Remove("t2") {
		t.Fatal("remove(t2) = false")
	}
	if q.Contains("t2") {
		t.Fatal("t2 still present after remove")
	}
	if q.Remove("t2") {
		t.Fatal("second remove(t2) = true")
	}
	if got := q.Size(); got != 4 {
		t.Fatalf("size = %d, want 4", got)
	}
	// Heap order survives interior removal.
	var prev Item
	first := true
	for {
		it, ok := q.Dequeue()
		if !ok {
			break
		}
		if !first && it.Priority < prev.Priority {
			t.Fatalf("dequeue out of order: %v after %v", it, prev)
		}
		prev, first = it, false
	}
}

func TestQueue_GetAllSnapshotOrder(t *testing.T) {
	q := New(10)
	ids := []Item{
		{TaskID: "low", Priority: 2},
		{TaskID: "hi1", Priority: 0},
		{TaskID: "mid", Priority: 1},
		{TaskID: "hi2", Priority: 0},
	}
	for _, it := range ids {
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	snap := q.GetAll()
	want := []string{"hi1", "hi2", "mid", "low"}
	for i, id := range want {
		if snap[i].TaskID != id {
			t.Fatalf("snapshot[%d] = %s, want %s", i, snap[i].TaskID, id)
		}
	}
	if q.Size() != 4 {
		t.Fatalf("snapshot mutated the queue: size = %d", q.Size())
	}
}

func TestQueue_FIFOVariantIgnoresPriority(t *testing.T) {
	q := NewFIFO(10)
	for _, it := range []Item{
		{TaskID: "a", Priority: 2},
		{TaskID: "b", Priority: 0},
		{TaskID: "c", Priority: 1},
	} {
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		got, _ := q.Dequeue()
		if got.TaskID != id {
			t.Fatalf("fifo dequeue = %s, want %s", got.TaskID, id)
		}
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New(10)
	_ = q.Enqueue(Item{TaskID: "a"})
	_ = q.Enqueue(Item{TaskID: "b"})
	q.Clear()
	if q.Size() != 0 || q.Contains("a") {
		t.Fatal("clear left items behind")
	}
	if err := q.Enqueue(Item{TaskID: "a"}); err != nil {
		t.Fatalf("enqueue after clear: %v", err)
	}
}
