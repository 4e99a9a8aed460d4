package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/delegate/internal/derr"
)

func TestBus_EmitRunsHandlersInOrder(t *testing.T) {
	b := New(Options{})
	var got []string
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("h%d", i)
		if _, err := b.Subscribe("task.queued", name, func(ctx context.Context, e Event) error {
			got = append(got, name)
			return nil
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	b.Emit(context.Background(), "task.queued", TaskQueuedEvent{TaskID: "t1"})

	want := []string{"h0", "h1", "h2"}
	if len(got) != len(want) {
		t.Fatalf("ran %d handlers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestBus_HandlerFailureDoesNotStopOthers(t *testing.T) {
	b := New(Options{})
	var ran bool
	if _, err := b.Subscribe("t", "bad", func(ctx context.Context, e Event) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe("t", "panics", func(ctx context.Context, e Event) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe("t", "good", func(ctx context.Context, e Event) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Emit(context.Background(), "t", nil)
	if !ran {
		t.Fatal("later handler did not run after a failing one")
	}
}

func TestBus_SubscriptionLimits(t *testing.T) {
	b := New(Options{MaxListenersPerEvent: 2, MaxTotalSubscriptions: 3})
	noop := func(ctx context.Context, e Event) error { return nil }

	for i := 0; i < 2; i++ {
		if _, err := b.Subscribe("a", "h", noop); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if _, err := b.Subscribe("a", "h", noop); !derr.IsKind(err, derr.KindResourceExhausted) {
		t.Fatalf("per-topic limit error = %v, want RESOURCE_EXHAUSTED", err)
	}
	if _, err := b.Subscribe("b", "h", noop); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if _, err := b.Subscribe("c", "h", noop); !derr.IsKind(err, derr.KindResourceExhausted) {
		t.Fatalf("total limit error = %v, want RESOURCE_EXHAUSTED", err)
	}
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	b := New(Options{})
	sub, err := b.Subscribe("t", "h", func(ctx context.Context, e Event) error { return nil })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}

func TestBus_RequestReply(t *testing.T) {
	b := New(Options{})
	if _, err := b.Subscribe("schedule.query", "answerer", func(ctx context.Context, e Event) error {
		env, ok := e.Payload.(RequestEnvelope)
		if !ok {
			return errors.New("payload is not an envelope")
		}
		b.Respond(env.CorrelationID, "42 schedules")
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got, err := b.Request(context.Background(), "schedule.query", ScheduleQueryPayload{}, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got != "42 schedules" {
		t.Fatalf("response = %v", got)
	}
	if n := b.PendingRequests(); n != 0 {
		t.Fatalf("pending requests = %d, want 0", n)
	}
}

func TestBus_RequestNoHandlers(t *testing.T) {
	b := New(Options{})
	_, err := b.Request(context.Background(), "nobody.home", nil, time.Second)
	if !derr.IsKind(err, derr.KindInvalidOperation) {
		t.Fatalf("error = %v, want INVALID_OPERATION", err)
	}
}

func TestBus_RequestTimeoutReleasesPending(t *testing.T) {
	b := New(Options{})
	if _, err := b.Subscribe("slow", "ignores", func(ctx context.Context, e Event) error {
		return nil // never responds
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_, err := b.Request(context.Background(), "slow", nil, 20*time.Millisecond)
	if !derr.IsKind(err, derr.KindTimeout) {
		t.Fatalf("error = %v, want TIMEOUT", err)
	}
	if n := b.PendingRequests(); n != 0 {
		t.Fatalf("pending requests = %d, want 0", n)
	}
}

func TestBus_RespondUnknownIDDropped(t *testing.T) {
	b := New(Options{})
	// Must not panic or leak.
	b.Respond("no-such-id", "value")
	b.RespondError("no-such-id", errors.New("x"))
	if n := b.PendingRequests(); n != 0 {
		t.Fatalf("pending requests = %d, want 0", n)
	}
}

func TestBus_RequestErrorResponse(t *testing.T) {
	b := New(Options{})
	if _, err := b.Subscribe("q", "failer", func(ctx context.Context, e Event) error {
		env := e.Payload.(RequestEnvelope)
		b.RespondError(env.CorrelationID, derr.New(derr.KindTaskNotFound, "nope"))
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, err := b.Request(context.Background(), "q", nil, time.Second)
	if !derr.IsKind(err, derr.KindTaskNotFound) {
		t.Fatalf("error = %v, want TASK_NOT_FOUND", err)
	}
}

func TestBus_ConcurrentEmitsSameTopicSerialise(t *testing.T) {
	b := New(Options{})
	var mu sync.Mutex
	depth := 0
	maxDepth := 0
	if _, err := b.Subscribe("t", "h", func(ctx context.Context, e Event) error {
		mu.Lock()
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		depth--
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(context.Background(), "t", nil)
		}()
	}
	wg.Wait()

	if maxDepth != 1 {
		t.Fatalf("max concurrent handlers on one topic = %d, want 1", maxDepth)
	}
}
