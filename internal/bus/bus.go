// Package bus provides the in-process event bus the delegate kernel is
// built around: topic-keyed publish/subscribe plus correlation-ID
// request/reply. Handlers for one topic run in registration order; a
// failing handler never prevents the others from running.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/delegate/internal/derr"
)

const (
	// DefaultMaxListenersPerEvent bounds handlers per topic.
	DefaultMaxListenersPerEvent = 100
	// DefaultMaxTotalSubscriptions bounds handlers across all topics.
	DefaultMaxTotalSubscriptions = 1000
	// DefaultRequestTimeout applies when Request is called with zero timeout.
	DefaultRequestTimeout = 5 * time.Second
)

// Event is a message dispatched on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Handler processes one event. Errors are logged, never propagated to
// the emitter.
type Handler func(ctx context.Context, event Event) error

// RequestEnvelope wraps a request payload with its correlation ID.
// Handlers answering a Request receive this as the event payload and
// complete it via Respond or RespondError.
type RequestEnvelope struct {
	CorrelationID string
	Payload       any
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id    int
	topic string
	name  string
	fn    Handler
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

type requestState struct {
	ch chan outcome
}

type outcome struct {
	value any
	err   error
}

// Options configures bus limits.
type Options struct {
	MaxListenersPerEvent  int
	MaxTotalSubscriptions int
	RequestTimeout        time.Duration
	Logger                *slog.Logger
}

// Bus is the process-wide event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*Subscription
	total    int
	nextID   int

	// dispatchMu guards dispatch; the per-topic locks serialise emits
	// so delivery stays topic-local FIFO with respect to one emitter.
	dispatchMu sync.Mutex
	dispatch   map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*requestState

	opts   Options
	logger *slog.Logger
}

// New creates a Bus with the given options. Zero-value limits use the
// package defaults.
func New(opts Options) *Bus {
	if opts.MaxListenersPerEvent <= 0 {
		opts.MaxListenersPerEvent = DefaultMaxListenersPerEvent
	}
	if opts.MaxTotalSubscriptions <= 0 {
		opts.MaxTotalSubscriptions = DefaultMaxTotalSubscriptions
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]*Subscription),
		dispatch: make(map[string]*sync.Mutex),
		pending:  make(map[string]*requestState),
		opts:     opts,
		logger:   logger,
	}
}

// Subscribe registers a named handler for a topic. The name appears in
// failure logs. Fails with RESOURCE_EXHAUSTED when either the per-topic
// or the total subscription limit would be exceeded.
func (b *Bus) Subscribe(topic, name string, fn Handler) (*Subscription, error) {
	if topic == "" || fn == nil {
		return nil, derr.New(derr.KindInvalidInput, "subscribe requires a topic and a handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers[topic]) >= b.opts.MaxListenersPerEvent {
		return nil, derr.Newf(derr.KindResourceExhausted,
			"listener limit %d reached for topic %s", b.opts.MaxListenersPerEvent, topic)
	}
	if b.total >= b.opts.MaxTotalSubscriptions {
		return nil, derr.Newf(derr.KindResourceExhausted,
			"total subscription limit %d reached", b.opts.MaxTotalSubscriptions)
	}

	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, name: name, fn: fn}
	b.handlers[topic] = append(b.handlers[topic], sub)
	b.total++
	return sub, nil
}

// Unsubscribe removes a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.topic] = append(subs[:i], subs[i+1:]...)
			b.total--
			break
		}
	}
	if len(b.handlers[sub.topic]) == 0 {
		delete(b.handlers, sub.topic)
	}
}

// Emit dispatches the event to every handler of the topic in
// registration order and returns once all have settled. A handler error
// or panic is logged with the topic and handler name and does not stop
// the remaining handlers.
func (b *Bus) Emit(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	lock := b.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	event := Event{Topic: topic, Payload: payload}
	for _, sub := range subs {
		b.invoke(ctx, sub, event)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", event.Topic, "handler", sub.name, "panic", r)
		}
	}()
	if err := sub.fn(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			"topic", event.Topic, "handler", sub.name, "error", err)
	}
}

func (b *Bus) topicLock(topic string) *sync.Mutex {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	lock, ok := b.dispatch[topic]
	if !ok {
		lock = &sync.Mutex{}
		b.dispatch[topic] = lock
	}
	return lock
}

// Request emits a RequestEnvelope on the topic and waits for the first
// Respond/RespondError carrying its correlation ID. A zero timeout uses
// the configured default. Fails immediately when no handlers are
// registered; fails with TIMEOUT when no response arrives in time.
// Pending state is released on every exit path.
func (b *Bus) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (any, error) {
	b.mu.RLock()
	hasHandlers := len(b.handlers[topic]) > 0
	b.mu.RUnlock()
	if !hasHandlers {
		return nil, derr.Newf(derr.KindInvalidOperation, "no handlers registered for topic %s", topic)
	}

	if timeout <= 0 {
		timeout = b.opts.RequestTimeout
	}

	corrID := uuid.NewString()
	state := &requestState{ch: make(chan outcome, 1)}
	b.pendingMu.Lock()
	b.pending[corrID] = state
	b.pendingMu.Unlock()
	defer b.release(corrID)

	b.Emit(ctx, topic, RequestEnvelope{CorrelationID: corrID, Payload: payload})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-state.ch:
		return out.value, out.err
	case <-timer.C:
		return nil, derr.Newf(derr.KindTimeout, "request on topic %s timed out after %s", topic, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("request on topic %s: %w", topic, ctx.Err())
	}
}

// Respond completes a pending request with a value. Responses for
// unknown correlation IDs are silently dropped; only the first response
// wins.
func (b *Bus) Respond(correlationID string, value any) {
	b.complete(correlationID, outcome{value: value})
}

// RespondError completes a pending request with an error.
func (b *Bus) RespondError(correlationID string, err error) {
	b.complete(correlationID, outcome{err: err})
}

func (b *Bus) complete(correlationID string, out outcome) {
	b.pendingMu.Lock()
	state, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return
	}
	state.ch <- out
}

func (b *Bus) release(correlationID string) {
	b.pendingMu.Lock()
	delete(b.pending, correlationID)
	b.pendingMu.Unlock()
}

// PendingRequests returns the number of in-flight requests.
func (b *Bus) PendingRequests() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
