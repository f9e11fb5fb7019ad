package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one event. Handlers are invoked sequentially per
// subscription, in the order events were published, and must not retain
// the payload past the call unless it is treated as read-only.
//
// Handlers do not return errors: retry decisions belong to the worker base
// layer, not the bus. Panics are recovered and logged.
type Handler func(ctx context.Context, e Event)

// Subscription identifies one (type, handler) registration. Unsubscribe is
// idempotent: cancelling an already-removed subscription is a no-op.
type Subscription struct {
	id   uint64
	typ  Type
	name string

	ch      chan Event
	done    chan struct{}
	handler Handler
}

// Bus is the in-process typed publish/subscribe hub.
//
// Delivery model:
//   - Publish enqueues onto a bounded central queue and returns once the
//     event is accepted; when the queue is at capacity the publisher
//     blocks until space drains (backpressure) or its context is done.
//   - A single dispatcher goroutine pops events in FIFO order and forwards
//     each to the private queue of every subscription for its type, so
//     events published in order by one producer reach each handler in
//     that order. There is no ordering guarantee across producers.
//   - Each subscription runs its handler in its own goroutine, one event
//     at a time.
//
// After Stop, Publish returns ErrBusClosed; events already queued are
// drained for up to the configured drain timeout.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]*Subscription
	nextSub uint64

	queue   chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	baseCtx context.Context

	started bool
	stopped bool

	subBuffer    int
	drainTimeout time.Duration
	logger       *slog.Logger

	wg sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueueDepth sets the capacity of the central pending queue.
// Publishers block once the queue is full. Default 1024.
func WithQueueDepth(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithSubscriberBuffer sets the per-subscription queue capacity.
// Default 256. A slow handler stalls the dispatcher once its buffer fills,
// which is the intended backpressure behavior.
func WithSubscriberBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.subBuffer = n
		}
	}
}

// WithDrainTimeout bounds how long Stop waits for queued events and
// in-flight handlers. Default 10s.
func WithDrainTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.drainTimeout = d
		}
	}
}

// WithBusLogger sets the logger used for handler panics and drop warnings.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a stopped bus; call Start before publishing.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:         make(map[Type][]*Subscription),
		queue:        make(chan Event, 1024),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		subBuffer:    256,
		drainTimeout: 10 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type. Multiple handlers per
// type are allowed; each receives its own copy of every matching event.
// The name labels the subscription in logs.
func (b *Bus) Subscribe(t Type, name string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &Subscription{
		id:      b.nextSub,
		typ:     t,
		name:    name,
		ch:      make(chan Event, b.subBuffer),
		done:    make(chan struct{}),
		handler: h,
	}
	b.subs[t] = append(b.subs[t], sub)

	if b.started && !b.stopped {
		b.startSubscription(sub)
	}
	return sub
}

// Unsubscribe removes a prior registration and releases its handler
// goroutine. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.typ]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.typ] = append(list[:i], list[i+1:]...)
			close(s.done)
			return
		}
	}
}

// Start launches the dispatcher. The context is the base context handlers
// run under; cancelling it does not stop the bus (use Stop), but handlers
// observe it through their ctx argument.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	for _, list := range b.subs {
		for _, sub := range list {
			b.startSubscription(sub)
		}
	}
	b.mu.Unlock()

	go b.dispatch(ctx)
}

// startSubscription launches the per-subscription handler loop.
// Caller holds b.mu.
func (b *Bus) startSubscription(sub *Subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case e, ok := <-sub.ch:
				if !ok {
					return
				}
				b.invoke(sub, e)
			}
		}
	}()
}

// invoke runs the handler with panic isolation.
func (b *Bus) invoke(sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("subscription", sub.name),
				slog.String("event_type", string(e.Type)),
				slog.String("workflow_id", e.WorkflowID),
				slog.Any("panic", r))
		}
	}()
	sub.handler(b.handlerContext(), e)
	b.delivered.Add(1)
}

// handlerContext returns the context handlers run under.
func (b *Bus) handlerContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.baseCtx != nil {
		return b.baseCtx
	}
	return context.Background()
}

// dispatch forwards queued events to matching subscriptions until stopped,
// then drains the remaining queue within the drain timeout.
func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.doneCh)

	b.mu.Lock()
	b.baseCtx = ctx
	b.mu.Unlock()

	for {
		select {
		case <-b.stopCh:
			b.drain()
			return
		case e := <-b.queue:
			b.forward(e)
		}
	}
}

// forward delivers one event to every subscription for its type.
func (b *Bus) forward(e Event) {
	b.mu.RLock()
	list := make([]*Subscription, len(b.subs[e.Type]))
	copy(list, b.subs[e.Type])
	b.mu.RUnlock()

	for _, sub := range list {
		// Blocks when the subscriber buffer is full; that stall is the
		// backpressure contract.
		select {
		case sub.ch <- e:
		case <-sub.done:
		case <-b.stopCh:
			b.dropped.Add(1)
			return
		}
	}
}

// drain empties the central queue within the drain timeout, then closes
// all subscriber channels and waits for handlers to finish.
func (b *Bus) drain() {
	deadline := time.NewTimer(b.drainTimeout)
	defer deadline.Stop()

	for {
		select {
		case e := <-b.queue:
			b.forwardDraining(e, deadline.C)
		case <-deadline.C:
			b.closeSubscribers()
			return
		default:
			b.closeSubscribers()
			b.waitHandlers(deadline.C)
			return
		}
	}
}

func (b *Bus) forwardDraining(e Event, timeout <-chan time.Time) {
	b.mu.RLock()
	list := make([]*Subscription, len(b.subs[e.Type]))
	copy(list, b.subs[e.Type])
	b.mu.RUnlock()

	for _, sub := range list {
		select {
		case sub.ch <- e:
		case <-sub.done:
		case <-timeout:
			b.dropped.Add(1)
			return
		}
	}
}

func (b *Bus) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
		delete(b.subs, t)
	}
}

func (b *Bus) waitHandlers(timeout <-chan time.Time) {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-timeout:
		b.logger.Warn("bus drain timeout: abandoning in-flight handlers")
	}
}

// Publish enqueues an event for asynchronous delivery. It returns once the
// event is accepted onto the pending queue; when the queue is full it
// blocks until space drains or ctx is done. After Stop it returns
// ErrBusClosed.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrBusClosed
	}

	select {
	case b.queue <- e:
		b.published.Add(1)
		return nil
	default:
	}

	// Queue full: block with cancellation.
	select {
	case b.queue <- e:
		b.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return ErrBusClosed
	}
}

// TryPublish is the non-blocking variant of Publish. Returns ErrBusFull
// when the pending queue is at capacity.
func (b *Bus) TryPublish(e Event) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrBusClosed
	}

	select {
	case b.queue <- e:
		b.published.Add(1)
		return nil
	default:
		return ErrBusFull
	}
}

// Stop halts publishing, drains queued events within the drain timeout,
// and waits for in-flight handlers. Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		started := b.started
		b.mu.Unlock()
		if started {
			<-b.doneCh
		}
		return
	}
	b.stopped = true
	started := b.started
	b.mu.Unlock()

	close(b.stopCh)
	if started {
		<-b.doneCh
	}
}

// Depth returns the number of events waiting on the central queue.
func (b *Bus) Depth() int { return len(b.queue) }

// Stats reports cumulative bus counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Depth:     len(b.queue),
	}
}

// BusStats is a point-in-time snapshot of bus counters.
type BusStats struct {
	Published int64
	Delivered int64
	Dropped   int64
	Depth     int
}
