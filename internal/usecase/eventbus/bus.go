package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"supernova/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer. Events beyond it are dropped.
const DefaultQueueSize = 1024

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns one goroutine, so a subscriber sees events in publish
// order. Stream deltas rely on that.
type subscription struct {
	id      uint64
	handler domain.EventHandler
	queue   chan delivery
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu        sync.RWMutex
	typed     map[domain.EventType][]*subscription
	allSubs   []*subscription
	nextID    atomic.Uint64
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
	queueSize int
	dropped   atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber buffer.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		typed:     make(map[domain.EventType][]*subscription),
		logger:    logger,
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish queues an event for matching typed subscribers and all-event
// subscribers. It never blocks; a full subscriber queue drops the event.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

// enqueue must be called with b.mu held for reading so the queue cannot be
// closed underneath it.
func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	select {
	case sub.queue <- delivery{ctx: ctx, event: event}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, subscriber queue full",
			"event", string(event.Type),
			"subscription", sub.id,
		)
	}
}

// Dropped returns how many events were discarded because a queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
	}
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.typed[eventType]
			for i, s := range subs {
				if s.id == sub.id {
					b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
					close(sub.queue)
					return
				}
			}
		})
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.allSubs = append(b.allSubs, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.allSubs {
				if s.id == sub.id {
					b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
					close(sub.queue)
					return
				}
			}
		})
	}
}

// Close prevents new publishes, lets every queued event reach its handler
// and waits for the subscriber goroutines to exit. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for t, subs := range b.typed {
		for _, s := range subs {
			close(s.queue)
		}
		delete(b.typed, t)
	}
	for _, s := range b.allSubs {
		close(s.queue)
	}
	b.allSubs = nil
	b.mu.Unlock()
	b.wg.Wait()
}
