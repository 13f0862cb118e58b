package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"wanctl/internal/domain"
)

// DefaultMailboxSize is the per-subscriber queue length.
const DefaultMailboxSize = 1024

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	mailbox chan delivery
	dropped atomic.Uint64
}

// Bus is an in-process event bus. Every subscriber owns a mailbox drained by
// its own goroutine, so a subscriber sees events in publish order and a slow
// subscriber never stalls the publisher. When a mailbox is full the event is
// dropped for that subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	typed       map[domain.EventType][]*subscription
	allSubs     []*subscription
	nextID      atomic.Uint64
	logger      *slog.Logger
	wg          sync.WaitGroup
	closed      bool
	mailboxSize int
}

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize overrides DefaultMailboxSize.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:       make(map[domain.EventType][]*subscription),
		logger:      logger,
		mailboxSize: DefaultMailboxSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish enqueues event for matching typed subscribers, then for all-event
// subscribers. It never blocks on a handler.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

// enqueue must be called with b.mu held for reading; mailboxes are only
// closed under the write lock.
func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	select {
	case sub.mailbox <- delivery{ctx: ctx, event: event}:
	default:
		n := sub.dropped.Add(1)
		b.logger.Warn("event subscriber mailbox full, dropping event",
			"event", string(event.Type),
			"subscriber", sub.id,
			"dropped_total", n,
		)
	}
}

func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		mailbox: make(chan delivery, b.mailboxSize),
	}
	b.wg.Add(1)
	go b.drain(sub)
	return sub
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.mailbox {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"subscriber", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// The returned function unsubscribes; queued events are still delivered.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	sub := b.start(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				close(s.mailbox)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	sub := b.start(handler)
	b.allSubs = append(b.allSubs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				close(s.mailbox)
				return
			}
		}
	}
}

// Close stops accepting events, lets every subscriber drain its mailbox and
// waits for them. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for t, subs := range b.typed {
		for _, s := range subs {
			close(s.mailbox)
		}
		delete(b.typed, t)
	}
	for _, s := range b.allSubs {
		close(s.mailbox)
	}
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
