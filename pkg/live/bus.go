package live

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler receives one event. Handlers run sequentially on the emitting
// goroutine and should return quickly.
type Handler func(Event)

// Subscription identifies a registered handler for [Source.Off].
type Subscription uint64

// Source is anything that emits [Event] values to subscribers. [*Client],
// [*Bus] and the mock client all satisfy it.
type Source interface {
	On(kind EventKind, h Handler) Subscription
	Off(sub Subscription) bool
}

var _ Source = (*Bus)(nil)

// Handle subscribes fn to the event variant E on src. The kind is taken from
// E itself, so the handler never sees another variant:
//
//	live.Handle(client, func(ev live.AudioEvent) { ... })
func Handle[E Event](src Source, fn func(E)) Subscription {
	var zero E
	return src.On(zero.Kind(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

type busEntry struct {
	id Subscription
	fn Handler
}

// Bus is a typed multi-subscriber broadcaster with one observer list per
// [EventKind]. Delivery follows registration order; a panicking handler is
// logged and skipped without affecting the others. The zero value is ready
// to use and safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	next     Subscription
	handlers map[EventKind][]busEntry
}

// On registers h for events of the given kind.
func (b *Bus) On(kind EventKind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[EventKind][]busEntry)
	}
	b.next++
	b.handlers[kind] = append(b.handlers[kind], busEntry{id: b.next, fn: h})
	return b.next
}

// Off removes a subscription. It reports whether the subscription existed.
func (b *Bus) Off(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, list := range b.handlers {
		for i, e := range list {
			if e.id != sub {
				continue
			}
			// Copy so snapshots taken by a concurrent Publish stay intact.
			next := make([]busEntry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.handlers[kind] = next
			return true
		}
	}
	return false
}

// Publish delivers ev to every handler registered for its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	list := b.handlers[ev.Kind()]
	b.mu.RUnlock()

	for _, e := range list {
		b.deliver(e, ev)
	}
}

func (b *Bus) deliver(e busEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("live: event handler panicked",
				"kind", ev.Kind().String(),
				"subscription", uint64(e.id),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	e.fn(ev)
}

// ── eventQueue ─────────────────────────────────────────────────────────────────

// eventQueue serialises emission onto a single goroutine so that events reach
// subscribers in the order they were queued, and so that handlers may call
// back into the client (Disconnect, Send) without deadlocking it.
type eventQueue struct {
	bus *Bus

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventQueue(bus *Bus) *eventQueue {
	q := &eventQueue{
		bus:    bus,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// push appends ev. It never blocks.
func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.queue = append(q.queue, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.notify:
			q.drain()
		case <-q.done:
			q.drain()
			return
		}
	}
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		q.bus.Publish(ev)
	}
}

// close flushes pending events on the queue goroutine and stops it. It does
// not wait, so it is safe to call from a handler.
func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}
