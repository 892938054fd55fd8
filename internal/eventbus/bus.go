// Package eventbus implements the core's cooperative, single-threaded event
// queue. Generalized from the teacher's channel-based EventSubscriber
// pattern in pkg/zigbee/controller.go (one buffered channel per subscriber)
// into a FIFO queue dispatched to a handler bank keyed by resource kind.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler processes one event. Handlers must not call Drain re-entrantly;
// they may call Enqueue, and the loop will process newly enqueued events
// after the current batch drains.
type Handler func(Event)

// Bus is the process-wide event queue. Not safe for concurrent Drain calls;
// Enqueue is safe to call from any goroutine (workers report results back
// through it), matching the concurrency model of §5: one logical task drains
// the bus, blocking work happens off to the side and reports back as events.
type Bus struct {
	mu      sync.Mutex
	normal  []Event
	urgent  []Event
	ring    *inlineRing
	byKind  map[ResourceKind][]Handler
	allKind []Handler // handlers invoked for every event regardless of kind
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{ring: newInlineRing(), byKind: make(map[ResourceKind][]Handler)}
}

// Subscribe registers h to be invoked for events of the given resource kind.
// Passing "" subscribes h to every event.
func (b *Bus) Subscribe(kind ResourceKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "" {
		b.allKind = append(b.allKind, h)
		return
	}
	b.byKind[kind] = append(b.byKind[kind], h)
}

// Enqueue appends e to the queue. Urgent events (e.Urgent) run before
// non-urgent ones within the same Drain call.
func (b *Bus) Enqueue(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Urgent {
		b.urgent = append(b.urgent, e)
	} else {
		b.normal = append(b.normal, e)
	}
}

// PutInline stores data in the bus's inline ring and returns an event
// carrying a reference to it.
func (b *Bus) PutInline(resource ResourceKind, what string, deviceKey uint64, data []byte) Event {
	ref := b.ring.Put(data)
	return Event{Resource: resource, What: what, DeviceKey: deviceKey, hasInline: true, inlineRef: ref}
}

// Inline resolves e's inline payload, if any.
func (b *Bus) Inline(e Event) ([]byte, bool) {
	if !e.hasInline {
		return nil, false
	}
	return b.ring.Get(e.inlineRef)
}

// Drain pops all currently queued events in FIFO order (urgent first) and
// dispatches each to every matching handler. Events enqueued by a handler
// during this call are processed in a subsequent pass, not re-entrantly.
func (b *Bus) Drain() {
	for {
		b.mu.Lock()
		if len(b.urgent) == 0 && len(b.normal) == 0 {
			b.mu.Unlock()
			return
		}
		batch := append(b.urgent, b.normal...)
		b.urgent = nil
		b.normal = nil
		b.mu.Unlock()

		for _, e := range batch {
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.Lock()
	handlers := append([]Handler{}, b.byKind[e.Resource]...)
	handlers = append(handlers, b.allKind...)
	b.mu.Unlock()

	if len(handlers) == 0 {
		log.Debug().Str("resource", string(e.Resource)).Str("what", e.What).Msg("event with no handler")
		return
	}
	for _, h := range handlers {
		h(e)
	}
}
