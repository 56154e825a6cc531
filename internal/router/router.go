// Package router implements ROUTER: fan-out of decoded BaseEvents to
// per-payload-variant typed sinks, modeled on the same non-blocking
// try-send-and-drop pattern kernel.Processor uses for its event queue —
// generalized here to N persistence queues plus a broadcast side for live
// subscribers.
package router

import (
	"sync"

	"github.com/octoreflex/octoreflex/internal/schema"
)

const (
	dbQueueCapacity   = 10_000
	broadcastCapacity = 1_024
)

// WrappedEvent carries a decoded payload alongside the envelope fields a
// downstream consumer needs but that the payload type itself does not
// carry.
type WrappedEvent[V schema.Payload] struct {
	TsSeconds  int64
	TsNanos    int32
	SensorGUID string
	Payload    V
}

// DropCounters receives drop notifications so the caller can wire them to
// whatever metrics backend it uses, without this package importing
// observability directly.
type DropCounters interface {
	DBDrop(variant string)
	BroadcastDrop(variant string)
	Unhandled(variant string)
}

// TypedBus fans a single payload variant out to one bounded persistence
// queue and any number of bounded broadcast subscribers.
type TypedBus[V schema.Payload] struct {
	variant string

	dbQueue chan WrappedEvent[V]

	mu          sync.Mutex
	subscribers map[int]chan WrappedEvent[V]
	nextSubID   int

	drops DropCounters
}

func newTypedBus[V schema.Payload](variant string, drops DropCounters) *TypedBus[V] {
	return &TypedBus[V]{
		variant:     variant,
		dbQueue:     make(chan WrappedEvent[V], dbQueueCapacity),
		subscribers: make(map[int]chan WrappedEvent[V]),
		drops:       drops,
	}
}

// DBQueue returns the channel U-WRITER drains for this variant.
func (b *TypedBus[V]) DBQueue() <-chan WrappedEvent[V] { return b.dbQueue }

// Subscribe registers a new broadcast listener backed by a channel of
// broadcastCapacity events. The returned unsubscribe func must be called
// exactly once when the listener stops reading.
func (b *TypedBus[V]) Subscribe() (<-chan WrappedEvent[V], func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan WrappedEvent[V], broadcastCapacity)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

func (b *TypedBus[V]) publish(e WrappedEvent[V]) {
	select {
	case b.dbQueue <- e:
	default:
		b.drops.DBDrop(b.variant)
	}

	b.mu.Lock()
	subs := make([]chan WrappedEvent[V], 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			b.drops.BroadcastDrop(b.variant)
		}
	}
}

// Router dispatches decoded BaseEvents to the typed bus matching their
// payload's wire variant. Unknown variants are counted and discarded.
type Router struct {
	drops DropCounters

	process *TypedBus[schema.ProcessEvent]
	file    *TypedBus[schema.FileEvent]
	network *TypedBus[schema.NetworkEvent]
	etw     *TypedBus[schema.EtwEvent]
}

// New constructs a Router with one TypedBus per known payload variant.
func New(drops DropCounters) *Router {
	return &Router{
		drops:   drops,
		process: newTypedBus[schema.ProcessEvent]("process", drops),
		file:    newTypedBus[schema.FileEvent]("file", drops),
		network: newTypedBus[schema.NetworkEvent]("network", drops),
		etw:     newTypedBus[schema.EtwEvent]("etw", drops),
	}
}

// Process returns the bus carrying schema.ProcessEvent payloads.
func (r *Router) Process() *TypedBus[schema.ProcessEvent] { return r.process }

// File returns the bus carrying schema.FileEvent payloads.
func (r *Router) File() *TypedBus[schema.FileEvent] { return r.file }

// Network returns the bus carrying schema.NetworkEvent payloads.
func (r *Router) Network() *TypedBus[schema.NetworkEvent] { return r.network }

// Etw returns the bus carrying schema.EtwEvent payloads.
func (r *Router) Etw() *TypedBus[schema.EtwEvent] { return r.etw }

// Route dispatches a single decoded event. It never blocks: persistence
// and broadcast sends are both non-blocking try-sends, and an unrecognized
// payload type is counted under Unhandled and dropped.
func (r *Router) Route(e schema.BaseEvent) {
	switch p := e.Payload.(type) {
	case schema.ProcessEvent:
		r.process.publish(WrappedEvent[schema.ProcessEvent]{e.TsSeconds, e.TsNanos, e.SensorGUID, p})
	case schema.FileEvent:
		r.file.publish(WrappedEvent[schema.FileEvent]{e.TsSeconds, e.TsNanos, e.SensorGUID, p})
	case schema.NetworkEvent:
		r.network.publish(WrappedEvent[schema.NetworkEvent]{e.TsSeconds, e.TsNanos, e.SensorGUID, p})
	case schema.EtwEvent:
		r.etw.publish(WrappedEvent[schema.EtwEvent]{e.TsSeconds, e.TsNanos, e.SensorGUID, p})
	case schema.Unknown:
		r.drops.Unhandled(schema.Variant(p))
	default:
		r.drops.Unhandled("nil")
	}
}
