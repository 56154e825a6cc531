package router

import (
	"testing"

	"github.com/octoreflex/octoreflex/internal/schema"
)

type fakeDrops struct {
	dbDrops        map[string]int
	broadcastDrops map[string]int
	unhandled      map[string]int
}

func newFakeDrops() *fakeDrops {
	return &fakeDrops{
		dbDrops:        make(map[string]int),
		broadcastDrops: make(map[string]int),
		unhandled:      make(map[string]int),
	}
}

func (f *fakeDrops) DBDrop(variant string)        { f.dbDrops[variant]++ }
func (f *fakeDrops) BroadcastDrop(variant string) { f.broadcastDrops[variant]++ }
func (f *fakeDrops) Unhandled(variant string)     { f.unhandled[variant]++ }

func TestRouteDispatchesToMatchingBus(t *testing.T) {
	drops := newFakeDrops()
	r := New(drops)

	r.Route(schema.BaseEvent{
		TsSeconds: 1, SensorGUID: "s1",
		Payload: schema.ProcessEvent{PID: 10},
	})

	select {
	case got := <-r.Process().DBQueue():
		if got.Payload.PID != 10 {
			t.Fatalf("PID = %d, want 10", got.Payload.PID)
		}
	default:
		t.Fatal("expected an event on the process db queue")
	}

	select {
	case <-r.File().DBQueue():
		t.Fatal("file bus should not have received a process event")
	default:
	}
}

func TestUnknownVariantCountedNotDelivered(t *testing.T) {
	drops := newFakeDrops()
	r := New(drops)

	r.Route(schema.BaseEvent{
		TsSeconds: 1, SensorGUID: "s1",
		Payload: schema.Unknown{Tag: 99},
	})

	if drops.unhandled["unknown(99)"] != 1 {
		t.Fatalf("unhandled[unknown(99)] = %d, want 1", drops.unhandled["unknown(99)"])
	}
}

func TestDBQueueFullDropsAndCounts(t *testing.T) {
	drops := newFakeDrops()
	bus := newTypedBus[schema.ProcessEvent]("process", drops)

	for i := 0; i < dbQueueCapacity; i++ {
		bus.publish(WrappedEvent[schema.ProcessEvent]{Payload: schema.ProcessEvent{PID: uint32(i)}})
	}
	if drops.dbDrops["process"] != 0 {
		t.Fatalf("unexpected drop before queue is full: %d", drops.dbDrops["process"])
	}
	bus.publish(WrappedEvent[schema.ProcessEvent]{Payload: schema.ProcessEvent{PID: 9999}})
	if drops.dbDrops["process"] != 1 {
		t.Fatalf("dbDrops[process] = %d, want 1", drops.dbDrops["process"])
	}
}

func TestBroadcastDeliversToSubscriberAndDropsWhenFull(t *testing.T) {
	drops := newFakeDrops()
	bus := newTypedBus[schema.ProcessEvent]("process", drops)

	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.publish(WrappedEvent[schema.ProcessEvent]{Payload: schema.ProcessEvent{PID: 1}})
	select {
	case got := <-ch:
		if got.Payload.PID != 1 {
			t.Fatalf("PID = %d, want 1", got.Payload.PID)
		}
	default:
		t.Fatal("expected subscriber to receive the broadcast event")
	}

	// Fill the subscriber channel without draining to force an overflow drop.
	// The db queue has far more headroom, so only the broadcast side should
	// record a drop.
	for i := 0; i < broadcastCapacity+1; i++ {
		bus.publish(WrappedEvent[schema.ProcessEvent]{Payload: schema.ProcessEvent{PID: uint32(i)}})
	}
	if drops.broadcastDrops["process"] == 0 {
		t.Fatal("expected at least one broadcast drop once the subscriber channel filled up")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	drops := newFakeDrops()
	bus := newTypedBus[schema.ProcessEvent]("process", drops)

	ch, unsub := bus.Subscribe()
	unsub()

	bus.publish(WrappedEvent[schema.ProcessEvent]{Payload: schema.ProcessEvent{PID: 1}})
	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive further events")
	default:
	}
}
