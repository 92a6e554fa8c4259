package engine

import (
	"log"
	"sync"
	"time"
)

type EventType int

type SubscriberID int

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type handler struct {
	id SubscriberID
	fn func(Event)
}

// EventBus delivers engine events synchronously on the emitting goroutine.
// Handlers registered for every type run before typed handlers; within
// each group the order is registration order.
type EventBus struct {
	mu     sync.RWMutex
	all    []handler
	byType map[EventType][]handler
	nextID SubscriberID
}

func NewEventBus() *EventBus {
	return &EventBus{byType: make(map[EventType][]handler)}
}

// Subscribe registers fn for every event type.
func (eb *EventBus) Subscribe(fn func(Event)) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.all = append(eb.all, handler{id: eb.nextID, fn: fn})
	return eb.nextID
}

// SubscribeTypes registers fn for the listed types only. One ID covers
// all of them.
func (eb *EventBus) SubscribeTypes(fn func(Event), types ...EventType) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	seen := make(map[EventType]bool, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		eb.byType[t] = append(eb.byType[t], handler{id: eb.nextID, fn: fn})
	}
	return eb.nextID
}

func (eb *EventBus) Unsubscribe(id SubscriberID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.all = without(eb.all, id)
	for t, hs := range eb.byType {
		if hs = without(hs, id); len(hs) == 0 {
			delete(eb.byType, t)
		} else {
			eb.byType[t] = hs
		}
	}
}

func without(hs []handler, id SubscriberID) []handler {
	out := hs[:0:0]
	for _, h := range hs {
		if h.id != id {
			out = append(out, h)
		}
	}
	return out
}

// Emit delivers evt. A panicking handler is logged and does not stop
// delivery to the rest.
func (eb *EventBus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	eb.mu.RLock()
	targets := make([]handler, 0, len(eb.all)+len(eb.byType[evt.Type]))
	targets = append(targets, eb.all...)
	targets = append(targets, eb.byType[evt.Type]...)
	eb.mu.RUnlock()

	for _, h := range targets {
		deliver(h, evt)
	}
}

func deliver(h handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: subscriber %d panicked on %s: %v", h.id, evt.Type, r)
		}
	}()
	h.fn(evt)
}
