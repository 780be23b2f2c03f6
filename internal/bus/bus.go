// Package bus fans events out to subscribers after the dampener has rate-
// shaped them: dedup, per-type rate limits, and cascade suppression all run
// before any handler sees the event.
package bus

import (
	"log"
	"sync"
	"time"
)

// Handler consumes a delivered event. Handlers run synchronously on the
// publishing goroutine; a panicking handler is isolated and logged.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus couples a Dampener with a subscriber registry.
type Bus struct {
	dampener *Dampener

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
}

// New constructs a Bus over the given dampener.
func New(dampener *Dampener) *Bus {
	return &Bus{
		dampener: dampener,
		subs:     map[string][]subscription{},
	}
}

// Subscribe registers a handler for an event type and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[eventType] = append(b.subs[eventType], subscription{id: b.nextID, handler: h})
	return b.nextID
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(eventType string, token int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == token {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish runs the event through the dampener and, if allowed, delivers it
// to every subscriber of its type. One faulting subscriber never blocks the
// others.
func (b *Bus) Publish(ev Event) (bool, string) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	allowed, reason := b.dampener.ShouldEmit(ev)
	if !allowed {
		return false, reason
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[ev.Type]))
	copy(subs, b.subs[ev.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s, ev)
	}
	return true, ""
}

func deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] subscriber %d panicked on %s: %v", s.id, ev.Type, r)
		}
	}()
	s.handler(ev)
}

// Dampener exposes the underlying dampener for cleanup scheduling.
func (b *Bus) Dampener() *Dampener {
	return b.dampener
}
