package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the channel capacity used when Subscribe is given a
// non-positive size.
const DefaultBuffer = 256

// Subscription is a bounded stream of events matching a type filter.
// Events are dropped, never queued without bound, when the consumer falls behind.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[EventType]struct{} // nil means "all events"
	dropped atomic.Int64
	once    sync.Once
	bus     *Bus
}

// Dropped reports how many events were discarded because the channel was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

func (s *Subscription) matches(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is a thread-safe, in-process publish/subscribe event bus.
// Publish never blocks: each subscriber owns a bounded channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscription
	closed      bool
}

// NewBus creates a ready-to-use event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a subscription for the given event types.
// If no types are provided the subscription receives every event.
func (b *Bus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to all matching subscribers.
// The timestamp is set automatically if zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Held for the whole fan-out so Close cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.matches(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}
