// Package bus is the in-process event spine: turn lifecycle, safety
// events, compaction, and approval round-trips all travel over it.
// Delivery is best-effort; nothing on the hot path may block on a slow
// listener.
package bus

import (
	"strings"
	"sync"
)

// subscriptionBuffer is sized so short bursts (a turn's worth of events)
// fit without drops.
const subscriptionBuffer = 100

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live listener. Close it via Bus.Unsubscribe; the
// channel is owned by the bus.
type Subscription struct {
	id     uint64
	prefix string
	ch     chan Event
}

// Ch is the receive side of the subscription. It is closed by
// Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	lastID uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a listener for every topic starting with prefix.
// The empty prefix matches everything. A listener that falls behind by
// more than the buffer loses events rather than stalling publishers.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	sub := &Subscription{
		id:     b.lastID,
		prefix: prefix,
		ch:     make(chan Event, subscriptionBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches the listener and closes its channel. Safe to call
// twice and safe on nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber without
// blocking. A full subscriber buffer drops the event for that subscriber
// only.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
