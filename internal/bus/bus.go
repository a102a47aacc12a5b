// Package bus is the in-process pub/sub used to hand tool traffic and
// connection lifecycle events from the bridge to other subsystems.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus matches subscribers by topic prefix. Delivery never blocks the
// publisher; events for a full subscriber are dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
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

// Publish sends an event to all matching subscribers and reports how many
// accepted it.
func (b *Bus) Publish(topic string, payload any) int {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of deliveries skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
