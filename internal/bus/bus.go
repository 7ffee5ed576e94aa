// Package bus is an in-process pub/sub used to fan out run, action, and goal
// lifecycle events to observers (reporting, notification delivery).
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

// Scoped is implemented by payloads that belong to one store. Store-scoped
// subscriptions only receive payloads whose store matches.
type Scoped interface {
	EventStoreID() string
}

// Subscription is an active subscription to a topic prefix, optionally
// restricted to one store.
type Subscription struct {
	id      int
	prefix  string
	storeID string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel events are delivered on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string, payload any) bool {
	if s.prefix != "" && !strings.HasPrefix(topic, s.prefix) {
		return false
	}
	if s.storeID == "" {
		return true
	}
	scoped, ok := payload.(Scoped)
	return ok && scoped.EventStoreID() == s.storeID
}

// Bus fans events out to subscribers by topic prefix.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in topics starting with topicPrefix. An empty
// prefix matches everything. Slow consumers miss events once their buffer of
// 100 fills.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.subscribe("", topicPrefix)
}

// SubscribeStore is Subscribe restricted to events of one store. Payloads
// that are not Scoped are never delivered to it.
func (b *Bus) SubscribeStore(storeID, topicPrefix string) *Subscription {
	return b.subscribe(storeID, topicPrefix)
}

func (b *Bus) subscribe(storeID, topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		prefix:  topicPrefix,
		storeID: storeID,
		ch:      make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
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

// Publish delivers to every matching subscriber without blocking. A nil Bus
// discards the event.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic, payload) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
