// Package bus is the in-process fan-out between the drainers, triggers and
// websocket streams.
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

type Subscription struct {
	id     int
	topic  string
	exact  bool
	ch     chan Event
	missed atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Missed reports events skipped because this subscriber's buffer was full.
func (s *Subscription) Missed() int64 {
	return s.missed.Load()
}

func (s *Subscription) matches(topic string) bool {
	if s.exact {
		return topic == s.topic
	}
	return s.topic == "" || strings.HasPrefix(topic, s.topic)
}

type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	exact  bool
	buffer int
}

// Exact matches only the given topic, so "folder.f1" does not see
// "folder.f10".
func Exact() SubscribeOption {
	return func(o *subscribeOptions) { o.exact = true }
}

// WithBuffer sets the subscriber's channel capacity.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// Bus is an in-process pub/sub. Delivery never blocks the publisher; a
// subscriber with a full buffer misses events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe matches topics starting with topic, or exactly topic with
// Exact. An empty prefix matches everything.
func (b *Bus) Subscribe(topic string, opts ...SubscribeOption) *Subscription {
	o := subscribeOptions{buffer: defaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		topic: topic,
		exact: o.exact,
		ch:    make(chan Event, o.buffer),
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

// Publish delivers to every matching subscriber and returns how many
// received the event.
func (b *Bus) Publish(topic string, payload any) int {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.missed.Add(1)
			b.dropped.Add(1)
		}
	}
	return delivered
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped totals missed deliveries across all subscribers, past and present.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
