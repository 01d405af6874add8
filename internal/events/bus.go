package events

import (
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 128

// Filter restricts which events a subscriber receives. Zero values match
// everything; events without a session ID pass any session filter.
type Filter struct {
	SessionID string
	Types     []Type
}

func (f Filter) matches(e Event) bool {
	if f.SessionID != "" && e.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Bus is a broadcast event bus. Publishing never blocks: events are dropped
// for subscribers whose buffers are full, and publishing with no subscribers
// is a no-op.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish stamps the event with the current time if unset and broadcasts it.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Slow subscriber; drop rather than stall the run.
		}
	}
}

// Subscribe registers an unfiltered subscriber. The returned cancel function
// removes the subscription and closes its channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.SubscribeFiltered(Filter{})
}

// SubscribeFiltered registers a subscriber that only receives matching events.
func (b *Bus) SubscribeFiltered(f Filter) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filter: f}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Close removes all subscribers and closes their channels. Publish becomes a
// no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
