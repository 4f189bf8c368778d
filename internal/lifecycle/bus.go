// Package lifecycle broadcasts repository state transitions to any number
// of listeners.
package lifecycle

import (
	"sync"
	"time"
)

// Signal names a lifecycle transition.
type Signal string

const (
	// Initialized fires once the initial import from disk finished.
	Initialized Signal = "initialized"
	// Synchronized fires whenever the commit queue drains.
	Synchronized Signal = "synchronized"
	// Closed fires after the repository shut down.
	Closed Signal = "closed"
	// Error reports a failure that did not stop the repository.
	Error Signal = "error"
)

// Event is one published transition.
type Event struct {
	Signal Signal
	Err    error
	Time   time.Time
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	now    func() time.Time
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), now: time.Now}
}

// Subscribe registers a listener with the given channel buffer. The
// returned cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers sig (with an optional error) to every subscriber.
// It reports how many subscribers received it.
func (b *Bus) Publish(sig Signal, err error) int {
	if b == nil {
		return 0
	}
	ev := Event{Signal: sig, Err: err, Time: b.now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Close unregisters and closes every subscriber channel. Later
// subscriptions receive an already closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
