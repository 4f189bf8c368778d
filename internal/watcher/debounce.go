package watcher

import (
	"sort"
	"sync"
	"time"
)

// Op is the kind of change seen for a path.
type Op int

const (
	OpCreate Op = iota + 1
	OpWrite
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event represents a single file system change. Path is absolute.
type Event struct {
	Path      string
	Op        Op
	Timestamp time.Time
}

// merge folds next into a pending event for the same path. A write right
// after a create is still a create; anything else takes the latest op.
func merge(prev, next Event) Event {
	if prev.Op == OpCreate && next.Op == OpWrite {
		next.Op = OpCreate
	}
	return next
}

// Debouncer collapses rapid events for the same file path into a single
// emission after a configurable quiet window. It is safe for concurrent use.
type Debouncer struct {
	window time.Duration
	emit   func(Event)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]Event
	stopped bool
}

// NewDebouncer creates a Debouncer that waits for `window` of silence on a
// given path before emitting the merged event for that path.
func NewDebouncer(window time.Duration, emit func(Event)) *Debouncer {
	return &Debouncer{
		window:  window,
		emit:    emit,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]Event),
	}
}

// Feed receives a raw event. If a timer already exists for the event's path,
// it is reset and the stored event is merged. Otherwise a new timer is started.
func (d *Debouncer) Feed(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if prev, ok := d.pending[e.Path]; ok {
		e = merge(prev, e)
	}
	d.pending[e.Path] = e

	if t, ok := d.timers[e.Path]; ok {
		t.Reset(d.window)
		return
	}

	path := e.Path
	d.timers[path] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		ev, ok := d.pending[path]
		delete(d.timers, path)
		delete(d.pending, path)
		d.mu.Unlock()
		if ok {
			d.emit(ev)
		}
	})
}

// Pending returns the number of paths waiting for their quiet window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all pending timers and immediately emits their events in
// the order they were last seen, so commits keep following observation
// order. After Stop returns, subsequent Feed calls are no-ops.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true

	// Collect pending events and stop all timers.
	var toEmit []Event
	for path, t := range d.timers {
		t.Stop()
		if ev, ok := d.pending[path]; ok {
			toEmit = append(toEmit, ev)
		}
	}
	d.timers = nil
	d.pending = nil
	d.mu.Unlock()

	sort.SliceStable(toEmit, func(i, j int) bool {
		return toEmit[i].Timestamp.Before(toEmit[j].Timestamp)
	})

	// Emit outside the lock to avoid potential deadlocks in callbacks.
	for _, ev := range toEmit {
		d.emit(ev)
	}
}
