// Package commitqueue orders runtime changes so they are committed in the
// order they were observed, even when their data (file body, stat) becomes
// available out of order.
//
// A Queue is an actor: Run owns the entry list and every other method sends
// it a message. Entries are committed in maximal ready runs from the head.
package commitqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/metrics"
	"github.com/highbeam/versionfs/internal/store"
)

// ErrClosed is returned once Run has returned.
var ErrClosed = errors.New("commit queue closed")

const (
	DefaultTimeout       = 60 * time.Second
	DefaultSweepInterval = time.Second
)

// State is the lifecycle position of an entry.
type State int

const (
	AwaitingData State = iota
	Ready
	Committed
	Discarded
)

func (s State) String() string {
	switch s {
	case AwaitingData:
		return "awaiting-data"
	case Ready:
		return "ready"
	case Committed:
		return "committed"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Committer persists a run of finalized records.
type Committer interface {
	AddVersions(ctx context.Context, recs []store.NewRecord, opts store.StoreOptions) (*store.StoreResult, error)
}

// Entry is a pending change. The exported fields are fixed at Submit; the
// rest belongs to the queue goroutine.
type Entry struct {
	ID       uuid.UUID
	Path     string
	Change   store.Change
	Author   string
	Observed time.Time

	needsBody bool
	needsStat bool
	content   []byte
	stat      *store.Stat
	statDate  time.Time
	state     State
	settled   atomic.Bool
}

// Settled reports whether e has left the queue, committed or discarded.
// Safe to call from any goroutine.
func (e *Entry) Settled() bool { return e.settled.Load() }

// Outcome returns Committed or Discarded once e has settled. The second
// result is false while e is still queued.
func (e *Entry) Outcome() (State, bool) {
	if !e.settled.Load() {
		return AwaitingData, false
	}
	return e.state, true
}

func (e *Entry) settle(s State) {
	e.state = s
	e.settled.Store(true)
}

func (e *Entry) ready() bool { return !e.needsBody && !e.needsStat }

func (e *Entry) missing() []string {
	var m []string
	if e.needsBody {
		m = append(m, "body")
	}
	if e.needsStat {
		m = append(m, "stat")
	}
	return m
}

// record builds the committed form. The stat date wins over the
// observation time when a stat arrived.
func (e *Entry) record() store.NewRecord {
	rec := store.NewRecord{
		Path:    e.Path,
		Change:  e.Change,
		Author:  e.Author,
		Date:    e.Observed,
		Content: e.content,
		Stat:    e.stat,
	}
	if !e.statDate.IsZero() {
		rec.Date = e.statDate
	}
	if rec.Change == store.ChangeDeletion {
		rec.Content = nil
	}
	return rec
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a read-only view of a queued entry.
type Snapshot struct {
	ID       uuid.UUID    `json:"id"`
	Path     string       `json:"path"`
	Change   store.Change `json:"change"`
	State    State        `json:"state"`
	Missing  []string     `json:"missing,omitempty"`
	Observed time.Time    `json:"observed"`
}

// Options tunes a Queue.
type Options struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       metrics.Collector
	// OnSynchronized is called from the queue goroutine whenever the entry
	// list becomes empty.
	OnSynchronized func()
	// OnError is called from the queue goroutine when a commit fails.
	OnError func(error)
}

// Queue is the per-repository ordered commit queue.
type Queue struct {
	committer Committer
	opts      Options
	log       *slog.Logger
	metrics   metrics.Collector

	ops     chan func(context.Context)
	done    chan struct{}
	stopped chan struct{}
	runOnce sync.Once

	mu     sync.RWMutex
	closed bool

	// owned by the Run goroutine
	entries []*Entry
}

// New creates a queue writing to c. Call Run to start it.
func New(c Committer, opts Options) *Queue {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		committer: c,
		opts:      opts,
		log:       logging.OrDefault(opts.Logger).With("component", "commitqueue"),
		metrics:   metrics.OrNoop(opts.Metrics),
		ops:       make(chan func(context.Context), 256),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// send hands fn to the queue goroutine. Once accepted, fn is guaranteed to
// run, either in the loop or during shutdown.
func (q *Queue) send(fn func(context.Context)) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ops <- fn:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Submit appends a change at the tail. Prerequisites that are not needed
// count as satisfied; an entry needing neither is ready at once.
func (q *Queue) Submit(change store.Change, path, author string, needsBody, needsStat bool) (*Entry, error) {
	e := &Entry{
		ID:        uuid.New(),
		Path:      path,
		Change:    change,
		Author:    author,
		Observed:  q.opts.Now(),
		needsBody: needsBody,
		needsStat: needsStat,
	}
	if change == store.ChangeDeletion {
		e.needsBody = false
	}
	err := q.send(func(ctx context.Context) {
		q.entries = append(q.entries, e)
		q.metrics.SetQueueDepth(ctx, len(q.entries))
		if e.ready() {
			e.state = Ready
			q.commitReady(ctx)
		}
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// MarkBodyRead supplies the file body of e.
func (q *Queue) MarkBodyRead(e *Entry, content []byte) error {
	return q.send(func(ctx context.Context) {
		if !q.contains(e) {
			return
		}
		e.content = content
		e.needsBody = false
		q.maybeReady(ctx, e)
	})
}

// MarkStatRead supplies the stat of e. A non-zero date becomes the
// record's date.
func (q *Queue) MarkStatRead(e *Entry, stat *store.Stat, date time.Time) error {
	return q.send(func(ctx context.Context) {
		if !q.contains(e) {
			return
		}
		e.stat = stat
		e.statDate = date
		e.needsStat = false
		q.maybeReady(ctx, e)
	})
}

// Discard removes e without committing it.
func (q *Queue) Discard(e *Entry, reason string) error {
	return q.send(func(ctx context.Context) {
		q.discard(ctx, e, reason)
	})
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	snap, err := q.Pending(ctx)
	return len(snap), err
}

// Pending returns a snapshot of the queued entries, head first.
func (q *Queue) Pending(ctx context.Context) ([]Snapshot, error) {
	reply := make(chan []Snapshot, 1)
	err := q.send(func(context.Context) {
		out := make([]Snapshot, 0, len(q.entries))
		for _, e := range q.entries {
			out = append(out, Snapshot{
				ID: e.ID, Path: e.Path, Change: e.Change, State: e.state,
				Missing: e.missing(), Observed: e.Observed,
			})
		}
		reply <- out
	})
	if err != nil {
		return nil, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stopped is closed when Run has fully shut down.
func (q *Queue) Stopped() <-chan struct{} { return q.stopped }

// Run processes messages until ctx is cancelled. On shutdown the ready
// prefix is committed one last time and the remaining entries are logged
// as abandoned. Run may only be called once.
func (q *Queue) Run(ctx context.Context) error {
	started := false
	q.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("commit queue already running")
	}
	defer close(q.stopped)

	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-q.ops:
			fn(ctx)
		case <-ticker.C:
			q.sweep(ctx)
		case <-ctx.Done():
			q.shutdown(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (q *Queue) shutdown(ctx context.Context) {
	close(q.done)
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

drain:
	for {
		select {
		case fn := <-q.ops:
			fn(ctx)
		default:
			break drain
		}
	}

	q.commitReady(ctx)
	for _, e := range q.entries {
		q.log.Warn("abandoning uncommitted change",
			"path", e.Path, "change", e.Change, "missing", strings.Join(e.missing(), ","))
		e.settle(Discarded)
		q.metrics.RecordDiscard(ctx, "shutdown")
	}
	q.entries = nil
	q.metrics.SetQueueDepth(ctx, 0)
}

func (q *Queue) contains(e *Entry) bool {
	return slices.Contains(q.entries, e)
}

func (q *Queue) maybeReady(ctx context.Context, e *Entry) {
	if !e.ready() {
		return
	}
	e.state = Ready
	if len(q.entries) > 0 && q.entries[0] == e {
		q.commitReady(ctx)
	}
}

func (q *Queue) discard(ctx context.Context, e *Entry, reason string) {
	i := slices.Index(q.entries, e)
	if i < 0 {
		return
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	e.settle(Discarded)
	q.metrics.RecordDiscard(ctx, reason)
	q.metrics.SetQueueDepth(ctx, len(q.entries))
	q.log.Debug("discarded change", "path", e.Path, "change", e.Change, "reason", reason)

	switch {
	case len(q.entries) == 0:
		q.synchronized()
	case i == 0:
		q.commitReady(ctx)
	}
}

// commitReady writes the longest ready run at the head in one call.
func (q *Queue) commitReady(ctx context.Context) {
	n := 0
	for n < len(q.entries) && q.entries[n].ready() {
		n++
	}
	if n == 0 {
		return
	}

	batch := slices.Clone(q.entries[:n])
	q.entries = slices.Delete(q.entries, 0, n)
	q.metrics.SetQueueDepth(ctx, len(q.entries))

	recs := make([]store.NewRecord, n)
	for i, e := range batch {
		recs[i] = e.record()
	}

	start := time.Now()
	res, err := q.committer.AddVersions(ctx, recs, store.StoreOptions{})
	for i, e := range batch {
		if err != nil || res == nil || (i < len(res.Results) && res.Results[i].Err != nil) {
			e.settle(Discarded)
			q.metrics.RecordDiscard(ctx, "store")
			continue
		}
		e.settle(Committed)
	}
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		q.log.Error("commit failed", "records", n, "error", err)
		q.metrics.RecordCommit(ctx, metrics.StatusError, n, time.Since(start))
		q.metrics.RecordError(ctx, "commit", "store")
		if q.opts.OnError != nil {
			q.opts.OnError(fmt.Errorf("commit %d records: %w", n, err))
		}
	} else {
		q.log.Debug("committed", "records", n)
		q.metrics.RecordCommit(ctx, metrics.StatusSuccess, n, time.Since(start))
	}

	if len(q.entries) == 0 {
		q.synchronized()
	}
}

// sweep discards stale heads until the head is fresh or the list is empty.
func (q *Queue) sweep(ctx context.Context) {
	now := q.opts.Now()
	for len(q.entries) > 0 {
		head := q.entries[0]
		if now.Sub(head.Observed) <= q.opts.Timeout {
			return
		}
		q.log.Warn("discarding stalled change",
			"path", head.Path, "change", head.Change,
			"missing", strings.Join(head.missing(), ","),
			"age", now.Sub(head.Observed).Round(time.Millisecond))
		q.discard(ctx, head, "timeout")
	}
}

func (q *Queue) synchronized() {
	if q.opts.OnSynchronized != nil {
		q.opts.OnSynchronized()
	}
}
