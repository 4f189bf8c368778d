// Package repository ties a versioned filesystem to its commit queue and
// lifecycle bus, and turns change notifications into committed versions.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/highbeam/versionfs/internal/commitqueue"
	"github.com/highbeam/versionfs/internal/importer"
	"github.com/highbeam/versionfs/internal/lifecycle"
	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/metrics"
	"github.com/highbeam/versionfs/internal/pathfilter"
	"github.com/highbeam/versionfs/internal/store"
	"github.com/highbeam/versionfs/internal/vfs"
)

var (
	// ErrNotRunning is returned for change events outside Start/Close.
	ErrNotRunning = errors.New("repository not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("repository already started")
)

// ChangeEvent describes a created or changed file.
type ChangeEvent struct {
	Path   string
	Author string
	// Stat, when known up front, spares the stat read on AfterWrite.
	Stat *store.Stat
	// Content, when set, is read in the background instead of reading
	// the file body from disk on AfterWrite.
	Content io.Reader
}

// Options configures a Repository.
type Options struct {
	Root               string
	Filter             *pathfilter.Filter
	Store              store.Backend
	Logger             *slog.Logger
	Metrics            metrics.Collector
	ImportBatchBytes   int64
	RecordOfflineEdits bool
	CommitTimeout      time.Duration
	SweepInterval      time.Duration
	// DefaultAuthor is used when an event carries no author.
	DefaultAuthor    string
	OnImportProgress func(importer.Progress)
}

// diskRead is a queued entry still waiting for data that AfterWrite reads
// from disk.
type diskRead struct {
	entry *commitqueue.Entry
	body  bool
	stat  bool
}

// Repository is one versioned root. Create it with New, then Start it.
type Repository struct {
	fs      *vfs.FS
	queue   *commitqueue.Queue
	bus     *lifecycle.Bus
	log     *slog.Logger
	metrics metrics.Collector
	author  string

	// gate is held shared by event handlers and exclusively by Start and
	// Close, so no handler straddles a state change.
	gate    sync.RWMutex
	running bool
	started bool
	stop    context.CancelFunc
	startAt time.Time

	mu       sync.Mutex
	awaiting map[string][]diskRead

	reads sync.WaitGroup
}

// New validates opts. Nothing is read or written before Start.
func New(opts Options) (*Repository, error) {
	log := logging.OrDefault(opts.Logger)
	m := metrics.OrNoop(opts.Metrics)
	bus := lifecycle.NewBus()

	fs, err := vfs.New(vfs.Options{
		Root:               opts.Root,
		Filter:             opts.Filter,
		Store:              opts.Store,
		Logger:             log,
		Metrics:            m,
		Bus:                bus,
		ImportBatchBytes:   opts.ImportBatchBytes,
		RecordOfflineEdits: opts.RecordOfflineEdits,
		OnImportProgress:   opts.OnImportProgress,
	})
	if err != nil {
		return nil, err
	}

	r := &Repository{
		fs:       fs,
		bus:      bus,
		log:      log.With("component", "repository"),
		metrics:  m,
		author:   opts.DefaultAuthor,
		awaiting: make(map[string][]diskRead),
	}
	r.queue = commitqueue.New(fs, commitqueue.Options{
		Timeout:       opts.CommitTimeout,
		SweepInterval: opts.SweepInterval,
		Logger:        log,
		Metrics:       m,
		OnSynchronized: func() {
			r.pruneAwaiting()
			bus.Publish(lifecycle.Synchronized, nil)
		},
		OnError: func(err error) { bus.Publish(lifecycle.Error, err) },
	})
	return r, nil
}

// Start initializes the store from disk and starts the commit queue. Only
// a failing store reset is fatal; import errors are logged and published.
func (r *Repository) Start(ctx context.Context, resetDatabase bool) error {
	r.gate.Lock()
	if r.started {
		r.gate.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.gate.Unlock()

	sum, err := r.fs.InitializeFromDisk(ctx, resetDatabase)
	switch {
	case errors.Is(err, vfs.ErrImport):
		r.log.Warn("initial import incomplete", "error", err)
	case err != nil:
		return err
	default:
		r.log.Info("initialized", "root", r.fs.Root(), "files", sum.Found, "imported", sum.Imported)
	}

	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := r.queue.Run(qctx); err != nil {
			r.log.Error("commit queue", "error", err)
		}
	}()

	r.gate.Lock()
	r.stop = cancel
	r.running = true
	r.startAt = time.Now()
	r.gate.Unlock()
	return nil
}

// Close stops accepting events, lets in-flight reads finish, flushes the
// queue, closes the store and publishes closed.
func (r *Repository) Close() error {
	r.gate.Lock()
	if !r.running {
		r.gate.Unlock()
		return r.fs.Close()
	}
	r.running = false
	stop := r.stop
	r.gate.Unlock()

	r.reads.Wait()
	stop()
	<-r.queue.Stopped()

	err := r.fs.Close()
	r.bus.Publish(lifecycle.Closed, nil)
	r.bus.Close()
	return err
}

// Subscribe registers a lifecycle listener.
func (r *Repository) Subscribe(buffer int) (<-chan lifecycle.Event, func()) {
	return r.bus.Subscribe(buffer)
}

// FS exposes the underlying versioned filesystem.
func (r *Repository) FS() *vfs.FS { return r.fs }

// accept normalizes p and reports whether events for it are versioned.
// Callers hold gate shared.
func (r *Repository) accept(p string) (string, bool, error) {
	if !r.running {
		return "", false, ErrNotRunning
	}
	rel, err := r.fs.NormalizePath(p)
	if err != nil {
		return "", false, err
	}
	if !r.fs.Versioned(rel) {
		return rel, false, nil
	}
	return rel, true, nil
}

func (r *Repository) authorOf(ev string) string {
	if ev != "" {
		return ev
	}
	return r.author
}

// FileCreated records the creation of a file.
func (r *Repository) FileCreated(ctx context.Context, ev ChangeEvent) error {
	return r.submitWrite(ctx, store.ChangeCreated, ev)
}

// FileChanged records a content change.
func (r *Repository) FileChanged(ctx context.Context, ev ChangeEvent) error {
	return r.submitWrite(ctx, store.ChangeContentChange, ev)
}

func (r *Repository) submitWrite(ctx context.Context, change store.Change, ev ChangeEvent) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	rel, ok, err := r.accept(ev.Path)
	if err != nil || !ok {
		return err
	}

	needsStat := ev.Stat == nil
	e, err := r.queue.Submit(change, rel, r.authorOf(ev.Author), true, needsStat)
	if err != nil {
		return err
	}

	if ev.Stat != nil {
		if err := r.queue.MarkStatRead(e, ev.Stat, ev.Stat.ModTime); err != nil {
			return err
		}
	}
	if ev.Content != nil {
		r.reads.Add(1)
		go func() {
			defer r.reads.Done()
			content, err := io.ReadAll(ev.Content)
			if err != nil {
				r.log.Warn("content read failed", "path", rel, "error", err)
				r.metrics.RecordError(ctx, "content", "read")
				_ = r.queue.Discard(e, "read")
				return
			}
			_ = r.queue.MarkBodyRead(e, content)
		}()
	}

	if ev.Content == nil || needsStat {
		r.mu.Lock()
		r.awaiting[rel] = append(r.awaiting[rel], diskRead{entry: e, body: ev.Content == nil, stat: needsStat})
		r.mu.Unlock()
	}
	return nil
}

// AfterWrite signals that the write to path finished on disk. The oldest
// entry of path still waiting for disk data gets its stat and body read.
func (r *Repository) AfterWrite(ctx context.Context, path string) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	rel, ok, err := r.accept(path)
	if err != nil || !ok {
		return err
	}

	dr, ok := r.popAwaiting(rel)
	if !ok {
		r.log.Debug("after write without pending change", "path", rel)
		return nil
	}

	abs := r.fs.Abs(rel)
	r.reads.Add(1)
	go func() {
		defer r.reads.Done()
		if err := r.readFromDisk(abs, dr); err != nil {
			r.log.Warn("disk read failed", "path", rel, "error", err)
			r.metrics.RecordError(ctx, "after-write", "io")
			_ = r.queue.Discard(dr.entry, "io")
		}
	}()
	return nil
}

// popAwaiting removes and returns the oldest entry of rel still in the
// queue. Entries the watchdog discarded meanwhile are dropped.
func (r *Repository) popAwaiting(rel string) (diskRead, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.awaiting[rel]
	for len(waiting) > 0 && waiting[0].entry.Settled() {
		waiting = waiting[1:]
	}
	if len(waiting) == 0 {
		delete(r.awaiting, rel)
		return diskRead{}, false
	}
	dr := waiting[0]
	if len(waiting) == 1 {
		delete(r.awaiting, rel)
	} else {
		r.awaiting[rel] = waiting[1:]
	}
	return dr, true
}

// pruneAwaiting drops entries that settled without their disk read, such
// as those the watchdog discarded.
func (r *Repository) pruneAwaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rel, waiting := range r.awaiting {
		kept := waiting[:0]
		for _, dr := range waiting {
			if !dr.entry.Settled() {
				kept = append(kept, dr)
			}
		}
		if len(kept) == 0 {
			delete(r.awaiting, rel)
		} else {
			r.awaiting[rel] = kept
		}
	}
}

func (r *Repository) readFromDisk(abs string, dr diskRead) error {
	var stat *store.Stat
	if dr.stat {
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		stat = &store.Stat{Size: info.Size(), ModTime: info.ModTime()}
	}
	var body []byte
	if dr.body {
		b, err := os.ReadFile(abs)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		body = b
	}
	if stat != nil {
		if err := r.queue.MarkStatRead(dr.entry, stat, stat.ModTime); err != nil {
			return err
		}
	}
	if dr.body {
		return r.queue.MarkBodyRead(dr.entry, body)
	}
	return nil
}

// FileDeleted records a deletion. It needs no data and commits as soon as
// everything before it has.
func (r *Repository) FileDeleted(ctx context.Context, path string) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	rel, ok, err := r.accept(path)
	if err != nil || !ok {
		return err
	}
	_, err = r.queue.Submit(store.ChangeDeletion, rel, r.author, false, false)
	return err
}

// ImportNow re-runs the import against the current store.
func (r *Repository) ImportNow(ctx context.Context) (importer.Summary, error) {
	return r.fs.Import(ctx)
}

// GetFiles returns the newest record of every existing file.
func (r *Repository) GetFiles(ctx context.Context) ([]store.Record, error) {
	return r.fs.GetFiles(ctx)
}

// GetFileRecord returns a version of a file, the newest when version is nil.
func (r *Repository) GetFileRecord(ctx context.Context, path string, version *int) (*store.Record, error) {
	return r.fs.GetFileRecord(ctx, path, version)
}

func (r *Repository) GetRecords(ctx context.Context, q store.Query) ([]store.Record, error) {
	return r.fs.GetRecords(ctx, q)
}

func (r *Repository) GetRecordsByPath(ctx context.Context, q store.Query) (map[string][]store.Record, error) {
	return r.fs.GetRecordsByPath(ctx, q)
}

func (r *Repository) VersionsFor(ctx context.Context, path string) ([]store.Record, error) {
	return r.fs.VersionsFor(ctx, path)
}

// HistoryFor lists the versions of path without their content.
func (r *Repository) HistoryFor(ctx context.Context, path string) ([]store.Record, error) {
	return r.fs.HistoryFor(ctx, path)
}

func (r *Repository) RecordAt(ctx context.Context, path string, t time.Time) (*store.Record, error) {
	return r.fs.RecordAt(ctx, path, t)
}

// Status is a point-in-time summary of the repository.
type Status struct {
	Root      string                 `json:"root"`
	Running   bool                   `json:"running"`
	StartedAt time.Time              `json:"started_at"`
	Stats     store.Stats            `json:"stats"`
	Pending   []commitqueue.Snapshot `json:"pending"`
}

// Status collects store statistics and the queue contents.
func (r *Repository) Status(ctx context.Context) (Status, error) {
	r.gate.RLock()
	st := Status{Root: r.fs.Root(), Running: r.running, StartedAt: r.startAt}
	r.gate.RUnlock()

	stats, err := r.fs.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Stats = stats
	if st.Running {
		pending, err := r.queue.Pending(ctx)
		if err != nil && !errors.Is(err, commitqueue.ErrClosed) {
			return st, err
		}
		st.Pending = pending
	}
	r.pruneAwaiting()
	return st, nil
}
