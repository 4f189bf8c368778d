// Package watcher turns local file system notifications under a repository
// root into change events.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/metrics"
	"github.com/highbeam/versionfs/internal/pathfilter"
	"github.com/highbeam/versionfs/internal/repository"
	"github.com/highbeam/versionfs/internal/store"
)

// DefaultDebounce is the quiet window used when Options.Debounce is zero.
const DefaultDebounce = 100 * time.Millisecond

// Sink receives the debounced changes. *repository.Repository implements it.
type Sink interface {
	FileCreated(ctx context.Context, ev repository.ChangeEvent) error
	FileChanged(ctx context.Context, ev repository.ChangeEvent) error
	AfterWrite(ctx context.Context, path string) error
	FileDeleted(ctx context.Context, path string) error
	GetFileRecord(ctx context.Context, path string, version *int) (*store.Record, error)
}

// Options configures a Watcher.
type Options struct {
	Root     string
	Filter   *pathfilter.Filter
	Debounce time.Duration
	Logger   *slog.Logger
	Metrics  metrics.Collector
}

// Watcher monitors file system events under one root, filters excluded
// paths, debounces rapid changes, and hands the result to a Sink.
type Watcher struct {
	sink    Sink
	root    string
	filter  *pathfilter.Filter
	window  time.Duration
	log     *slog.Logger
	metrics metrics.Collector

	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Watcher feeding sink.
func New(sink Sink, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		sink:    sink,
		root:    filepath.Clean(opts.Root),
		filter:  opts.Filter,
		window:  opts.Debounce,
		log:     logging.OrDefault(opts.Logger).With("component", "watcher"),
		metrics: metrics.OrNoop(opts.Metrics),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once every existing directory is being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Start begins watching the root recursively.
// It blocks until ctx is cancelled. Call Stop() for ordered teardown.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	// Events drained by Stop still need a live context.
	emitCtx := context.WithoutCancel(ctx)
	w.debouncer = NewDebouncer(w.window, func(e Event) {
		w.dispatch(emitCtx, e)
	})

	if err := w.addRecursive(w.root, false); err != nil {
		w.readyOnce.Do(func() { close(w.ready) })
		return err
	}
	w.readyOnce.Do(func() { close(w.ready) })
	w.log.Debug("watching", "root", w.root)

	// Event loop.
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", "error", err)
			w.metrics.RecordError(ctx, "watch", "fsnotify")
		}
	}
}

// Stop drains the debouncer (emitting pending events) and closes fsnotify.
func (w *Watcher) Stop() {
	if w.debouncer != nil {
		if n := w.debouncer.Pending(); n > 0 {
			w.log.Debug("flushing debounced events", "paths", n)
		}
		w.debouncer.Stop()
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, ok := w.relative(ev.Name)
	if !ok {
		return
	}

	// If a directory was created, start watching it recursively.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.filter.ExcludesDir(rel) {
				return
			}
			if err := w.addRecursive(ev.Name, true); err != nil {
				w.log.Warn("watch new directory", "path", rel, "error", err)
			}
			return
		}
	}

	if !w.filter.Allows(rel) {
		return
	}

	op := mapOp(ev.Op)
	if op == 0 {
		return // chmod-only, not interesting
	}

	w.debouncer.Feed(Event{
		Path:      ev.Name,
		Op:        op,
		Timestamp: time.Now(),
	})
}

// addRecursive walks root and adds every directory that is not excluded.
// With seed set, files already inside are fed as creations: they may have
// been written before the watch existed.
func (w *Watcher) addRecursive(root string, seed bool) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil // skip inaccessible entries
		}
		rel, ok := w.relative(p)
		if !ok && p != w.root {
			return nil
		}
		if !d.IsDir() {
			if seed && d.Type().IsRegular() && w.filter.Allows(rel) {
				w.debouncer.Feed(Event{Path: p, Op: OpCreate, Timestamp: time.Now()})
			}
			return nil
		}
		if rel != "" && w.filter.ExcludesDir(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.log.Warn("watch directory", "path", p, "error", err)
		}
		return nil
	})
}

// relative returns p relative to the root, slash separated. The root
// itself and paths outside it are rejected.
func (w *Watcher) relative(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// dispatch turns a debounced event into sink calls. The disk decides what
// happened: a path that is gone was deleted, a regular file was created or
// changed depending on whether it currently exists in the store.
func (w *Watcher) dispatch(ctx context.Context, e Event) {
	rel, ok := w.relative(e.Path)
	if !ok {
		return
	}

	current, err := w.sink.GetFileRecord(ctx, rel, nil)
	if err != nil {
		w.fail(ctx, "lookup", rel, err)
		return
	}
	known := current != nil && current.Exists()

	info, err := os.Stat(e.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !known {
			return
		}
		if err := w.sink.FileDeleted(ctx, rel); err != nil {
			w.fail(ctx, "delete", rel, err)
		}
		return
	case err != nil:
		w.fail(ctx, "stat", rel, err)
		return
	case !info.Mode().IsRegular():
		return
	}

	ev := repository.ChangeEvent{
		Path: rel,
		Stat: &store.Stat{Size: info.Size(), ModTime: info.ModTime()},
	}
	if known {
		err = w.sink.FileChanged(ctx, ev)
	} else {
		err = w.sink.FileCreated(ctx, ev)
	}
	if err != nil {
		w.fail(ctx, e.Op.String(), rel, err)
		return
	}
	if err := w.sink.AfterWrite(ctx, rel); err != nil {
		w.fail(ctx, "after-write", rel, err)
	}
}

func (w *Watcher) fail(ctx context.Context, op, rel string, err error) {
	if errors.Is(err, repository.ErrNotRunning) {
		w.log.Debug("dropped event after close", "op", op, "path", rel)
		return
	}
	w.log.Warn("event failed", "op", op, "path", rel, "error", err)
	w.metrics.RecordError(ctx, "watch", op)
}

// mapOp converts fsnotify.Op to an Op. A rename reports the old name,
// which is gone afterwards.
func mapOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpRemove
	case op.Has(fsnotify.Write):
		return OpWrite
	default:
		return 0 // e.g. Chmod only
	}
}
