// Package vfs is the versioned filesystem: a root directory, the rules that
// decide which of its files are versioned, and the store holding their
// history.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/highbeam/versionfs/internal/importer"
	"github.com/highbeam/versionfs/internal/lifecycle"
	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/metrics"
	"github.com/highbeam/versionfs/internal/pathfilter"
	"github.com/highbeam/versionfs/internal/store"
)

var (
	// ErrMissingRoot is a configuration error: the root is unset, missing
	// or not a directory.
	ErrMissingRoot = errors.New("missing root directory")
	// ErrOutsideRoot rejects paths that resolve outside the root.
	ErrOutsideRoot = errors.New("path outside root")
	// ErrImport wraps failures of the import run by InitializeFromDisk.
	// Unlike a failing store reset they leave the filesystem usable.
	ErrImport = errors.New("import failed")
)

// Options configures a FS.
type Options struct {
	Root   string
	Filter *pathfilter.Filter
	Store  store.Backend
	Logger *slog.Logger
	// Metrics and Bus are optional.
	Metrics            metrics.Collector
	Bus                *lifecycle.Bus
	ImportBatchBytes   int64
	RecordOfflineEdits bool
	OnImportProgress   func(importer.Progress)
}

// FS is the versioned filesystem. It is safe for concurrent use.
type FS struct {
	root    string
	filter  *pathfilter.Filter
	store   store.Backend
	log     *slog.Logger
	metrics metrics.Collector
	bus     *lifecycle.Bus
	opts    Options
}

// New validates opts and returns an FS. The store is not touched until
// InitializeFromDisk.
func New(opts Options) (*FS, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: root not configured", ErrMissingRoot)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingRoot, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrMissingRoot, root)
	}
	if opts.Store == nil {
		return nil, errors.New("vfs: no store configured")
	}
	return &FS{
		root:    root,
		filter:  opts.Filter,
		store:   opts.Store,
		log:     logging.OrDefault(opts.Logger).With("component", "vfs"),
		metrics: metrics.OrNoop(opts.Metrics),
		bus:     opts.Bus,
		opts:    opts,
	}, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// Filter returns the path filter in use (nil allows everything).
func (f *FS) Filter() *pathfilter.Filter { return f.filter }

// NormalizePath turns p into the stored form: slash separated, cleaned,
// relative to the root, without a leading slash. Absolute paths under the
// root are made relative; other leading slashes are read as root-relative.
func (f *FS) NormalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	native := filepath.FromSlash(p)
	if filepath.IsAbs(native) {
		if rel, err := filepath.Rel(f.root, native); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			p = filepath.ToSlash(rel)
		}
	}
	p = filepath.ToSlash(p)
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: root itself is not a file", ErrOutsideRoot)
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("%w: root itself is not a file", ErrOutsideRoot)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return clean, nil
}

// Versioned reports whether the (normalized) path takes part in versioning.
func (f *FS) Versioned(rel string) bool {
	return f.filter.Allows(rel)
}

// Abs returns the on-disk location of a normalized path.
func (f *FS) Abs(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

// InitializeFromDisk resets the store and imports every versioned file on
// disk. A failing reset is returned as is; import failures are wrapped in
// ErrImport.
func (f *FS) InitializeFromDisk(ctx context.Context, resetDatabase bool) (importer.Summary, error) {
	if err := f.store.Reset(ctx, resetDatabase); err != nil {
		err = fmt.Errorf("reset store: %w", err)
		f.bus.Publish(lifecycle.Error, err)
		return importer.Summary{}, err
	}

	sum, err := f.Import(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrImport, err)
		f.bus.Publish(lifecycle.Error, err)
		return sum, err
	}
	f.bus.Publish(lifecycle.Initialized, nil)
	return sum, nil
}

// Import runs the import task once against the current store.
func (f *FS) Import(ctx context.Context) (importer.Summary, error) {
	task := importer.New(f, importer.Options{
		BatchBytes:         f.opts.ImportBatchBytes,
		RecordOfflineEdits: f.opts.RecordOfflineEdits,
		Logger:             f.log,
		Metrics:            f.metrics,
		OnProgress:         f.opts.OnImportProgress,
	})
	sum, err := task.Run(ctx)
	f.refreshStorageGauges(ctx)
	return sum, err
}

func (f *FS) refreshStorageGauges(ctx context.Context) {
	st, err := f.store.Stats(ctx)
	if err != nil {
		return
	}
	f.metrics.SetStorageCount(ctx, "records", st.Records)
	f.metrics.SetStorageCount(ctx, "paths", st.Paths)
	f.metrics.SetStorageCount(ctx, "bytes", st.SizeBytes)
}

// WalkFiles lists every versioned regular file under the root, pruning
// excluded directories. Unreadable directories are logged and skipped.
func (f *FS) WalkFiles(ctx context.Context) ([]importer.FoundFile, error) {
	var out []importer.FoundFile
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == f.root {
				return err
			}
			f.log.Warn("walk: skipping", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == f.root {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if f.filter.ExcludesDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !f.filter.Allows(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			f.log.Warn("walk: stat failed", "path", rel, "error", err)
			return nil
		}
		out = append(out, importer.FoundFile{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", f.root, err)
	}
	return out, nil
}

// AddVersion stores a single record.
func (f *FS) AddVersion(ctx context.Context, rec store.NewRecord, opts store.StoreOptions) (store.RecordResult, error) {
	res, err := f.AddVersions(ctx, []store.NewRecord{rec}, opts)
	if err != nil {
		return store.RecordResult{}, err
	}
	return res.Results[0], nil
}

// AddVersions normalizes paths, drops excluded ones (reported as skipped)
// and stores the rest. Results line up with recs.
func (f *FS) AddVersions(ctx context.Context, recs []store.NewRecord, opts store.StoreOptions) (*store.StoreResult, error) {
	out := &store.StoreResult{Results: make([]store.RecordResult, len(recs))}
	var keep []store.NewRecord
	var index []int
	for i, rec := range recs {
		out.Results[i].Path = rec.Path
		rel, err := f.NormalizePath(rec.Path)
		if err != nil {
			out.Results[i].Err = err
			continue
		}
		out.Results[i].Path = rel
		if !f.filter.Allows(rel) {
			out.Results[i].Skipped = true
			continue
		}
		rec.Path = rel
		keep = append(keep, rec)
		index = append(index, i)
	}
	if len(keep) == 0 {
		return out, nil
	}

	res, err := f.store.StoreAll(ctx, keep, opts)
	if err != nil {
		return nil, err
	}
	for j, r := range res.Results {
		out.Results[index[j]] = r
	}
	return out, nil
}

// withoutContent is the projection used by listings.
var withoutContent = []store.Attribute{
	store.AttrPath, store.AttrVersion, store.AttrChange, store.AttrAuthor, store.AttrDate, store.AttrStat,
}

// GetFiles returns the newest record of every existing path. Content is
// not loaded; use GetFileRecord for that.
func (f *FS) GetFiles(ctx context.Context) ([]store.Record, error) {
	recs, err := f.store.GetRecords(ctx, store.Query{Newest: true, Attributes: withoutContent})
	if err != nil {
		return nil, err
	}
	files := recs[:0]
	for _, r := range recs {
		if r.Exists() {
			files = append(files, r)
		}
	}
	return files, nil
}

// GetFileRecord returns the given version of p, or its newest version when
// version is nil. It returns nil, nil when nothing matches.
func (f *FS) GetFileRecord(ctx context.Context, p string, version *int) (*store.Record, error) {
	rel, err := f.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	q := store.Query{Paths: []string{rel}, Limit: 1}
	if version != nil {
		q.Version = version
	} else {
		q.Newest = true
	}
	return first(f.store.GetRecords(ctx, q))
}

// RecordAt returns the version of p that was current at t, or nil when p
// had no history yet.
func (f *FS) RecordAt(ctx context.Context, p string, t time.Time) (*store.Record, error) {
	rel, err := f.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	return first(f.store.GetRecords(ctx, store.Query{Paths: []string{rel}, Newest: true, Older: &t, Limit: 1}))
}

func first(recs []store.Record, err error) (*store.Record, error) {
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// VersionsFor returns every version of p, newest first, with content.
func (f *FS) VersionsFor(ctx context.Context, p string) ([]store.Record, error) {
	return f.history(ctx, p, nil)
}

// HistoryFor is VersionsFor without content, for listings.
func (f *FS) HistoryFor(ctx context.Context, p string) ([]store.Record, error) {
	return f.history(ctx, p, withoutContent)
}

func (f *FS) history(ctx context.Context, p string, attrs []store.Attribute) ([]store.Record, error) {
	rel, err := f.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	return f.store.GetRecords(ctx, store.Query{Paths: []string{rel}, Attributes: attrs})
}

// GetRecords runs q with its paths normalized.
func (f *FS) GetRecords(ctx context.Context, q store.Query) ([]store.Record, error) {
	q, err := f.normalizeQuery(q)
	if err != nil {
		return nil, err
	}
	return f.store.GetRecords(ctx, q)
}

// GetRecordsByPath runs q with its paths normalized and groups by path.
func (f *FS) GetRecordsByPath(ctx context.Context, q store.Query) (map[string][]store.Record, error) {
	q, err := f.normalizeQuery(q)
	if err != nil {
		return nil, err
	}
	return store.GetRecordsByPath(ctx, f.store, q)
}

func (f *FS) normalizeQuery(q store.Query) (store.Query, error) {
	if len(q.Paths) == 0 {
		return q, nil
	}
	paths := make([]string, len(q.Paths))
	for i, p := range q.Paths {
		rel, err := f.NormalizePath(p)
		if err != nil {
			return q, err
		}
		paths[i] = rel
	}
	q.Paths = paths
	return q, nil
}

// Stats passes through to the store.
func (f *FS) Stats(ctx context.Context) (store.Stats, error) {
	return f.store.Stats(ctx)
}

// Close closes the store.
func (f *FS) Close() error {
	return f.store.Close()
}
