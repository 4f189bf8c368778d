// Package importer brings the stored history in line with the files on
// disk: it walks the root, finds files the store has not seen (or has
// stale copies of), and submits their contents in size-bounded batches.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/metrics"
	"github.com/highbeam/versionfs/internal/store"
)

// DefaultBatchBytes bounds the aggregate content size of one batch.
const DefaultBatchBytes int64 = 64 << 20

// diffChunk is the number of paths looked up per history query.
const diffChunk = 100

// FoundFile is a regular file discovered by a walk.
type FoundFile struct {
	Path    string // slash separated, relative to the root
	Size    int64
	ModTime time.Time
}

// Target is the versioned filesystem the import runs against.
type Target interface {
	Root() string
	WalkFiles(ctx context.Context) ([]FoundFile, error)
	GetRecordsByPath(ctx context.Context, q store.Query) (map[string][]store.Record, error)
	AddVersions(ctx context.Context, recs []store.NewRecord, opts store.StoreOptions) (*store.StoreResult, error)
}

// ProgressKind tags a Progress event.
type ProgressKind string

const (
	FilesFound   ProgressKind = "filesFound"
	BatchStarted ProgressKind = "batchStarted"
	BatchDone    ProgressKind = "batchDone"
	Done         ProgressKind = "done"
)

// Progress is reported through Options.OnProgress.
type Progress struct {
	Kind    ProgressKind
	Files   int   // files found (FilesFound) or in the batch
	Batch   int   // 1-based batch number
	Batches int   // total batches
	Bytes   int64 // content bytes in the batch
	Err     error
}

// Options tunes a Task.
type Options struct {
	BatchBytes int64
	// RecordOfflineEdits stores files that changed on disk while nothing
	// was watching as contentChange versions. Without it such files are
	// submitted as initial records and skipped by the store.
	RecordOfflineEdits bool
	Logger             *slog.Logger
	Metrics            metrics.Collector
	OnProgress         func(Progress)
}

// Summary describes one run.
type Summary struct {
	Found    int           `json:"found"`
	New      int           `json:"new"`
	Stale    int           `json:"stale"`
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Batches  int           `json:"batches"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Task is a re-runnable import.
type Task struct {
	target  Target
	opts    Options
	log     *slog.Logger
	metrics metrics.Collector
}

// New creates an import task against target.
func New(target Target, opts Options) *Task {
	if opts.BatchBytes <= 0 {
		opts.BatchBytes = DefaultBatchBytes
	}
	return &Task{
		target:  target,
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "importer"),
		metrics: metrics.OrNoop(opts.Metrics),
	}
}

func (t *Task) progress(p Progress) {
	if t.opts.OnProgress != nil {
		t.opts.OnProgress(p)
	}
}

// Run performs one import. Failing batches do not stop the run; their
// errors are joined into the returned error.
func (t *Task) Run(ctx context.Context) (sum Summary, err error) {
	start := time.Now()
	defer func() {
		sum.Duration = time.Since(start)
		t.progress(Progress{Kind: Done, Err: err})
	}()

	found, err := t.target.WalkFiles(ctx)
	if err != nil {
		return sum, fmt.Errorf("walk: %w", err)
	}
	sum.Found = len(found)
	t.progress(Progress{Kind: FilesFound, Files: len(found)})

	fresh, stale, kinds, err := t.diff(ctx, found)
	if err != nil {
		return sum, fmt.Errorf("diff: %w", err)
	}
	sum.New, sum.Stale = len(fresh), len(stale)

	todo := append(fresh, stale...)
	if !t.opts.RecordOfflineEdits {
		kinds = nil
	}

	batches, err := Batchify(todo, SizeLimit(t.opts.BatchBytes))
	if err != nil {
		return sum, err
	}
	sum.Batches = len(batches)

	var errs []error
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := t.runBatch(ctx, i+1, len(batches), batch, kinds, &sum); err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", i+1, err))
		}
	}

	t.log.Info("import finished",
		"found", sum.Found, "imported", sum.Imported, "skipped", sum.Skipped,
		"failed", sum.Failed, "size", humanize.Bytes(uint64(sum.Bytes)),
		"duration", time.Since(start).Round(time.Millisecond))
	return sum, errors.Join(errs...)
}

// diff splits found into files without history and files whose newest
// stored record is out of date. kinds names the change each stale file
// would be recorded as: created over a deletion, contentChange otherwise.
func (t *Task) diff(ctx context.Context, found []FoundFile) (fresh, stale []FoundFile, kinds map[string]store.Change, err error) {
	kinds = make(map[string]store.Change)
	for lo := 0; lo < len(found); lo += diffChunk {
		chunk := found[lo:min(lo+diffChunk, len(found))]
		paths := make([]string, len(chunk))
		for i, f := range chunk {
			paths[i] = f.Path
		}
		known, err := t.target.GetRecordsByPath(ctx, store.Query{
			Paths:      paths,
			Newest:     true,
			Attributes: []store.Attribute{store.AttrPath, store.AttrChange, store.AttrDate},
		})
		if err != nil {
			return nil, nil, nil, err
		}
		for _, f := range chunk {
			recs := known[f.Path]
			switch {
			case len(recs) == 0:
				fresh = append(fresh, f)
			case !recs[0].Exists():
				stale = append(stale, f)
				kinds[f.Path] = store.ChangeCreated
			case f.ModTime.After(recs[0].Date):
				stale = append(stale, f)
				kinds[f.Path] = store.ChangeContentChange
			}
		}
	}
	return fresh, stale, kinds, nil
}

func (t *Task) runBatch(ctx context.Context, n, total int, batch []FoundFile, kinds map[string]store.Change, sum *Summary) error {
	start := time.Now()
	var size int64
	for _, f := range batch {
		size += f.Size
	}
	t.progress(Progress{Kind: BatchStarted, Batch: n, Batches: total, Files: len(batch), Bytes: size})
	t.log.Debug("import batch", "batch", n, "of", total, "files", len(batch), "size", humanize.Bytes(uint64(size)))

	var initial, edits []store.NewRecord
	var read int64
	root := t.target.Root()
	for _, f := range batch {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f.Path)))
		if err != nil {
			t.log.Warn("skipping unreadable file", "path", f.Path, "error", err)
			t.metrics.RecordError(ctx, "import", "read")
			sum.Failed++
			continue
		}
		read += int64(len(content))
		rec := store.NewRecord{
			Path:    f.Path,
			Change:  store.ChangeInitial,
			Author:  store.UnknownAuthor,
			Date:    f.ModTime,
			Content: content,
			Stat:    &store.Stat{Size: int64(len(content)), ModTime: f.ModTime},
		}
		if kind, ok := kinds[f.Path]; ok {
			rec.Change = kind
			edits = append(edits, rec)
			continue
		}
		initial = append(initial, rec)
	}

	var errs []error
	submit := func(recs []store.NewRecord, opts store.StoreOptions) {
		if len(recs) == 0 {
			return
		}
		res, err := t.target.AddVersions(ctx, recs, opts)
		if err != nil {
			sum.Failed += len(recs)
			errs = append(errs, err)
			return
		}
		for _, r := range res.Results {
			switch {
			case r.Err != nil:
				sum.Failed++
			case r.Skipped:
				sum.Skipped++
			default:
				sum.Imported++
			}
		}
		if err := res.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	submit(initial, store.StoreOptions{OnlyImportNew: true})
	submit(edits, store.StoreOptions{})

	err := errors.Join(errs...)
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		t.log.Error("import batch failed", "batch", n, "error", err)
	}
	sum.Bytes += read
	t.metrics.RecordImport(ctx, status, len(initial)+len(edits), read, time.Since(start))
	t.progress(Progress{Kind: BatchDone, Batch: n, Batches: total, Files: len(batch), Bytes: read, Err: err})
	return err
}
