package repository

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highbeam/versionfs/internal/lifecycle"
	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/pathfilter"
	"github.com/highbeam/versionfs/internal/store"
)

type fixture struct {
	root   string
	repo   *Repository
	events <-chan lifecycle.Event
}

func setup(t *testing.T, files map[string]string, mutate func(*Options)) *fixture {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		writeFile(t, root, rel, content)
	}

	filter, err := pathfilter.New(pathfilter.Defaults())
	require.NoError(t, err)
	opts := Options{
		Root:          root,
		Filter:        filter,
		Store:         store.NewMemory(),
		Logger:        logging.Discard(),
		SweepInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	repo, err := New(opts)
	require.NoError(t, err)

	events, cancel := repo.Subscribe(64)
	t.Cleanup(cancel)

	require.NoError(t, repo.Start(context.Background(), true))
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{root: root, repo: repo, events: events}
	f.waitFor(t, lifecycle.Initialized)
	return f
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (f *fixture) waitFor(t *testing.T, sig lifecycle.Signal) lifecycle.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Signal == sig {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", sig)
		}
	}
}

func (f *fixture) mtime(t *testing.T, rel string) time.Time {
	t.Helper()
	info, err := os.Stat(filepath.Join(f.root, rel))
	require.NoError(t, err)
	return info.ModTime()
}

func TestInitialImport(t *testing.T) {
	f := setup(t, map[string]string{"aFile.txt": "foo bar content"}, nil)
	ctx := context.Background()

	files, err := f.repo.GetFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)

	rec := files[0]
	assert.Equal(t, "aFile.txt", rec.Path)
	assert.Equal(t, 0, rec.Version)
	assert.Equal(t, store.ChangeInitial, rec.Change)
	assert.Equal(t, store.UnknownAuthor, rec.Author)
	assert.True(t, rec.Date.Equal(f.mtime(t, "aFile.txt")))
}

func TestEditScenario(t *testing.T) {
	f := setup(t, map[string]string{"aFile.txt": "foo bar content"}, nil)
	ctx := context.Background()

	writeFile(t, f.root, "aFile.txt", "new content")
	require.NoError(t, f.repo.FileChanged(ctx, ChangeEvent{Path: "aFile.txt"}))
	require.NoError(t, f.repo.AfterWrite(ctx, "aFile.txt"))
	f.waitFor(t, lifecycle.Synchronized)

	rec, err := f.repo.GetFileRecord(ctx, "aFile.txt", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, store.ChangeContentChange, rec.Change)
	assert.Equal(t, "new content", string(rec.Content))
	assert.Equal(t, store.UnknownAuthor, rec.Author)
	assert.True(t, rec.Date.Equal(f.mtime(t, "aFile.txt")), "date is the stat mtime")
	require.NotNil(t, rec.Stat)
	assert.Equal(t, int64(len("new content")), rec.Stat.Size)

	history, err := f.repo.VersionsFor(ctx, "aFile.txt")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "new content", string(history[0].Content))
	assert.Equal(t, "foo bar content", string(history[1].Content))

	listing, err := f.repo.HistoryFor(ctx, "aFile.txt")
	require.NoError(t, err)
	require.Len(t, listing, 2)
	assert.Nil(t, listing[0].Content)

	v0 := 0
	first, err := f.repo.GetFileRecord(ctx, "aFile.txt", &v0)
	require.NoError(t, err)
	assert.Equal(t, "foo bar content", string(first.Content))
}

func TestDeletionScenario(t *testing.T) {
	f := setup(t, map[string]string{"aFile.txt": "foo bar content"}, nil)
	ctx := context.Background()

	require.NoError(t, os.Remove(filepath.Join(f.root, "aFile.txt")))
	require.NoError(t, f.repo.FileDeleted(ctx, "aFile.txt"))
	f.waitFor(t, lifecycle.Synchronized)

	files, err := f.repo.GetFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	rec, err := f.repo.GetFileRecord(ctx, "aFile.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ChangeDeletion, rec.Change)
	assert.Equal(t, 1, rec.Version)
	assert.Nil(t, rec.Content)
}

func TestReimportIsIdempotent(t *testing.T) {
	f := setup(t, map[string]string{"a.txt": "a", "dir/b.txt": "b"}, nil)
	ctx := context.Background()

	sum, err := f.repo.ImportNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Found)
	assert.Zero(t, sum.Imported)

	recs, err := f.repo.GetRecords(ctx, store.Query{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestContentSourceCommitsWithoutAfterWrite(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	mtime := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	err := f.repo.FileCreated(ctx, ChangeEvent{
		Path:    "/uploaded.txt",
		Author:  "Ann <ann@example.com>",
		Stat:    &store.Stat{Size: 8, ModTime: mtime},
		Content: strings.NewReader("uploaded"),
	})
	require.NoError(t, err)
	f.waitFor(t, lifecycle.Synchronized)

	rec, err := f.repo.GetFileRecord(ctx, "uploaded.txt", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.ChangeCreated, rec.Change)
	assert.Equal(t, "uploaded", string(rec.Content))
	assert.Equal(t, "Ann <ann@example.com>", rec.Author)
	assert.True(t, rec.Date.Equal(mtime))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestContentSourceErrorDiscards(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()

	err := f.repo.FileCreated(ctx, ChangeEvent{
		Path:    "broken.txt",
		Stat:    &store.Stat{Size: 1, ModTime: time.Now()},
		Content: io.MultiReader(strings.NewReader("partial"), failingReader{}),
	})
	require.NoError(t, err)
	f.waitFor(t, lifecycle.Synchronized)

	rec, err := f.repo.GetFileRecord(ctx, "broken.txt", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAfterWriteMissingFileDiscards(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.repo.FileCreated(ctx, ChangeEvent{Path: "vanished.txt"}))
	require.NoError(t, f.repo.AfterWrite(ctx, "vanished.txt"))
	f.waitFor(t, lifecycle.Synchronized)

	recs, err := f.repo.GetRecords(ctx, store.Query{Paths: []string{"vanished.txt"}})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCommitOrderFollowsObservation(t *testing.T) {
	f := setup(t, map[string]string{"a.txt": "a0", "b.txt": "b0"}, nil)
	ctx := context.Background()

	writeFile(t, f.root, "a.txt", "a1")
	require.NoError(t, f.repo.FileChanged(ctx, ChangeEvent{Path: "a.txt"}))
	require.NoError(t, f.repo.FileDeleted(ctx, "b.txt"))

	// The deletion is ready but queued behind a.txt.
	time.Sleep(30 * time.Millisecond)
	rec, err := f.repo.GetFileRecord(ctx, "b.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ChangeInitial, rec.Change)

	require.NoError(t, f.repo.AfterWrite(ctx, "a.txt"))
	f.waitFor(t, lifecycle.Synchronized)

	rec, err = f.repo.GetFileRecord(ctx, "b.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ChangeDeletion, rec.Change)

	a, err := f.repo.GetFileRecord(ctx, "a.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", string(a.Content))
}

func TestStalledChangeTimesOutAndSynchronizes(t *testing.T) {
	f := setup(t, map[string]string{"a.txt": "a"}, func(o *Options) {
		o.CommitTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, f.repo.FileChanged(ctx, ChangeEvent{Path: "a.txt"}))
	f.waitFor(t, lifecycle.Synchronized)

	history, err := f.repo.VersionsFor(ctx, "a.txt")
	require.NoError(t, err)
	assert.Len(t, history, 1, "the stalled change is never committed")
	assert.Zero(t, f.repo.awaitingPaths(), "the discarded entry no longer waits for a disk read")

	// A later AfterWrite skips the discarded entry and serves the new one.
	writeFile(t, f.root, "a.txt", "a2")
	require.NoError(t, f.repo.FileChanged(ctx, ChangeEvent{Path: "a.txt"}))
	require.NoError(t, f.repo.AfterWrite(ctx, "a.txt"))
	f.waitFor(t, lifecycle.Synchronized)

	rec, err := f.repo.GetFileRecord(ctx, "a.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "a2", string(rec.Content))
}

func TestExcludedPathsAreIgnored(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()

	writeFile(t, f.root, ".git/HEAD", "ref")
	require.NoError(t, f.repo.FileCreated(ctx, ChangeEvent{Path: ".git/HEAD"}))
	require.NoError(t, f.repo.AfterWrite(ctx, ".git/HEAD"))
	require.NoError(t, f.repo.FileDeleted(ctx, "node_modules/x.js"))

	st, err := f.repo.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Pending)
	assert.Zero(t, st.Stats.Records)
}

func TestDefaultAuthor(t *testing.T) {
	f := setup(t, nil, func(o *Options) { o.DefaultAuthor = "Dev <dev@example.com>" })
	ctx := context.Background()

	writeFile(t, f.root, "n.txt", "n")
	require.NoError(t, f.repo.FileCreated(ctx, ChangeEvent{Path: "n.txt"}))
	require.NoError(t, f.repo.AfterWrite(ctx, "n.txt"))
	f.waitFor(t, lifecycle.Synchronized)

	rec, err := f.repo.GetFileRecord(ctx, "n.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "Dev <dev@example.com>", rec.Author)
}

func TestRecordAtAfterEdits(t *testing.T) {
	f := setup(t, map[string]string{"a.txt": "v0"}, nil)
	ctx := context.Background()
	initial := f.mtime(t, "a.txt")

	later := initial.Add(time.Hour)
	require.NoError(t, f.repo.FileChanged(ctx, ChangeEvent{
		Path: "a.txt", Stat: &store.Stat{Size: 2, ModTime: later}, Content: strings.NewReader("v1"),
	}))
	f.waitFor(t, lifecycle.Synchronized)

	rec, err := f.repo.RecordAt(ctx, "a.txt", initial.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "v0", string(rec.Content))

	rec, err = f.repo.RecordAt(ctx, "a.txt", later)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(rec.Content))
}

func TestCloseLifecycle(t *testing.T) {
	f := setup(t, nil, nil)
	require.NoError(t, f.repo.Close())
	f.waitFor(t, lifecycle.Closed)

	err := f.repo.FileDeleted(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, f.repo.Start(context.Background(), false), ErrAlreadyStarted)
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(Options{Root: filepath.Join(t.TempDir(), "missing"), Store: store.NewMemory()})
	assert.Error(t, err)
}

func TestStatusPrunesDiscardedDiskReads(t *testing.T) {
	f := setup(t, nil, func(o *Options) {
		o.CommitTimeout = time.Hour
	})
	ctx := context.Background()

	require.NoError(t, f.repo.FileCreated(ctx, ChangeEvent{Path: "a.txt"}))
	require.NoError(t, f.repo.FileCreated(ctx, ChangeEvent{Path: "b.txt"}))
	assert.Equal(t, 2, f.repo.awaitingPaths())

	st, err := f.repo.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Pending, 2)
	f.repo.mu.Lock()
	stalled := f.repo.awaiting["a.txt"][0].entry
	f.repo.mu.Unlock()
	require.NoError(t, f.repo.queue.Discard(stalled, "test"))

	_, err = f.repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.awaitingPaths(), "only b.txt still waits")
}

func (r *Repository) awaitingPaths() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaiting)
}
