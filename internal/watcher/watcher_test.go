package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/pathfilter"
	"github.com/highbeam/versionfs/internal/repository"
	"github.com/highbeam/versionfs/internal/store"
)

// ---------------------------------------------------------------------------
// Debouncer tests
// ---------------------------------------------------------------------------

func TestDebouncerSingleEvent(t *testing.T) {
	var mu sync.Mutex
	var emitted []Event

	d := NewDebouncer(50*time.Millisecond, func(e Event) {
		mu.Lock()
		emitted = append(emitted, e)
		mu.Unlock()
	})
	defer d.Stop()

	d.Feed(Event{Path: "/a/b.txt", Op: OpWrite, Timestamp: time.Now()})

	// Wait for the debounce window to expire plus a little buffer.
	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(emitted))
	}
	if emitted[0].Path != "/a/b.txt" {
		t.Errorf("expected path /a/b.txt, got %s", emitted[0].Path)
	}
}

func TestDebouncerBurstCollapse(t *testing.T) {
	var mu sync.Mutex
	var emitted []Event

	d := NewDebouncer(50*time.Millisecond, func(e Event) {
		mu.Lock()
		emitted = append(emitted, e)
		mu.Unlock()
	})
	defer d.Stop()

	// Feed 10 events for the same path in rapid succession.
	for i := 0; i < 10; i++ {
		d.Feed(Event{Path: "/a/b.txt", Op: OpWrite, Timestamp: time.Now()})
		time.Sleep(5 * time.Millisecond) // well within the 50ms window
	}
	if d.Pending() != 1 {
		t.Errorf("expected 1 pending path, got %d", d.Pending())
	}

	// Wait for debounce to fire.
	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 1 {
		t.Fatalf("expected exactly 1 emission after burst of 10, got %d", len(emitted))
	}
}

func TestDebouncerDifferentPaths(t *testing.T) {
	var mu sync.Mutex
	var emitted []Event

	d := NewDebouncer(50*time.Millisecond, func(e Event) {
		mu.Lock()
		emitted = append(emitted, e)
		mu.Unlock()
	})
	defer d.Stop()

	d.Feed(Event{Path: "/a.txt", Op: OpWrite, Timestamp: time.Now()})
	d.Feed(Event{Path: "/b.txt", Op: OpCreate, Timestamp: time.Now()})

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 2 {
		t.Fatalf("expected 2 emissions (one per path), got %d", len(emitted))
	}

	paths := map[string]bool{}
	for _, e := range emitted {
		paths[e.Path] = true
	}
	if !paths["/a.txt"] || !paths["/b.txt"] {
		t.Errorf("expected both /a.txt and /b.txt, got %v", paths)
	}
}

func TestDebouncerStopDrains(t *testing.T) {
	var mu sync.Mutex
	var emitted []Event

	d := NewDebouncer(5*time.Second, func(e Event) {
		mu.Lock()
		emitted = append(emitted, e)
		mu.Unlock()
	})

	// With a 5s window these won't fire naturally.
	d.Feed(Event{Path: "/x.txt", Op: OpCreate, Timestamp: time.Now()})
	d.Feed(Event{Path: "/y.txt", Op: OpWrite, Timestamp: time.Now()})

	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 2 {
		t.Fatalf("expected 2 drained emissions, got %d", len(emitted))
	}
}

func TestDebouncerStopKeepsObservationOrder(t *testing.T) {
	var got []string
	d := NewDebouncer(time.Hour, func(e Event) { got = append(got, e.Path) })

	base := time.Now()
	paths := []string{"/c.txt", "/a.txt", "/e.txt", "/b.txt", "/d.txt"}
	for i, p := range paths {
		d.Feed(Event{Path: p, Op: OpWrite, Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
	}
	d.Stop()

	if len(got) != len(paths) {
		t.Fatalf("expected %d emissions, got %d", len(paths), len(got))
	}
	for i := range paths {
		if got[i] != paths[i] {
			t.Fatalf("emission %d = %s, want %s (order %v)", i, got[i], paths[i], got)
		}
	}
}

func TestDebouncerMergesOps(t *testing.T) {
	cases := []struct {
		name string
		ops  []Op
		want Op
	}{
		{"create then write stays create", []Op{OpCreate, OpWrite, OpWrite}, OpCreate},
		{"write then remove", []Op{OpWrite, OpRemove}, OpRemove},
		{"remove then create", []Op{OpRemove, OpCreate}, OpCreate},
		{"create then remove", []Op{OpCreate, OpRemove}, OpRemove},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []Event
			d := NewDebouncer(time.Hour, func(e Event) { got = append(got, e) })
			for _, op := range tc.ops {
				d.Feed(Event{Path: "/a.txt", Op: op, Timestamp: time.Now()})
			}
			d.Stop()
			if len(got) != 1 {
				t.Fatalf("expected 1 emission, got %d", len(got))
			}
			if got[0].Op != tc.want {
				t.Errorf("op = %s, want %s", got[0].Op, tc.want)
			}
		})
	}
}

func TestDebouncerFeedAfterStop(t *testing.T) {
	emitted := 0
	d := NewDebouncer(50*time.Millisecond, func(e Event) {
		emitted++
	})

	d.Stop()

	// Feed after stop should be a no-op, not panic.
	d.Feed(Event{Path: "/a.txt", Op: OpCreate, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	if emitted != 0 {
		t.Errorf("expected 0 emissions after stop, got %d", emitted)
	}
}

// ---------------------------------------------------------------------------
// Watcher tests
// ---------------------------------------------------------------------------

type call struct {
	kind string
	path string
}

// fakeSink records calls and remembers which paths exist.
type fakeSink struct {
	mu       sync.Mutex
	calls    []call
	existing map[string]bool
}

func newFakeSink(existing ...string) *fakeSink {
	s := &fakeSink{existing: map[string]bool{}}
	for _, p := range existing {
		s.existing[p] = true
	}
	return s
}

func (s *fakeSink) add(kind, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{kind, path})
	switch kind {
	case "created":
		s.existing[path] = true
	case "deleted":
		delete(s.existing, path)
	}
}

func (s *fakeSink) FileCreated(_ context.Context, ev repository.ChangeEvent) error {
	s.add("created", ev.Path)
	return nil
}

func (s *fakeSink) FileChanged(_ context.Context, ev repository.ChangeEvent) error {
	s.add("changed", ev.Path)
	return nil
}

func (s *fakeSink) AfterWrite(_ context.Context, path string) error {
	s.add("after", path)
	return nil
}

func (s *fakeSink) FileDeleted(_ context.Context, path string) error {
	s.add("deleted", path)
	return nil
}

func (s *fakeSink) GetFileRecord(_ context.Context, path string, _ *int) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existing[path] {
		return nil, nil
	}
	return &store.Record{Path: path, Change: store.ChangeInitial}, nil
}

func (s *fakeSink) has(c call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.calls {
		if got == c {
			return true
		}
	}
	return false
}

func (s *fakeSink) snapshot() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func startWatcher(t *testing.T, root string, sink Sink) {
	t.Helper()
	filter, err := pathfilter.New(pathfilter.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	w := New(sink, Options{Root: root, Filter: filter, Debounce: 20 * time.Millisecond, Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Start(ctx); err != nil {
			t.Errorf("watcher start: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Stop()
	})

	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never became ready")
	}
}

func waitFor(t *testing.T, sink *fakeSink, want call) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sink.has(want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %v, got %v", want, sink.snapshot())
}

func TestWatcherCreateThenAfterWrite(t *testing.T) {
	root := t.TempDir()
	sink := newFakeSink()
	startWatcher(t, root, sink)

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, sink, call{"after", "new.txt"})
	calls := sink.snapshot()
	if calls[0] != (call{"created", "new.txt"}) {
		t.Errorf("first call = %v, want created", calls[0])
	}
}

func TestWatcherChangeOfKnownFile(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "aFile.txt")
	if err := os.WriteFile(p, []byte("foo bar content"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := newFakeSink("aFile.txt")
	startWatcher(t, root, sink)

	if err := os.WriteFile(p, []byte("new content"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, sink, call{"changed", "aFile.txt"})
	waitFor(t, sink, call{"after", "aFile.txt"})
}

func TestWatcherDeletion(t *testing.T) {
	root := t.TempDir()
	known := filepath.Join(root, "known.txt")
	unknown := filepath.Join(root, "unknown.txt")
	for _, p := range []string{known, unknown} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sink := newFakeSink("known.txt")
	startWatcher(t, root, sink)

	if err := os.Remove(unknown); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(known); err != nil {
		t.Fatal(err)
	}

	waitFor(t, sink, call{"deleted", "known.txt"})
	time.Sleep(60 * time.Millisecond)
	if sink.has(call{"deleted", "unknown.txt"}) {
		t.Error("deletion of a never versioned file must not be recorded")
	}
}

func TestWatcherIgnoresExcludedPaths(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	sink := newFakeSink()
	startWatcher(t, root, sink)

	if err := os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".DS_Store"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "kept.txt"), []byte("k"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, sink, call{"after", "kept.txt"})
	time.Sleep(60 * time.Millisecond)
	for _, c := range sink.snapshot() {
		if c.path != "kept.txt" {
			t.Errorf("unexpected call %v", c)
		}
	}
}

func TestWatcherNewDirectory(t *testing.T) {
	root := t.TempDir()
	sink := newFakeSink()
	startWatcher(t, root, sink)

	dir := filepath.Join(root, "pkg", "sub")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "deep.go"), []byte("package sub"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, sink, call{"created", "pkg/sub/deep.go"})
}

func TestRelative(t *testing.T) {
	w := New(newFakeSink(), Options{Root: "/srv/site"})
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/srv/site/a.txt", "a.txt", true},
		{"/srv/site/dir/b.txt", "dir/b.txt", true},
		{"/srv/site", "", false},
		{"/srv/other/c.txt", "", false},
		{"/srv/site/..hidden", "..hidden", true},
	}
	for _, tc := range cases {
		got, ok := w.relative(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("relative(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
