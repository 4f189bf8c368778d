package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotInitialized is returned by every operation issued before Reset.
	ErrNotInitialized = errors.New("store not initialized")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
	// ErrInvalidQuery is returned synchronously for malformed queries.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidRecord marks a single record rejected before insertion.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrDuplicateVersion marks an explicit (path, version) that already exists.
	ErrDuplicateVersion = errors.New("duplicate version")
)

// UnknownAuthor is recorded when the writer cannot be determined.
const UnknownAuthor = "unknown"

// Change describes which kind of mutation produced a version.
type Change string

const (
	ChangeInitial       Change = "initial"
	ChangeCreated       Change = "created"
	ChangeContentChange Change = "contentChange"
	ChangeDeletion      Change = "deletion"
	ChangeRewrite       Change = "rewrite"
)

// Valid reports whether c is one of the known change kinds.
func (c Change) Valid() bool {
	switch c {
	case ChangeInitial, ChangeCreated, ChangeContentChange, ChangeDeletion, ChangeRewrite:
		return true
	}
	return false
}

// Stat is the filesystem metadata captured alongside a version.
type Stat struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// Record is an immutable, committed version of a path.
type Record struct {
	Path    string    `json:"path"`
	Version int       `json:"version"`
	Change  Change    `json:"change"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Content []byte    `json:"content,omitempty"`
	Stat    *Stat     `json:"stat,omitempty"`
}

// Exists reports whether the record describes a file that is present,
// i.e. it is not a deletion.
func (r Record) Exists() bool {
	return r.Change != ChangeDeletion
}

// NewRecord is the write-side form of a Record. Version is nil unless
// history is being replayed; the engine assigns max+1 otherwise.
type NewRecord struct {
	Path    string
	Version *int
	Change  Change
	Author  string
	Date    time.Time
	Content []byte
	Stat    *Stat
}

// StoreOptions tunes StoreAll.
type StoreOptions struct {
	// OnlyImportNew skips records whose path already has a stored version.
	OnlyImportNew bool
}

// RecordResult is the outcome of one record of a StoreAll batch.
type RecordResult struct {
	Path    string
	Version int
	Skipped bool
	Err     error
}

// StoreResult reports per-record outcomes of a StoreAll batch.
type StoreResult struct {
	Results []RecordResult
}

// Stored returns the number of records actually inserted.
func (r *StoreResult) Stored() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, res := range r.Results {
		if res.Err == nil && !res.Skipped {
			n++
		}
	}
	return n
}

// Failed returns the number of records that could not be inserted.
func (r *StoreResult) Failed() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Err joins the errors of all failed records, or returns nil.
func (r *StoreResult) Err() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Path, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes the stored history.
type Stats struct {
	Records   int64 `json:"records"`
	Paths     int64 `json:"paths"`
	SizeBytes int64 `json:"size_bytes"`
}

// prepare validates a NewRecord and fills engine defaults.
func prepare(in NewRecord, now time.Time) (NewRecord, error) {
	if in.Path == "" || strings.HasPrefix(in.Path, "/") {
		return in, fmt.Errorf("%w: path %q", ErrInvalidRecord, in.Path)
	}
	if !in.Change.Valid() {
		return in, fmt.Errorf("%w: change %q", ErrInvalidRecord, in.Change)
	}
	if in.Version != nil && *in.Version < 0 {
		return in, fmt.Errorf("%w: version %d", ErrInvalidRecord, *in.Version)
	}
	if in.Author == "" {
		in.Author = UnknownAuthor
	}
	if in.Date.IsZero() {
		in.Date = now
	}
	in.Date = in.Date.UTC()
	switch {
	case in.Change == ChangeDeletion:
		in.Content = nil
	case in.Content == nil:
		in.Content = []byte{}
	}
	if in.Stat != nil {
		st := *in.Stat
		st.ModTime = st.ModTime.UTC()
		in.Stat = &st
	}
	return in, nil
}

// dateLayout is fixed width so that lexical order of stored dates is
// chronological order.
const dateLayout = "2006-01-02T15:04:05.000000000Z"

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
