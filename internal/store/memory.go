package store

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a Backend that keeps all history in process memory.
// It has the same semantics as SQLiteStore and is used for tests and
// throwaway repositories.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]Record // ascending by version
	ready    bool
	closed   bool
}

// NewMemory returns an empty, uninitialized MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]Record)}
}

func (m *MemoryStore) checkLocked() error {
	if m.closed {
		return ErrClosed
	}
	if !m.ready {
		return ErrNotInitialized
	}
	return nil
}

// Reset implements Backend.
func (m *MemoryStore) Reset(ctx context.Context, dropExisting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if dropExisting {
		m.versions = make(map[string][]Record)
	}
	m.ready = true
	return nil
}

// StoreAll implements Backend.
func (m *MemoryStore) StoreAll(ctx context.Context, records []NewRecord, opts StoreOptions) (*StoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	res := &StoreResult{Results: make([]RecordResult, len(records))}
	for i, in := range records {
		out := &res.Results[i]
		out.Path = in.Path

		rec, err := prepare(in, now)
		if err != nil {
			out.Err = err
			continue
		}

		existing := m.versions[rec.Path]
		if opts.OnlyImportNew && len(existing) > 0 {
			out.Skipped = true
			continue
		}

		version := 0
		if n := len(existing); n > 0 {
			version = existing[n-1].Version + 1
		}
		if rec.Version != nil {
			version = *rec.Version
			if _, found := slices.BinarySearchFunc(existing, version, cmpVersion); found {
				out.Err = fmt.Errorf("insert: %w: %s@%d", ErrDuplicateVersion, rec.Path, version)
				continue
			}
		}

		stored := Record{
			Path:    rec.Path,
			Version: version,
			Change:  rec.Change,
			Author:  rec.Author,
			Date:    rec.Date,
			Content: bytes.Clone(rec.Content),
			Stat:    rec.Stat,
		}
		pos, _ := slices.BinarySearchFunc(existing, version, cmpVersion)
		m.versions[rec.Path] = slices.Insert(existing, pos, stored)
		out.Version = version
	}
	return res, nil
}

func cmpVersion(r Record, v int) int {
	return r.Version - v
}

// GetRecords implements Backend.
func (m *MemoryStore) GetRecords(ctx context.Context, q Query) ([]Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}

	paths := q.Paths
	if len(paths) == 0 {
		paths = make([]string, 0, len(m.versions))
		for p := range m.versions {
			paths = append(paths, p)
		}
		slices.Sort(paths)
	} else {
		paths = slices.Compact(slices.Sorted(slices.Values(paths)))
	}

	attrs := q.projection()
	var out []Record
	for _, p := range paths {
		history := m.versions[p]
		for i := len(history) - 1; i >= 0; i-- {
			r := history[i]
			if !q.matchesDate(r.Date) {
				continue
			}
			if q.Version != nil && r.Version != *q.Version {
				continue
			}
			out = append(out, cloneRecord(project(r, attrs)))
			if q.Limit > 0 && len(out) == q.Limit {
				return out, nil
			}
			if q.Newest {
				break
			}
		}
	}
	return out, nil
}

func cloneRecord(r Record) Record {
	r.Content = bytes.Clone(r.Content)
	if r.Stat != nil {
		st := *r.Stat
		r.Stat = &st
	}
	return r
}

// Stats implements Backend. SizeBytes is the total stored content size.
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkLocked(); err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, history := range m.versions {
		st.Paths++
		for _, r := range history {
			st.Records++
			st.SizeBytes += int64(len(r.Content))
		}
	}
	return st, nil
}

// Close implements Backend.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.versions = nil
	return nil
}
