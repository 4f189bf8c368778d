// Package store is the storage engine: an append-only table of versioned
// path records with the query model used by every reader.
package store

import (
	"context"
	"fmt"
)

// Backend is implemented by every storage engine. Implementations are safe
// for concurrent use; writes are serialized internally.
type Backend interface {
	// Reset creates the schema if needed. With dropExisting, all stored
	// history is removed first. Every other call fails with
	// ErrNotInitialized until Reset succeeded once.
	Reset(ctx context.Context, dropExisting bool) error
	StoreAll(ctx context.Context, records []NewRecord, opts StoreOptions) (*StoreResult, error)
	GetRecords(ctx context.Context, q Query) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
	DriverMemory  = "memory"
)

// Options selects and locates a backend.
type Options struct {
	// Driver is one of DriverSQLite (default), DriverSQLite3 or DriverMemory.
	Driver string
	// Path is the database file. Ignored by the memory backend.
	Path string
}

// Open constructs the backend named by opts.Driver. The returned backend
// still needs Reset before use.
func Open(opts Options) (Backend, error) {
	switch opts.Driver {
	case "", DriverSQLite, DriverSQLite3:
		driver := opts.Driver
		if driver == "" {
			driver = DriverSQLite
		}
		if opts.Path == "" {
			return nil, fmt.Errorf("open %s store: empty path", driver)
		}
		return OpenSQLite(driver, opts.Path)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
