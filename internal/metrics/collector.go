// Package metrics exposes versioning activity as Prometheus metrics. Code
// that records metrics depends only on Collector, so a NoopCollector can be
// used when no metrics endpoint is configured.
package metrics

import (
	"context"
	"time"
)

// Collector is the interface for metrics collection.
type Collector interface {
	// RecordCommit counts one commit pass of the queue and its record count.
	RecordCommit(ctx context.Context, status string, records int, d time.Duration)
	// RecordDiscard counts a queue entry dropped without being committed.
	RecordDiscard(ctx context.Context, reason string)
	// RecordImport counts one import batch.
	RecordImport(ctx context.Context, status string, files int, bytes int64, d time.Duration)
	RecordError(ctx context.Context, operation string, errorType string)
	SetQueueDepth(ctx context.Context, n int)
	SetStorageCount(ctx context.Context, kind string, n int64)
}

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// NoopCollector discards everything.
type NoopCollector struct{}

// NewNoopCollector creates a no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (*NoopCollector) RecordCommit(context.Context, string, int, time.Duration)        {}
func (*NoopCollector) RecordDiscard(context.Context, string)                           {}
func (*NoopCollector) RecordImport(context.Context, string, int, int64, time.Duration) {}
func (*NoopCollector) RecordError(context.Context, string, string)                     {}
func (*NoopCollector) SetQueueDepth(context.Context, int)                              {}
func (*NoopCollector) SetStorageCount(context.Context, string, int64)                  {}

// OrNoop returns c, or a NoopCollector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return NewNoopCollector()
	}
	return c
}
