package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollector_RecordCommit(t *testing.T) {
	collector := NewPrometheusCollector()
	ctx := context.Background()

	collector.RecordCommit(ctx, StatusSuccess, 3, 5*time.Millisecond)
	collector.RecordCommit(ctx, StatusSuccess, 2, time.Millisecond)
	collector.RecordCommit(ctx, StatusError, 4, time.Millisecond)

	if got := testutil.ToFloat64(collector.commitsTotal.WithLabelValues(StatusSuccess)); got != 2 {
		t.Errorf("expected 2 successful commits, got %f", got)
	}
	if got := testutil.ToFloat64(collector.commitsTotal.WithLabelValues(StatusError)); got != 1 {
		t.Errorf("expected 1 failed commit, got %f", got)
	}
	if got := testutil.ToFloat64(collector.committedTotal); got != 5 {
		t.Errorf("expected 5 committed records, got %f", got)
	}
	if got := testutil.CollectAndCount(collector.commitDuration); got != 1 {
		t.Errorf("expected 1 histogram series, got %d", got)
	}
}

func TestPrometheusCollector_RecordDiscard(t *testing.T) {
	collector := NewPrometheusCollector()
	ctx := context.Background()

	collector.RecordDiscard(ctx, "timeout")
	collector.RecordDiscard(ctx, "timeout")
	collector.RecordDiscard(ctx, "io")

	if got := testutil.ToFloat64(collector.discardsTotal.WithLabelValues("timeout")); got != 2 {
		t.Errorf("expected 2 timeout discards, got %f", got)
	}
	if got := testutil.CollectAndCount(collector.discardsTotal); got != 2 {
		t.Errorf("expected 2 series, got %d", got)
	}
}

func TestPrometheusCollector_RecordImport(t *testing.T) {
	collector := NewPrometheusCollector()
	ctx := context.Background()

	collector.RecordImport(ctx, StatusSuccess, 10, 2048, time.Second)
	collector.RecordImport(ctx, StatusError, 7, 999, time.Second)

	if got := testutil.ToFloat64(collector.importedFiles); got != 10 {
		t.Errorf("expected 10 imported files, got %f", got)
	}
	if got := testutil.ToFloat64(collector.importedBytes); got != 2048 {
		t.Errorf("expected 2048 imported bytes, got %f", got)
	}
	if got := testutil.ToFloat64(collector.importBatches.WithLabelValues(StatusError)); got != 1 {
		t.Errorf("expected 1 failed batch, got %f", got)
	}
}

func TestPrometheusCollector_Gauges(t *testing.T) {
	collector := NewPrometheusCollector()
	ctx := context.Background()

	collector.SetQueueDepth(ctx, 4)
	collector.SetQueueDepth(ctx, 1)
	collector.SetStorageCount(ctx, "records", 42)
	collector.SetStorageCount(ctx, "paths", 7)

	if got := testutil.ToFloat64(collector.queueDepth); got != 1 {
		t.Errorf("expected queue depth 1, got %f", got)
	}
	if got := testutil.ToFloat64(collector.storageCount.WithLabelValues("records")); got != 42 {
		t.Errorf("expected 42 records, got %f", got)
	}
}

func TestPrometheusCollector_RecordError(t *testing.T) {
	collector := NewPrometheusCollector()
	ctx := context.Background()

	collector.RecordError(ctx, "commit", "store")
	collector.RecordError(ctx, "import", "read")
	collector.RecordError(ctx, "import", "read")

	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("import", "read")); got != 2 {
		t.Errorf("expected 2 import read errors, got %f", got)
	}
}

func TestPrometheusCollector_Handler(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.RecordCommit(context.Background(), StatusSuccess, 1, time.Millisecond)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "versionfs_commits_total") {
		t.Errorf("expected exposition to contain versionfs_commits_total, got:\n%s", body)
	}
}

func TestNoopCollectorSatisfiesInterface(t *testing.T) {
	var c Collector = NewNoopCollector()
	ctx := context.Background()
	c.RecordCommit(ctx, StatusSuccess, 1, 0)
	c.RecordDiscard(ctx, "timeout")
	c.RecordImport(ctx, StatusSuccess, 1, 1, 0)
	c.RecordError(ctx, "x", "y")
	c.SetQueueDepth(ctx, 1)
	c.SetStorageCount(ctx, "records", 1)

	if _, ok := OrNoop(nil).(*NoopCollector); !ok {
		t.Error("OrNoop(nil) should return a NoopCollector")
	}
	p := NewPrometheusCollector()
	if OrNoop(p) != Collector(p) {
		t.Error("OrNoop should pass through a non-nil collector")
	}
}
