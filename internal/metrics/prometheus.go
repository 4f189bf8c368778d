package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector records into its own registry.
type PrometheusCollector struct {
	commitsTotal   *prometheus.CounterVec
	committedTotal prometheus.Counter
	commitDuration prometheus.Histogram
	discardsTotal  *prometheus.CounterVec
	importBatches  *prometheus.CounterVec
	importedFiles  prometheus.Counter
	importedBytes  prometheus.Counter
	importDuration prometheus.Histogram
	errorsTotal    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	storageCount   *prometheus.GaugeVec
	registry       *prometheus.Registry
}

// NewPrometheusCollector creates a collector with a fresh registry.
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	durations := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0}

	m := &PrometheusCollector{
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionfs_commits_total",
			Help: "Commit passes of the commit queue by status",
		}, []string{"status"}),
		committedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "versionfs_committed_records_total",
			Help: "Records written by the commit queue",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "versionfs_commit_duration_seconds",
			Help:    "Duration of commit queue writes",
			Buckets: durations,
		}),
		discardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionfs_discarded_entries_total",
			Help: "Queue entries discarded before commit by reason",
		}, []string{"reason"}),
		importBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionfs_import_batches_total",
			Help: "Import batches by status",
		}, []string{"status"}),
		importedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "versionfs_imported_files_total",
			Help: "Files submitted by the import task",
		}),
		importedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "versionfs_imported_bytes_total",
			Help: "Content bytes submitted by the import task",
		}),
		importDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "versionfs_import_batch_duration_seconds",
			Help:    "Duration of import batches",
			Buckets: durations,
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionfs_errors_total",
			Help: "Errors by operation and type",
		}, []string{"operation", "error_type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "versionfs_queue_depth",
			Help: "Entries currently waiting in the commit queue",
		}),
		storageCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "versionfs_storage_count",
			Help: "Stored items by kind",
		}, []string{"kind"}),
		registry: registry,
	}

	registry.MustRegister(
		m.commitsTotal, m.committedTotal, m.commitDuration, m.discardsTotal,
		m.importBatches, m.importedFiles, m.importedBytes, m.importDuration,
		m.errorsTotal, m.queueDepth, m.storageCount,
	)
	return m
}

func (m *PrometheusCollector) RecordCommit(ctx context.Context, status string, records int, d time.Duration) {
	m.commitsTotal.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		m.committedTotal.Add(float64(records))
	}
	m.commitDuration.Observe(d.Seconds())
}

func (m *PrometheusCollector) RecordDiscard(ctx context.Context, reason string) {
	m.discardsTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusCollector) RecordImport(ctx context.Context, status string, files int, bytes int64, d time.Duration) {
	m.importBatches.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		m.importedFiles.Add(float64(files))
		m.importedBytes.Add(float64(bytes))
	}
	m.importDuration.Observe(d.Seconds())
}

func (m *PrometheusCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

func (m *PrometheusCollector) SetQueueDepth(ctx context.Context, n int) {
	m.queueDepth.Set(float64(n))
}

func (m *PrometheusCollector) SetStorageCount(ctx context.Context, kind string, n int64) {
	m.storageCount.WithLabelValues(kind).Set(float64(n))
}

// Registry returns the Prometheus registry for HTTP exposure.
func (m *PrometheusCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
