// Package daemon hosts one versioned root: the repository, the file
// watcher feeding it, the IPC socket serving the CLI and an optional
// Prometheus endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/highbeam/versionfs/internal/config"
	"github.com/highbeam/versionfs/internal/gitint"
	"github.com/highbeam/versionfs/internal/importer"
	"github.com/highbeam/versionfs/internal/ipc"
	"github.com/highbeam/versionfs/internal/lifecycle"
	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/metrics"
	"github.com/highbeam/versionfs/internal/pathfilter"
	"github.com/highbeam/versionfs/internal/repository"
	"github.com/highbeam/versionfs/internal/store"
	"github.com/highbeam/versionfs/internal/watcher"
)

// ErrAlreadyRunning is returned by Start on a daemon that is running.
var ErrAlreadyRunning = errors.New("daemon is already running")

// Daemon manages the lifecycle of the versionfs background process.
type Daemon struct {
	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer

	repo       *repository.Repository
	ipc        *ipc.Server
	watcher    *watcher.Watcher
	metricsSrv *http.Server
	metricsLn  net.Listener
	startTime  time.Time
	ready      chan struct{}

	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New creates a new Daemon with the given config. Nothing is opened
// before Start.
func New(cfg *config.Config) *Daemon {
	return &Daemon{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
}

// Ready is closed once every component is up and the socket accepts
// requests.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Start opens the store, imports the root, starts the IPC server, the
// watcher and the metrics endpoint, and blocks until ctx is cancelled,
// a signal arrives or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	if err := d.cfg.Validate(); err != nil {
		return err
	}
	if err := d.cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger, closer, err := logging.New(d.cfg.Logging())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	d.log = logger.With("component", "daemon")
	d.logCloser = closer

	// Create a signal-aware context.
	ctx, cancel := signalContext(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	d.startTime = time.Now()

	collector := metrics.Collector(metrics.NewNoopCollector())
	if d.cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheusCollector()
		if err := d.serveMetrics(prom); err != nil {
			return d.abort(err)
		}
		collector = prom
	}

	if err := d.openRepository(ctx, logger, collector); err != nil {
		return d.abort(err)
	}

	// Start IPC server in a goroutine.
	d.ipc = ipc.NewServer(d, d.repo, ipc.Options{
		Driver:   d.cfg.StorageDriver,
		Watching: d.cfg.Watch,
		Branch:   branchFunc(d.cfg.RootDir),
		Logger:   logger,
	})
	ipcErrCh := make(chan error, 1)
	go func() {
		ipcErrCh <- d.ipc.Listen(ctx, d.cfg.SocketPath)
	}()

	if d.cfg.Watch {
		if err := d.startWatcher(ctx, logger, collector); err != nil {
			cancel()
			<-ipcErrCh
			return d.abort(err)
		}
	}

	d.log.Info("daemon started",
		"pid", os.Getpid(),
		"root", d.cfg.RootDir,
		"driver", d.cfg.StorageDriver,
		"socket", d.cfg.SocketPath,
		"watch", d.cfg.Watch)
	close(d.ready)

	// Block until context is cancelled or IPC server fails.
	select {
	case <-ctx.Done():
		d.log.Info("shutdown requested")
	case err := <-ipcErrCh:
		if err != nil {
			d.log.Error("ipc server", "error", err)
		}
	}

	return d.shutdown()
}

func (d *Daemon) openRepository(ctx context.Context, logger *slog.Logger, collector metrics.Collector) error {
	filter, err := pathfilter.New(d.cfg.Filter())
	if err != nil {
		return err
	}
	backend, err := store.Open(d.cfg.Store())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	repo, err := repository.New(repository.Options{
		Root:               d.cfg.RootDir,
		Filter:             filter,
		Store:              backend,
		Logger:             logger,
		Metrics:            collector,
		ImportBatchBytes:   d.cfg.ImportBatchBytes,
		RecordOfflineEdits: d.cfg.RecordOfflineEdits,
		CommitTimeout:      d.cfg.CommitTimeout(),
		SweepInterval:      d.cfg.SweepInterval(),
		DefaultAuthor:      gitint.DefaultAuthor(d.cfg.RootDir),
		OnImportProgress: func(p importer.Progress) {
			if p.Kind == importer.BatchDone {
				d.log.Debug("import batch", "batch", p.Batch, "of", p.Batches, "files", p.Files, "bytes", p.Bytes)
			}
		},
	})
	if err != nil {
		_ = backend.Close()
		return err
	}

	events, unsubscribe := repo.Subscribe(32)
	go d.logLifecycle(events)

	if err := repo.Start(ctx, d.cfg.ResetDatabase); err != nil {
		unsubscribe()
		_ = repo.Close()
		return fmt.Errorf("start repository: %w", err)
	}
	d.repo = repo
	return nil
}

func (d *Daemon) startWatcher(ctx context.Context, logger *slog.Logger, collector metrics.Collector) error {
	filter, err := pathfilter.New(d.cfg.Filter())
	if err != nil {
		return err
	}
	w := watcher.New(d.repo, watcher.Options{
		Root:     d.cfg.RootDir,
		Filter:   filter,
		Debounce: d.cfg.Debounce(),
		Logger:   logger,
		Metrics:  collector,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Start(ctx)
	}()

	select {
	case <-w.Ready():
		d.watcher = w
		go func() {
			if err := <-errCh; err != nil {
				d.log.Error("watcher", "error", err)
			}
		}()
		return nil
	case err := <-errCh:
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("start watcher: %w", err)
	}
}

// serveMetrics binds the listener up front so a bad address fails Start.
func (d *Daemon) serveMetrics(prom *metrics.PrometheusCollector) error {
	ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", d.cfg.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	d.metricsLn = ln
	d.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics server", "error", err)
		}
	}()
	d.log.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

// logLifecycle reports repository transitions until the bus closes.
func (d *Daemon) logLifecycle(events <-chan lifecycle.Event) {
	for ev := range events {
		switch ev.Signal {
		case lifecycle.Initialized:
			d.log.Info("repository initialized")
		case lifecycle.Synchronized:
			d.log.Debug("repository synchronized")
		case lifecycle.Error:
			d.log.Warn("repository error", "error", ev.Err)
		case lifecycle.Closed:
			d.log.Info("repository closed")
		}
	}
}

// branchFunc reports the current branch of root's git repository, or nil
// when root is not inside one.
func branchFunc(root string) func() string {
	repo, err := gitint.Open(root)
	if err != nil {
		return nil
	}
	return func() string {
		b, err := repo.CurrentBranch()
		if err != nil {
			return ""
		}
		return b
	}
}

// Stop triggers a graceful shutdown from outside (e.g. via IPC stop command).
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// abort releases whatever Start opened before failing.
func (d *Daemon) abort(err error) error {
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Close()
	}
	if d.repo != nil {
		_ = d.repo.Close()
	}
	if d.ipc != nil {
		_ = os.Remove(d.cfg.SocketPath)
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
	return err
}

// shutdown performs ordered teardown: watcher, IPC server, metrics, then
// the repository, which flushes its queue and closes the store.
func (d *Daemon) shutdown() error {
	d.log.Info("shutting down")

	// Stop watcher (drains pending debounced events into the repository).
	if d.watcher != nil {
		d.watcher.Stop()
	}

	// Stop IPC server (stops accepting, drains connections).
	if d.ipc != nil {
		if err := d.ipc.Stop(); err != nil {
			d.log.Warn("ipc stop", "error", err)
		}
	}

	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			d.log.Warn("metrics shutdown", "error", err)
		}
		cancel()
	}

	var err error
	if d.repo != nil {
		if err = d.repo.Close(); err != nil {
			d.log.Error("repository close", "error", err)
		}
	}

	// Remove socket file.
	_ = os.Remove(d.cfg.SocketPath)

	d.log.Info("daemon stopped")
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
	return err
}

// Running returns true if the daemon is currently running.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsLn == nil {
		return ""
	}
	return d.metricsLn.Addr().String()
}

// Config returns the daemon's configuration.
func (d *Daemon) Config() *config.Config {
	return d.cfg
}
