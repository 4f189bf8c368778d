package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/highbeam/versionfs/internal/importer"
	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/repository"
	"github.com/highbeam/versionfs/internal/store"
)

// requestTimeout bounds reading a request and serving a read command.
// Import runs without a deadline.
const requestTimeout = 5 * time.Second

// DaemonQuerier is the interface the IPC server uses to query daemon state.
// This avoids importing the daemon package (which would be circular).
type DaemonQuerier interface {
	Uptime() time.Duration
	Stop()
}

// Reader is the repository surface served over the socket.
// *repository.Repository implements it.
type Reader interface {
	GetFiles(ctx context.Context) ([]store.Record, error)
	HistoryFor(ctx context.Context, path string) ([]store.Record, error)
	GetFileRecord(ctx context.Context, path string, version *int) (*store.Record, error)
	RecordAt(ctx context.Context, path string, t time.Time) (*store.Record, error)
	Status(ctx context.Context) (repository.Status, error)
	ImportNow(ctx context.Context) (importer.Summary, error)
}

// Options carries the static facts reported by "status".
type Options struct {
	Driver   string
	Watching bool
	// Branch, when set, is asked for the root's current git branch.
	Branch func() string
	Logger *slog.Logger
}

// Server is a Unix domain socket server for CLI-to-daemon communication.
type Server struct {
	daemon DaemonQuerier
	repo   Reader
	opts   Options
	log    *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates a new IPC server.
func NewServer(daemon DaemonQuerier, repo Reader, opts Options) *Server {
	return &Server{
		daemon: daemon,
		repo:   repo,
		opts:   opts,
		log:    logging.OrDefault(opts.Logger).With("component", "ipc"),
	}
}

// Listen starts accepting connections on the given Unix socket path.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	// Remove stale socket file if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}

	// Set socket permissions to owner-only.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.stopped = false
	s.mu.Unlock()

	s.log.Info("listening", "socket", socketPath)

	// Close the listener when context is cancelled.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			// Context cancelled causes listener to close.
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop stops accepting connections and waits for in-flight connections to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	// Wait for in-flight connections with a timeout.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("drain timeout: connections still open after 5s")
	}
}

func (s *Server) getDaemon() DaemonQuerier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon
}

// handleConn reads a single JSON request, dispatches it, and writes the response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		writeError(conn, "empty request")
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeError(conn, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if req.Command != CmdImport {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	data, err := s.dispatch(ctx, req)
	if err != nil {
		s.log.Debug("request failed", "command", req.Command, "error", err)
		writeError(conn, err.Error())
		return
	}
	writeResponse(conn, Response{OK: true, Data: data})

	// Trigger daemon shutdown after sending response.
	if req.Command == CmdStop {
		if d := s.getDaemon(); d != nil {
			d.Stop()
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Command {
	case CmdPing:
		return "pong", nil

	case CmdStop:
		return "shutting down", nil

	case CmdStatus:
		return s.status(ctx)

	case CmdFiles:
		return s.repo.GetFiles(ctx)

	case CmdHistory:
		p, err := requireArg(req, "path")
		if err != nil {
			return nil, err
		}
		return s.repo.HistoryFor(ctx, p)

	case CmdRecord:
		p, err := requireArg(req, "path")
		if err != nil {
			return nil, err
		}
		var version *int
		if v, ok := req.Args["version"]; ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid version %q", v)
			}
			version = &n
		}
		return s.repo.GetFileRecord(ctx, p, version)

	case CmdAt:
		p, err := requireArg(req, "path")
		if err != nil {
			return nil, err
		}
		raw, err := requireArg(req, "time")
		if err != nil {
			return nil, err
		}
		t, err := ParseTime(raw)
		if err != nil {
			return nil, err
		}
		return s.repo.RecordAt(ctx, p, t)

	case CmdImport:
		return s.repo.ImportNow(ctx)

	default:
		return nil, fmt.Errorf("unknown command: %q", req.Command)
	}
}

func (s *Server) status(ctx context.Context) (StatusData, error) {
	st, err := s.repo.Status(ctx)
	if err != nil {
		return StatusData{}, err
	}
	data := StatusData{
		Root:      st.Root,
		Driver:    s.opts.Driver,
		Running:   st.Running,
		Watching:  s.opts.Watching,
		StartedAt: st.StartedAt,
		Records:   st.Stats.Records,
		Paths:     st.Stats.Paths,
		SizeBytes: st.Stats.SizeBytes,
		Pending:   st.Pending,
	}
	if d := s.getDaemon(); d != nil {
		data.Uptime = d.Uptime().Truncate(time.Second).String()
	}
	if s.opts.Branch != nil {
		data.Branch = s.opts.Branch()
	}
	return data, nil
}

func requireArg(req Request, name string) (string, error) {
	v := req.Args[name]
	if v == "" {
		return "", fmt.Errorf("%s: missing %q argument", req.Command, name)
	}
	return v, nil
}

// timeLayouts are accepted by ParseTime, most precise first.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ErrBadTime is returned for timestamps in none of the accepted layouts.
var ErrBadTime = errors.New("unrecognized time")

// ParseTime parses an RFC 3339 timestamp, or a date with optional time
// of day in local time.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w %q", ErrBadTime, s)
}

func writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{OK: false, Error: fmt.Sprintf("marshal response: %v", err)})
	}
	data = append(data, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	_, _ = conn.Write(data)
}

func writeError(conn net.Conn, msg string) {
	writeResponse(conn, Response{OK: false, Error: msg})
}
