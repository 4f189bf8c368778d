package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/highbeam/versionfs/internal/importer"
	"github.com/highbeam/versionfs/internal/store"
)

// importTimeout bounds a remote import, which walks and reads the whole root.
const importTimeout = 30 * time.Minute

// Client communicates with the daemon over a Unix domain socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client that connects to the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// Ping tests if the daemon is alive.
func (c *Client) Ping() error {
	_, err := c.send(Request{Command: CmdPing}, c.timeout)
	return err
}

// Status returns the daemon's status data.
func (c *Client) Status() (*StatusData, error) {
	var status StatusData
	if err := c.call(Request{Command: CmdStatus}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RequestStop asks the daemon to shut down gracefully.
func (c *Client) RequestStop() error {
	_, err := c.send(Request{Command: CmdStop}, c.timeout)
	return err
}

// Files lists the newest record of every existing file.
func (c *Client) Files() ([]store.Record, error) {
	var recs []store.Record
	err := c.call(Request{Command: CmdFiles}, &recs)
	return recs, err
}

// History lists every version of path, newest first.
func (c *Client) History(path string) ([]store.Record, error) {
	var recs []store.Record
	err := c.call(Request{Command: CmdHistory, Args: map[string]string{"path": path}}, &recs)
	return recs, err
}

// Record fetches one version of path with its content, the newest when
// version is nil. It returns nil when nothing matches.
func (c *Client) Record(path string, version *int) (*store.Record, error) {
	args := map[string]string{"path": path}
	if version != nil {
		args["version"] = strconv.Itoa(*version)
	}
	var rec *store.Record
	err := c.call(Request{Command: CmdRecord, Args: args}, &rec)
	return rec, err
}

// At fetches the version of path that was current at t.
func (c *Client) At(path string, t time.Time) (*store.Record, error) {
	args := map[string]string{"path": path, "time": t.Format(time.RFC3339Nano)}
	var rec *store.Record
	err := c.call(Request{Command: CmdAt, Args: args}, &rec)
	return rec, err
}

// Import re-runs the import from disk on the daemon.
func (c *Client) Import() (*importer.Summary, error) {
	resp, err := c.send(Request{Command: CmdImport}, importTimeout)
	if err != nil {
		return nil, err
	}
	var sum importer.Summary
	if err := decodeData(resp, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (c *Client) call(req Request, out any) error {
	resp, err := c.send(req, c.timeout)
	if err != nil {
		return err
	}
	return decodeData(resp, out)
}

// decodeData converts the generic resp.Data into out.
func decodeData(resp *Response, out any) error {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("marshal response data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response data: %w", err)
	}
	return nil
}

// send dials the socket, sends a JSON request, reads the JSON response.
func (c *Client) send(req Request, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	// Send request.
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	// Responses carry file contents and can exceed a scanner line.
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if !resp.OK {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}

	return &resp, nil
}
