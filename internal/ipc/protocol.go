package ipc

import (
	"time"

	"github.com/highbeam/versionfs/internal/commitqueue"
)

// Commands understood by the server.
const (
	CmdPing    = "ping"
	CmdStatus  = "status"
	CmdStop    = "stop"
	CmdFiles   = "files"
	CmdHistory = "history"
	CmdRecord  = "record"
	CmdAt      = "at"
	CmdImport  = "import"
)

// Request is a JSON message sent from client to server.
type Request struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// Response is a JSON message sent from server to client.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// StatusData is returned by the "status" command.
type StatusData struct {
	Uptime    string                 `json:"uptime"`
	Root      string                 `json:"root"`
	Branch    string                 `json:"branch,omitempty"`
	Driver    string                 `json:"driver"`
	Running   bool                   `json:"running"`
	Watching  bool                   `json:"watching"`
	StartedAt time.Time              `json:"started_at"`
	Records   int64                  `json:"records"`
	Paths     int64                  `json:"paths"`
	SizeBytes int64                  `json:"size_bytes"`
	Pending   []commitqueue.Snapshot `json:"pending,omitempty"`
}
