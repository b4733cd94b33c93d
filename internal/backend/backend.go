// Package backend provides a pluggable abstraction over terminal
// multiplexer technologies.
//
// A Backend executes session lifecycle and command operations against one
// underlying terminal technology. Two implementations exist: TmuxBackend
// (local tmux subprocess) and RemoteBackend (JSON-over-HTTP control API with
// a WebSocket capture stream). Each declares a static capability set so the
// backend manager can route operations only to capable backends.
//
// All operations take a context and return classified errors (internal/fault
// kinds) rather than panicking across the interface boundary, so the manager
// handles failure uniformly without type-specific checks.
package backend

import (
	"context"
	"time"
)

// ExecContext identifies the caller of an operation. It is attached to every
// dispatch for audit and rate-limiting; operations without one are rejected
// before they reach a backend.
type ExecContext struct {
	// User is the human or service identity issuing the command.
	User string

	// SessionKey is the caller's conversation/session handle (voice session,
	// IPC channel), distinct from the terminal session being addressed.
	SessionKey string

	// Client names the calling surface ("voice", "cli", "ipc").
	Client string
}

// Identity returns the rate-limit/audit key for this context.
func (ec ExecContext) Identity() string {
	if ec.User != "" {
		return ec.User
	}
	if ec.SessionKey != "" {
		return ec.SessionKey
	}
	return "anonymous"
}

// Capabilities declares what a backend implementation supports.
type Capabilities struct {
	// BatchExecution indicates multiple commands may be dispatched in one
	// control-channel call.
	BatchExecution bool

	// ContinuousCapture indicates the backend can stream output without
	// per-snapshot polling by the caller.
	ContinuousCapture bool

	// PushCapture indicates continuous capture is server-push (WebSocket)
	// rather than poll-based.
	PushCapture bool

	// BatchAttribution indicates the backend reports per-command results
	// for a failed batch. Without it, a batch failure fails every command
	// in the batch.
	BatchAttribution bool
}

// HealthSnapshot is a point-in-time view of backend health.
type HealthSnapshot struct {
	Healthy   bool
	Latency   time.Duration
	CheckedAt time.Time
	Detail    string
}

// SessionInfo is backend-level session metadata.
type SessionInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Windows   int
	Attached  bool
}

// CommandRequest is one request to run a command against a session/pane.
type CommandRequest struct {
	SessionID string
	PaneID    string
	Command   string
	Context   ExecContext
}

// Execution records the outcome of one command dispatch. Duration is always
// populated, success or failure.
type Execution struct {
	SessionID   string
	PaneID      string
	Command     string
	SubmittedAt time.Time
	Duration    time.Duration
	Output      string
	Err         error
	RiskScore   int
}

// Succeeded reports whether the execution completed without error.
func (e *Execution) Succeeded() bool { return e.Err == nil }

// CaptureChunk is one unit of continuously captured output.
type CaptureChunk struct {
	SessionID string
	PaneID    string
	Data      string
	At        time.Time
}

// Config holds backend-specific initialization values. Fields not relevant
// to an implementation are ignored by it.
type Config struct {
	// SocketName selects a tmux server socket (tmux -L). Empty uses the
	// default server.
	SocketName string

	// CommandTimeout bounds each control-channel call.
	CommandTimeout time.Duration

	// BaseURL and Token configure the remote backend.
	BaseURL string
	Token   string
}

// Backend executes session lifecycle and command operations against one
// underlying terminal technology.
type Backend interface {
	// Type returns the backend type identifier ("tmux", "remote").
	Type() string

	// Initialize prepares the backend for use (verifies the underlying
	// technology is reachable).
	Initialize(ctx context.Context, cfg Config) error

	// ExecuteCommand runs a command in a session and returns its execution
	// record. The record's Duration is set even when Err is non-nil.
	ExecuteCommand(ctx context.Context, req CommandRequest) (*Execution, error)

	// CreateSession creates a backend-level session with the given name.
	CreateSession(ctx context.Context, name string, ec ExecContext) (*SessionInfo, error)

	// DestroySession releases the backend-level session and its resources.
	DestroySession(ctx context.Context, sessionID string, ec ExecContext) error

	// CaptureOutput returns a snapshot of the session's pane scrollback.
	CaptureOutput(ctx context.Context, sessionID, paneID string, ec ExecContext) (string, error)

	// StartContinuousCapture begins streaming output chunks. The returned
	// stop function terminates the stream and closes the channel; it is
	// safe to call more than once.
	StartContinuousCapture(ctx context.Context, sessionID, paneID string, interval time.Duration, ec ExecContext) (<-chan CaptureChunk, func(), error)

	// ListSessions enumerates backend-level sessions.
	ListSessions(ctx context.Context, ec ExecContext) ([]SessionInfo, error)

	// Capabilities returns the backend's static capability set.
	Capabilities() Capabilities

	// Health performs a lightweight liveness probe.
	Health(ctx context.Context) HealthSnapshot

	// Close releases backend resources. Operations after Close fail.
	Close() error
}
