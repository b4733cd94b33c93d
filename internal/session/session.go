// Package session is the orchestration facade: it owns the session registry
// and wires the security executor, command batcher, connection pool, backend
// manager, capture cache, and audit trail into one surface the callers
// (voice pipeline, CLI, IPC) talk to.
package session

import (
	"sync"
	"time"

	"github.com/voxterm/switchboard/internal/backend"
)

// Status is a session lifecycle state. Transitions: active <-> idle,
// either -> destroyed (terminal).
type Status string

const (
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusDestroyed Status = "destroyed"
)

// Session is one managed terminal session. ID, Name, BackendID, RemoteID,
// and CreatedAt are immutable after creation; everything else is guarded by
// the session mutex.
type Session struct {
	// ID is the orchestrator-level session identifier (uuid).
	ID string

	// Name is the caller-chosen unique session name.
	Name string

	// BackendID is the backend-of-record: the manager registration that
	// created the session and must be addressed for capture and teardown.
	BackendID string

	// RemoteID is the backend-level session identifier (tmux session name,
	// remote host session id).
	RemoteID string

	CreatedAt time.Time

	// dispatchMu serializes command dispatch for the session so concurrent
	// senders cannot interleave their commands on the wire.
	dispatchMu sync.Mutex

	mu             sync.Mutex
	status         Status
	lastActivity   time.Time
	generation     uint64
	destroyPending bool
	pendingEC      backend.ExecContext
	ring           *CaptureRing
	stopCapture    func()
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the time of the last successful command.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// DestroyPending reports whether backend teardown failed and is awaiting a
// janitor retry.
func (s *Session) DestroyPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyPending
}

// Captured returns the buffered continuous-capture chunks, oldest first.
func (s *Session) Captured() []backend.CaptureChunk {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()
	return ring.Chunks()
}

// touch records activity and flips an idle session back to active.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if s.status == StatusIdle {
		s.status = StatusActive
	}
}

// markIdle transitions active -> idle when the last activity predates the
// cutoff. Returns true on transition.
func (s *Session) markIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive || s.lastActivity.After(cutoff) {
		return false
	}
	s.status = StatusIdle
	return true
}

// usable reports whether the session accepts commands.
func (s *Session) usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != StatusDestroyed && !s.destroyPending
}

// CaptureRing is a bounded buffer of capture chunks. When full, appending
// evicts the oldest chunk.
type CaptureRing struct {
	mu   sync.Mutex
	buf  []backend.CaptureChunk
	next int
	full bool
}

// NewCaptureRing creates a ring holding up to n chunks.
func NewCaptureRing(n int) *CaptureRing {
	if n < 1 {
		n = 1
	}
	return &CaptureRing{buf: make([]backend.CaptureChunk, n)}
}

// Append stores a chunk, evicting the oldest when the ring is full.
func (r *CaptureRing) Append(c backend.CaptureChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = c
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of buffered chunks.
func (r *CaptureRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Chunks returns the buffered chunks in arrival order.
func (r *CaptureRing) Chunks() []backend.CaptureChunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]backend.CaptureChunk, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]backend.CaptureChunk, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
