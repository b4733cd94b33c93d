// Package audit records every command decision the executor makes.
//
// Each attempt produces exactly one event, whether the command ran,
// failed, or was refused. Events always land in an in-memory ring for
// fast inspection; optional sinks persist them as JSONL or to sqlite.
// A sink failure never fails the command that produced the event.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcomes an event can record.
const (
	OutcomeExecuted    = "executed"
	OutcomeFailed      = "failed"
	OutcomeBlocked     = "blocked"      // failed validation
	OutcomeRateLimited = "rate_limited" // identity over budget
	OutcomeRejected    = "rejected"     // concurrency ceiling hit
)

// Raw command text is capped before storage so a pathological command
// cannot bloat the log.
const maxCommandLen = 512

// Event is one audited command attempt.
type Event struct {
	ID        string        `json:"id"`
	Time      time.Time     `json:"time"`
	Identity  string        `json:"identity"`
	SessionID string        `json:"session_id,omitempty"`
	Command   string        `json:"command"`
	Outcome   string        `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	RiskScore int           `json:"risk_score,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Sink persists events beyond the in-memory ring.
type Sink interface {
	Write(Event) error
	Close() error
}

// Stats counts recorded events per outcome.
type Stats struct {
	Total      uint64
	ByOutcome  map[string]uint64
	SinkErrors uint64
}

// Logger is the append-only audit log. Safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	sinks  []Sink

	mu         sync.Mutex
	ring       []Event
	next       int
	filled     bool
	total      uint64
	byOutcome  map[string]uint64
	sinkErrors uint64
}

// NewLogger creates an audit logger holding the most recent ringSize
// events in memory (default 1024) and fanning out to the given sinks.
func NewLogger(ringSize int, logger *slog.Logger, sinks ...Sink) *Logger {
	if ringSize <= 0 {
		ringSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		logger:    logger.With("component", "audit"),
		sinks:     sinks,
		ring:      make([]Event, ringSize),
		byOutcome: make(map[string]uint64),
	}
}

// Record stores one event. A missing ID or timestamp is filled in, the
// command text is capped, and the event is pushed to every sink.
func (l *Logger) Record(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if len(ev.Command) > maxCommandLen {
		ev.Command = ev.Command[:maxCommandLen]
	}

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.filled = true
	}
	l.total++
	l.byOutcome[ev.Outcome]++
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Write(ev); err != nil {
			l.mu.Lock()
			l.sinkErrors++
			l.mu.Unlock()
			l.logger.Warn("audit sink write failed", "error", err, "event_id", ev.ID)
		}
	}
	return ev
}

// Recent returns up to n events, newest first.
func (l *Logger) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Stats returns a snapshot of event counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	byOutcome := make(map[string]uint64, len(l.byOutcome))
	for k, v := range l.byOutcome {
		byOutcome[k] = v
	}
	return Stats{Total: l.total, ByOutcome: byOutcome, SinkErrors: l.sinkErrors}
}

// Close closes every sink. The in-memory ring stays readable.
func (l *Logger) Close() error {
	l.mu.Lock()
	sinks := l.sinks
	l.sinks = nil
	l.mu.Unlock()

	var firstErr error
	for _, s := range sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
