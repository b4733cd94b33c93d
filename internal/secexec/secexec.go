// Package secexec is the guarded dispatch path for terminal commands.
//
// Every operation passes the same pipeline: input validation (operation
// allow-list, length cap, shell metacharacter rejection, path containment),
// a per-identity rate limit with a temporary block on breach, and a
// concurrency ceiling that rejects rather than queues. Whatever the
// outcome, exactly one audit event is written per attempt.
package secexec

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/voxterm/switchboard/internal/audit"
	"github.com/voxterm/switchboard/internal/backend"
	"github.com/voxterm/switchboard/internal/eventbus"
	"github.com/voxterm/switchboard/internal/fault"
	"github.com/voxterm/switchboard/internal/ratelimit"
)

// OpType names a guarded operation.
type OpType string

const (
	OpExecute        OpType = "execute"
	OpCreateSession  OpType = "create_session"
	OpDestroySession OpType = "destroy_session"
	OpCapture        OpType = "capture"
	OpListSessions   OpType = "list_sessions"
)

// allowedOps is the operation allow-list. Anything else is refused before
// validation even looks at the payload.
var allowedOps = map[OpType]bool{
	OpExecute:        true,
	OpCreateSession:  true,
	OpDestroySession: true,
	OpCapture:        true,
	OpListSessions:   true,
}

// Request carries the inputs for one guarded operation. Fields irrelevant
// to the operation are ignored by it.
type Request struct {
	SessionID string
	BackendID string
	PaneID    string
	Command   string
	Name      string
	Context   backend.ExecContext
}

// Dispatcher is the routing layer the executor hands validated work to.
// *manager.Manager satisfies it.
type Dispatcher interface {
	ExecuteCommand(ctx context.Context, req backend.CommandRequest) (*backend.Execution, error)
	CreateSession(ctx context.Context, name string, ec backend.ExecContext) (*backend.SessionInfo, string, error)
	DestroySession(ctx context.Context, backendID, sessionID string, ec backend.ExecContext) error
	CaptureOutput(ctx context.Context, backendID, sessionID, paneID string, ec backend.ExecContext) (string, error)
	ListSessions(ctx context.Context, ec backend.ExecContext) (map[string][]backend.SessionInfo, error)
}

// Config tunes the executor. Zero values take the documented defaults.
type Config struct {
	MaxCommandLength int    // reject longer commands (default 10000)
	AllowedRoot      string // when set, absolute paths must stay under it

	RateLimitWindow time.Duration // budget window (default 1m)
	RateLimitBudget int           // commands per window (default 60)
	BlockDuration   time.Duration // cooldown after a breach (default 5m)

	MaxConcurrent int // commands in flight; excess rejected (default 32)
}

func (c *Config) applyDefaults() {
	if c.MaxCommandLength <= 0 {
		c.MaxCommandLength = 10000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 32
	}
}

// Metrics counts pipeline outcomes. RiskBuckets groups executed commands
// by risk band: low (0-2), medium (3-5), high (6+).
type Metrics struct {
	Validated   uint64
	Blocked     uint64
	RateLimited uint64
	Rejected    uint64
	Executed    uint64
	Failed      uint64
	RiskBuckets map[string]uint64
}

// Executor guards all terminal-touching operations.
type Executor struct {
	cfg        Config
	dispatcher Dispatcher
	limiter    *ratelimit.Limiter
	auditLog   *audit.Logger
	bus        *eventbus.Bus
	logger     *slog.Logger

	slots chan struct{}

	mu          sync.Mutex
	validated   uint64
	blocked     uint64
	rateLimited uint64
	rejected    uint64
	executed    uint64
	failed      uint64
	riskBuckets map[string]uint64
}

// New creates an executor. The audit logger is required; the bus may be nil.
func New(cfg Config, d Dispatcher, auditLog *audit.Logger, bus *eventbus.Bus, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:        cfg,
		dispatcher: d,
		limiter: ratelimit.New(ratelimit.Config{
			Window:        cfg.RateLimitWindow,
			Budget:        cfg.RateLimitBudget,
			BlockDuration: cfg.BlockDuration,
		}),
		auditLog:    auditLog,
		bus:         bus,
		logger:      logger.With("component", "secexec"),
		slots:       make(chan struct{}, cfg.MaxConcurrent),
		riskBuckets: make(map[string]uint64),
	}
}

// Execute runs one guarded operation. Every attempt writes exactly one
// audit event regardless of outcome.
func (e *Executor) Execute(ctx context.Context, op OpType, req Request) (*backend.Execution, error) {
	identity := req.Context.Identity()
	start := time.Now()
	risk := riskScore(req.Command)

	ev := audit.Event{
		Identity:  identity,
		SessionID: req.SessionID,
		Command:   req.Command,
		RiskScore: risk,
	}

	// 1. Validation.
	if err := e.validate(op, req); err != nil {
		e.count(func() { e.blocked++ })
		ev.Outcome = audit.OutcomeBlocked
		ev.Reason = err.Error()
		ev.Duration = time.Since(start)
		e.auditLog.Record(ev)
		e.publishBlocked(req, err.Error())
		return nil, err
	}
	e.count(func() { e.validated++ })

	// 2. Rate limit.
	if d := e.limiter.Allow(identity); !d.Allowed {
		e.count(func() { e.rateLimited++ })
		ev.Outcome = audit.OutcomeRateLimited
		ev.Reason = "command budget exhausted"
		ev.Duration = time.Since(start)
		e.auditLog.Record(ev)
		return nil, fault.Newf(fault.KindRateLimited, "secexec.limit",
			"identity %q over budget, retry in %s", identity, d.RetryAfter.Round(time.Second))
	}

	// 3. Concurrency ceiling. Rejection, not queueing: a voice caller
	// would rather hear "busy" than wait on an unbounded backlog.
	select {
	case e.slots <- struct{}{}:
	default:
		e.count(func() { e.rejected++ })
		ev.Outcome = audit.OutcomeRejected
		ev.Reason = "concurrency ceiling reached"
		ev.Duration = time.Since(start)
		e.auditLog.Record(ev)
		return nil, fault.Newf(fault.KindConcurrencyLimit, "secexec.admit",
			"%d commands already in flight", e.cfg.MaxConcurrent)
	}
	defer func() { <-e.slots }()

	// 4. Dispatch.
	exec, err := e.dispatch(ctx, op, req)

	// 5. Audit, success or failure.
	ev.Duration = time.Since(start)
	if err != nil {
		e.count(func() { e.failed++ })
		ev.Outcome = audit.OutcomeFailed
		ev.Reason = err.Error()
		e.auditLog.Record(ev)
		return nil, err
	}
	e.count(func() {
		e.executed++
		e.riskBuckets[riskBucket(risk)]++
	})
	ev.Outcome = audit.OutcomeExecuted
	e.auditLog.Record(ev)

	if exec != nil {
		exec.RiskScore = risk
	}
	return exec, nil
}

func (e *Executor) dispatch(ctx context.Context, op OpType, req Request) (*backend.Execution, error) {
	switch op {
	case OpExecute:
		return e.dispatcher.ExecuteCommand(ctx, backend.CommandRequest{
			SessionID: req.SessionID,
			PaneID:    req.PaneID,
			Command:   req.Command,
			Context:   req.Context,
		})
	case OpCreateSession:
		info, ownerID, err := e.dispatcher.CreateSession(ctx, req.Name, req.Context)
		if err != nil {
			return nil, err
		}
		return &backend.Execution{SessionID: info.ID, Output: ownerID, SubmittedAt: time.Now()}, nil
	case OpDestroySession:
		if err := e.dispatcher.DestroySession(ctx, req.BackendID, req.SessionID, req.Context); err != nil {
			return nil, err
		}
		return &backend.Execution{SessionID: req.SessionID, SubmittedAt: time.Now()}, nil
	case OpCapture:
		out, err := e.dispatcher.CaptureOutput(ctx, req.BackendID, req.SessionID, req.PaneID, req.Context)
		if err != nil {
			return nil, err
		}
		return &backend.Execution{SessionID: req.SessionID, Output: out, SubmittedAt: time.Now()}, nil
	case OpListSessions:
		all, err := e.dispatcher.ListSessions(ctx, req.Context)
		if err != nil {
			return nil, err
		}
		// The listing rides Output as JSON; Execution carries no richer
		// payload field.
		data, err := json.Marshal(all)
		if err != nil {
			return nil, fault.Wrap(fault.KindUnknown, "secexec.dispatch", err)
		}
		return &backend.Execution{Output: string(data), SubmittedAt: time.Now()}, nil
	default:
		// Unreachable: validate rejects unknown ops first.
		return nil, fault.Newf(fault.KindValidation, "secexec.dispatch", "unknown operation %q", op)
	}
}

// RecentEvents exposes the newest audit events, for the status surfaces.
func (e *Executor) RecentEvents(n int) []audit.Event {
	return e.auditLog.Recent(n)
}

// SecurityMetrics returns a snapshot of pipeline counters.
func (e *Executor) SecurityMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	buckets := make(map[string]uint64, len(e.riskBuckets))
	for k, v := range e.riskBuckets {
		buckets[k] = v
	}
	return Metrics{
		Validated:   e.validated,
		Blocked:     e.blocked,
		RateLimited: e.rateLimited,
		Rejected:    e.rejected,
		Executed:    e.executed,
		Failed:      e.failed,
		RiskBuckets: buckets,
	}
}

// LimiterStats exposes the rate limiter counters.
func (e *Executor) LimiterStats() ratelimit.Stats {
	return e.limiter.Stats()
}

// GCIdentities drops rate-limit entries idle longer than maxIdle.
func (e *Executor) GCIdentities(maxIdle time.Duration) int {
	return e.limiter.GC(maxIdle)
}

func (e *Executor) count(fn func()) {
	e.mu.Lock()
	fn()
	e.mu.Unlock()
}

func (e *Executor) publishBlocked(req Request, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type:      eventbus.EventCommandBlocked,
		SessionID: req.SessionID,
		Detail: map[string]string{
			"identity": req.Context.Identity(),
			"reason":   reason,
		},
	})
}

func riskBucket(score int) string {
	switch {
	case score >= 6:
		return "high"
	case score >= 3:
		return "medium"
	default:
		return "low"
	}
}
