package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxterm/switchboard/internal/audit"
	"github.com/voxterm/switchboard/internal/backend"
	"github.com/voxterm/switchboard/internal/batch"
	"github.com/voxterm/switchboard/internal/cache"
	"github.com/voxterm/switchboard/internal/config"
	"github.com/voxterm/switchboard/internal/eventbus"
	"github.com/voxterm/switchboard/internal/fault"
	"github.com/voxterm/switchboard/internal/manager"
	"github.com/voxterm/switchboard/internal/metrics"
	"github.com/voxterm/switchboard/internal/pool"
	"github.com/voxterm/switchboard/internal/secexec"
)

// Manager is the top-level facade. Every command flows through the security
// executor, is batched, and executes over a pooled control channel routed by
// the backend manager. The facade owns the session registry; nothing else
// creates or removes sessions.
type Manager struct {
	cfg    config.Config
	mgr    *manager.Manager
	bus    *eventbus.Bus
	logger *slog.Logger

	auditLog  *audit.Logger
	mx        *metrics.Metrics
	readCache *cache.Cache[string]
	pool      *pool.Pool
	batcher   *batch.Batcher
	exec      *secexec.Executor

	mu      sync.Mutex
	byID    map[string]*Session
	byName  map[string]*Session
	pending map[string]struct{} // names reserved by an in-flight create
	closed  bool

	stopCh  chan struct{}
	stopped chan struct{}
	unsub   func()
	evDone  chan struct{}
}

// New builds the facade on top of an already-configured backend manager.
// The bus is shared with the manager so health and lifecycle events fan out
// to the same subscribers. Call Start to run the janitor and health monitor,
// Cleanup to tear everything down.
func New(cfg config.Config, mgr *manager.Manager, bus *eventbus.Bus, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = eventbus.New()
	}

	auditLog, err := buildAudit(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		mgr:      mgr,
		bus:      bus,
		logger:   logger.With("component", "session"),
		auditLog: auditLog,
		mx:       metrics.New(),
		readCache: cache.New[string](cache.Config{
			TTL:           cfg.Cache.TTL.Std(),
			MaxEntries:    cfg.Cache.MaxEntries,
			SweepInterval: cfg.Cache.SweepInterval.Std(),
		}),
		byID:    make(map[string]*Session),
		byName:  make(map[string]*Session),
		pending: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
		evDone:  make(chan struct{}),
	}

	m.pool = pool.New(pool.Config{
		MinConnections: cfg.Pool.MinConnections,
		MaxConnections: cfg.Pool.MaxConnections,
		AcquireTimeout: cfg.Pool.AcquireTimeout.Std(),
		IdleTimeout:    cfg.Pool.IdleTimeout.Std(),
		ProbeInterval:  cfg.Pool.ProbeInterval.Std(),
	}, func(ctx context.Context) (pool.RawConn, error) {
		return &managerConn{mgr: mgr}, nil
	}, logger)

	m.batcher = batch.New(batch.Config{
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		MaxWait:       cfg.Batch.MaxWait.Std(),
		MaxInFlight:   cfg.Batch.MaxInFlight,
		Adaptive:      cfg.Batch.Adaptive,
		PerfThreshold: cfg.Batch.PerfThreshold.Std(),
	}, m.flushBatch, logger)

	m.exec = secexec.New(secexec.Config{
		MaxCommandLength: cfg.Security.MaxCommandLength,
		AllowedRoot:      cfg.Security.AllowedRoot,
		RateLimitWindow:  cfg.Security.RateLimitWindow.Std(),
		RateLimitBudget:  cfg.Security.RateLimitBudget,
		BlockDuration:    cfg.Security.BlockDuration.Std(),
		MaxConcurrent:    cfg.Security.MaxConcurrentCommands,
	}, dispatcher{m: m}, auditLog, bus, logger)

	events, unsub := bus.Subscribe()
	m.unsub = unsub
	go m.consumeEvents(events)
	go m.janitor()

	return m, nil
}

// buildAudit assembles the audit logger from the configured sinks.
func buildAudit(cfg config.AuditConfig, logger *slog.Logger) (*audit.Logger, error) {
	var sinks []audit.Sink
	if cfg.FilePath != "" {
		fs, err := audit.NewFileSink(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.DatabasePath != "" {
		ds, err := audit.NewSQLiteSink(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ds)
	}
	return audit.NewLogger(cfg.MemoryEvents, logger, sinks...), nil
}

// Start runs the backend health monitor. Separate from New so tests can
// register backends first.
func (m *Manager) Start(ctx context.Context) {
	m.mgr.Start(ctx)
}

// CreateSession creates a named session. Names are unique: the first caller
// wins and concurrent duplicates fail validation. The name is reserved
// before the backend call so two racing creates cannot both reach a backend.
func (m *Manager) CreateSession(ctx context.Context, name string, ec backend.ExecContext) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fault.New(fault.KindBackendUnavailable, "session.create", "manager is closed")
	}
	_, exists := m.byName[name]
	_, reserved := m.pending[name]
	if exists || reserved {
		m.mu.Unlock()
		return nil, fault.Newf(fault.KindValidation, "session.create", "session %q already exists", name)
	}
	m.pending[name] = struct{}{}
	m.mu.Unlock()

	res, err := m.exec.Execute(ctx, secexec.OpCreateSession, secexec.Request{Name: name, Context: ec})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, name)
		m.mu.Unlock()
		m.recordRefusal(err)
		return nil, err
	}

	s := &Session{
		ID:           uuid.NewString(),
		Name:         name,
		BackendID:    res.Output,
		RemoteID:     res.SessionID,
		CreatedAt:    time.Now(),
		status:       StatusActive,
		lastActivity: time.Now(),
		ring:         NewCaptureRing(m.cfg.Session.CaptureBufferChunks),
	}

	m.mu.Lock()
	delete(m.pending, name)
	m.byID[s.ID] = s
	m.byName[name] = s
	m.mu.Unlock()

	m.readCache.Delete(cache.Key("sessions", ec.Identity()))
	m.mx.SessionsActive.Inc()
	m.bus.Publish(eventbus.Event{
		Type:      eventbus.EventSessionCreated,
		SessionID: s.ID,
		BackendID: s.BackendID,
		Detail:    map[string]string{"name": name, "identity": ec.Identity()},
	})
	m.logger.Info("session created", "session", s.ID, "name", name, "backend", s.BackendID)
	return s, nil
}

// SendCommand routes one command through the guarded pipeline. The session
// may be addressed by id or by name.
func (m *Manager) SendCommand(ctx context.Context, sessionRef, command, paneID string, ec backend.ExecContext) (*backend.Execution, error) {
	s, err := m.lookup(sessionRef)
	if err != nil {
		return nil, err
	}
	if !s.usable() {
		return nil, fault.Newf(fault.KindNotFound, "session.send", "session %q is being destroyed", sessionRef)
	}

	// One in-flight command per session keeps same-session ordering.
	s.dispatchMu.Lock()
	res, err := m.exec.Execute(ctx, secexec.OpExecute, secexec.Request{
		SessionID: s.RemoteID,
		PaneID:    paneID,
		Command:   command,
		Context:   ec,
	})
	s.dispatchMu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
		m.recordRefusal(err)
	}
	m.mx.CommandsTotal.WithLabelValues(s.BackendID, status).Inc()
	if res != nil {
		m.mx.CommandDuration.WithLabelValues(s.BackendID).Observe(res.Duration.Seconds())
		m.mx.Observe("send_command", res.Duration)
	}
	if err != nil {
		return nil, err
	}

	s.touch()
	// The command may change what the pane shows; cached snapshots for the
	// session are stale now.
	m.readCache.DeletePrefix(capturePrefix(s.RemoteID))
	return res, nil
}

// CaptureOutput returns a snapshot of the session's pane, served from the
// capture cache when fresh.
func (m *Manager) CaptureOutput(ctx context.Context, sessionRef, paneID string, ec backend.ExecContext) (string, error) {
	s, err := m.lookup(sessionRef)
	if err != nil {
		return "", err
	}

	key := captureKey(s.RemoteID, paneID)
	if out, ok := m.readCache.Get(key); ok {
		m.updateCacheGauge()
		return out, nil
	}

	res, err := m.exec.Execute(ctx, secexec.OpCapture, secexec.Request{
		BackendID: s.BackendID,
		SessionID: s.RemoteID,
		PaneID:    paneID,
		Context:   ec,
	})
	if err != nil {
		m.recordRefusal(err)
		return "", err
	}
	m.readCache.Put(key, res.Output, 0)
	m.updateCacheGauge()
	return res.Output, nil
}

// BackendSessions enumerates backend-level sessions through the guarded
// pipeline. Listings are cached per identity under a digest key so raw
// identities never enter the key space.
func (m *Manager) BackendSessions(ctx context.Context, ec backend.ExecContext) (map[string][]backend.SessionInfo, error) {
	key := cache.Key("sessions", ec.Identity())
	raw, ok := m.readCache.Get(key)
	if !ok {
		res, err := m.exec.Execute(ctx, secexec.OpListSessions, secexec.Request{Context: ec})
		if err != nil {
			m.recordRefusal(err)
			return nil, err
		}
		raw = res.Output
		m.readCache.Put(key, raw, 0)
	}
	m.updateCacheGauge()

	var out map[string][]backend.SessionInfo
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "session.list", err)
	}
	return out, nil
}

// StartContinuousCapture begins streaming the session's output into its
// capture ring. Chunks arriving after a stop or destroy carry a stale
// generation and are dropped.
func (m *Manager) StartContinuousCapture(ctx context.Context, sessionRef, paneID string, ec backend.ExecContext) error {
	s, err := m.lookup(sessionRef)
	if err != nil {
		return err
	}
	if !s.usable() {
		return fault.Newf(fault.KindNotFound, "session.capture", "session %q is being destroyed", sessionRef)
	}
	b, ok := m.mgr.Backend(s.BackendID)
	if !ok {
		return fault.Newf(fault.KindNotFound, "session.capture", "backend %q not registered", s.BackendID)
	}
	if caps, ok := m.mgr.Capabilities(s.BackendID); !ok || !caps.ContinuousCapture {
		return fault.Newf(fault.KindValidation, "session.capture",
			"backend %q does not support continuous capture", s.BackendID)
	}

	s.mu.Lock()
	if s.stopCapture != nil {
		s.mu.Unlock()
		return fault.New(fault.KindValidation, "session.capture", "continuous capture already running")
	}
	gen := s.generation
	s.mu.Unlock()

	ch, stop, err := b.StartContinuousCapture(ctx, s.RemoteID, paneID, m.cfg.Session.CaptureInterval.Std(), ec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stopCapture = stop
	s.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.EventCaptureStarted, SessionID: s.ID, BackendID: s.BackendID})

	go func() {
		for chunk := range ch {
			s.mu.Lock()
			if s.generation != gen || s.status == StatusDestroyed {
				s.mu.Unlock()
				continue
			}
			ring := s.ring
			s.mu.Unlock()
			ring.Append(chunk)
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.EventCaptureStopped, SessionID: s.ID, BackendID: s.BackendID})
	}()
	return nil
}

// StopContinuousCapture terminates the session's capture stream.
func (m *Manager) StopContinuousCapture(sessionRef string) error {
	s, err := m.lookup(sessionRef)
	if err != nil {
		return err
	}

	s.mu.Lock()
	stop := s.stopCapture
	s.stopCapture = nil
	s.generation++
	s.mu.Unlock()

	if stop == nil {
		return fault.New(fault.KindValidation, "session.capture", "no continuous capture running")
	}
	stop()
	return nil
}

// DestroySession tears down the backend session and removes it from the
// registry as a unit. When the backend call fails the session stays
// registered in a destroy-pending state and the janitor retries teardown.
func (m *Manager) DestroySession(ctx context.Context, sessionRef string, ec backend.ExecContext) error {
	s, err := m.lookup(sessionRef)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return nil
	}
	stop := s.stopCapture
	s.stopCapture = nil
	s.generation++
	s.mu.Unlock()
	if stop != nil {
		stop()
	}

	_, err = m.exec.Execute(ctx, secexec.OpDestroySession, secexec.Request{
		BackendID: s.BackendID,
		SessionID: s.RemoteID,
		Context:   ec,
	})
	if err != nil {
		s.mu.Lock()
		s.destroyPending = true
		s.pendingEC = ec
		s.mu.Unlock()
		m.logger.Warn("session teardown failed, janitor will retry",
			"session", s.ID, "backend", s.BackendID, "error", err)
		return err
	}

	m.remove(s, ec.Identity())
	return nil
}

// remove finalizes a destroyed session: registry removal, cache
// invalidation, gauge, and event.
func (m *Manager) remove(s *Session, identity string) {
	m.mu.Lock()
	delete(m.byID, s.ID)
	delete(m.byName, s.Name)
	m.mu.Unlock()

	s.mu.Lock()
	s.status = StatusDestroyed
	s.destroyPending = false
	s.mu.Unlock()

	m.readCache.DeletePrefix(capturePrefix(s.RemoteID))
	m.readCache.Delete(cache.Key("sessions", identity))
	m.mx.SessionsActive.Dec()
	m.bus.Publish(eventbus.Event{
		Type:      eventbus.EventSessionDestroyed,
		SessionID: s.ID,
		BackendID: s.BackendID,
		Detail:    map[string]string{"name": s.Name, "identity": identity},
	})
	m.logger.Info("session destroyed", "session", s.ID, "name", s.Name)
}

// Sessions returns the registered sessions ordered by creation time.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) lookup(ref string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[ref]; ok {
		return s, nil
	}
	if s, ok := m.byName[ref]; ok {
		return s, nil
	}
	return nil, fault.Newf(fault.KindNotFound, "session.lookup", "session %q not found", ref)
}

// PerformanceStats aggregates the read paths of every layer.
type PerformanceStats struct {
	Pool     pool.Stats
	Batch    batch.Stats
	Cache    cache.Stats
	Routing  manager.Snapshot
	Health   map[string]manager.HealthState
	Ops      map[string]metrics.LatencySummary
	Bus      eventbus.Metrics
	Sessions int
}

// PerformanceMetrics returns a point-in-time view across the stack.
func (m *Manager) PerformanceMetrics() PerformanceStats {
	m.mu.Lock()
	sessions := len(m.byID)
	m.mu.Unlock()

	return PerformanceStats{
		Pool:     m.pool.Stats(),
		Batch:    m.batcher.Stats(),
		Cache:    m.readCache.Stats(),
		Routing:  m.mgr.Metrics(),
		Health:   m.mgr.HealthStatus(),
		Ops:      m.mx.Snapshot(),
		Bus:      m.bus.Metrics(),
		Sessions: sessions,
	}
}

// SecurityMetrics returns the executor's pipeline counters.
func (m *Manager) SecurityMetrics() secexec.Metrics {
	return m.exec.SecurityMetrics()
}

// RecentAuditEvents returns the newest audit events.
func (m *Manager) RecentAuditEvents(n int) []audit.Event {
	return m.exec.RecentEvents(n)
}

// MetricsHandler returns the prometheus scrape endpoint for this instance.
func (m *Manager) MetricsHandler() http.Handler {
	return m.mx.Handler()
}

// Cleanup tears the stack down in dependency order: janitor, health
// monitor, batcher (drains in-flight commands), pool, backends, audit.
// Safe to call more than once.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	close(m.stopCh)
	<-m.stopped

	for _, s := range sessions {
		s.mu.Lock()
		stop := s.stopCapture
		s.stopCapture = nil
		s.generation++
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
	}

	m.mgr.Stop()
	m.batcher.Close()
	poolErr := m.pool.Close()
	backendErr := m.mgr.Close()
	m.readCache.Close()

	m.unsub()
	<-m.evDone

	auditErr := m.auditLog.Close()
	return errors.Join(poolErr, backendErr, auditErr)
}

// janitor periodically marks inactive sessions idle and retries pending
// teardowns.
func (m *Manager) janitor() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cfg.Session.JanitorInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.Session.InactivityTimeout.Std())
	for _, s := range sessions {
		if s.DestroyPending() {
			m.retryDestroy(s)
			continue
		}
		if s.markIdle(cutoff) {
			m.bus.Publish(eventbus.Event{Type: eventbus.EventSessionIdle, SessionID: s.ID, BackendID: s.BackendID})
			m.logger.Debug("session idle", "session", s.ID, "name", s.Name)
		}
	}
}

// retryDestroy goes straight to the backend manager: the original destroy
// already passed the security pipeline and was audited.
func (m *Manager) retryDestroy(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Manager.OperationTimeout.Std())
	defer cancel()

	s.mu.Lock()
	ec := s.pendingEC
	s.mu.Unlock()

	if err := m.mgr.DestroySession(ctx, s.BackendID, s.RemoteID, ec); err != nil {
		m.logger.Warn("session teardown retry failed", "session", s.ID, "error", err)
		return
	}
	m.remove(s, ec.Identity())
}

// consumeEvents keeps the health gauges in step with monitor events and
// exits when the facade unsubscribes.
func (m *Manager) consumeEvents(events <-chan eventbus.Event) {
	defer close(m.evDone)
	for ev := range events {
		switch ev.Type {
		case eventbus.EventBackendHealthy:
			m.mx.BackendHealthy.WithLabelValues(ev.BackendID).Set(1)
		case eventbus.EventBackendUnhealthy:
			m.mx.BackendHealthy.WithLabelValues(ev.BackendID).Set(0)
		case eventbus.EventBackendFailover:
			m.mx.FailoversTotal.Inc()
		}
	}
}

// recordRefusal maps pipeline refusals onto the prometheus counters.
func (m *Manager) recordRefusal(err error) {
	switch fault.KindOf(err) {
	case fault.KindRateLimited:
		m.mx.RateLimitDenials.Inc()
		m.mx.CommandsBlocked.WithLabelValues("rate_limited").Inc()
	case fault.KindValidation:
		m.mx.CommandsBlocked.WithLabelValues("validation").Inc()
	case fault.KindConcurrencyLimit:
		m.mx.CommandsBlocked.WithLabelValues("concurrency").Inc()
	}
}

func (m *Manager) updateCacheGauge() {
	m.mx.CacheHitRate.Set(m.readCache.Stats().HitRate())
}

func capturePrefix(remoteID string) string {
	return "capture:" + remoteID + ":"
}

func captureKey(remoteID, paneID string) string {
	return capturePrefix(remoteID) + paneID
}

// flushBatch executes one batch over a pooled control channel. One Result
// per command, in order.
func (m *Manager) flushBatch(ctx context.Context, cmds []batch.Command) []batch.Result {
	results := make([]batch.Result, len(cmds))

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		if fault.KindOf(err) == fault.KindPoolExhausted {
			m.mx.PoolTimeouts.Inc()
		}
		for i := range results {
			results[i] = batch.Result{Err: err}
		}
		return results
	}
	defer func() {
		m.pool.Release(conn)
		st := m.pool.Stats()
		m.mx.PoolInUse.Set(float64(st.InUse))
		m.mx.PoolIdle.Set(float64(st.Idle))
	}()

	m.mx.BatchSize.Observe(float64(len(cmds)))
	m.mx.BatchFlushes.Inc()

	attributed := m.mgr.BatchAttribution()
	for i, c := range cmds {
		out, err := conn.Exec(ctx, execArgs(c))
		results[i] = batch.Result{Output: out, Err: err}
		if err != nil && !attributed {
			// Without per-command attribution the rest of the batch is
			// unaccounted for after a failure; fail it conservatively.
			abort := fault.Wrap(fault.KindBackendUnavailable, "session.flush", err)
			for j := i + 1; j < len(cmds); j++ {
				results[j] = batch.Result{Err: abort}
			}
			break
		}
	}
	return results
}

// dispatcher adapts the facade to the security executor's routing contract.
// Commands go through the batcher; lifecycle operations go straight to the
// backend manager.
type dispatcher struct {
	m *Manager
}

func (d dispatcher) ExecuteCommand(ctx context.Context, req backend.CommandRequest) (*backend.Execution, error) {
	start := time.Now()
	res, err := d.m.batcher.Submit(ctx, batch.Command{
		SessionID: req.SessionID,
		PaneID:    req.PaneID,
		Text:      req.Command,
		Context:   req.Context,
	})
	exec := &backend.Execution{
		SessionID:   req.SessionID,
		PaneID:      req.PaneID,
		Command:     req.Command,
		SubmittedAt: start,
		Duration:    time.Since(start),
		Output:      res.Output,
	}
	if err == nil {
		err = res.Err
	}
	exec.Err = err
	return exec, err
}

func (d dispatcher) CreateSession(ctx context.Context, name string, ec backend.ExecContext) (*backend.SessionInfo, string, error) {
	return d.m.mgr.CreateSession(ctx, name, ec)
}

func (d dispatcher) DestroySession(ctx context.Context, backendID, sessionID string, ec backend.ExecContext) error {
	return d.m.mgr.DestroySession(ctx, backendID, sessionID, ec)
}

func (d dispatcher) CaptureOutput(ctx context.Context, backendID, sessionID, paneID string, ec backend.ExecContext) (string, error) {
	return d.m.mgr.CaptureOutput(ctx, backendID, sessionID, paneID, ec)
}

func (d dispatcher) ListSessions(ctx context.Context, ec backend.ExecContext) (map[string][]backend.SessionInfo, error) {
	return d.m.mgr.ListSessions(ctx, ec)
}

// managerConn adapts the backend manager to the pool's control-channel
// contract so command dispatch rides the acquire/use/release bracket.
// Exec args are positional: session, pane, command, user, session key,
// client surface.
type managerConn struct {
	mgr *manager.Manager
}

func execArgs(c batch.Command) []string {
	return []string{c.SessionID, c.PaneID, c.Text, c.Context.User, c.Context.SessionKey, c.Context.Client}
}

func (c *managerConn) Exec(ctx context.Context, args []string) (string, error) {
	if len(args) != 6 {
		return "", fault.Newf(fault.KindValidation, "session.conn", "expected 6 args, got %d", len(args))
	}
	res, err := c.mgr.ExecuteCommand(ctx, backend.CommandRequest{
		SessionID: args[0],
		PaneID:    args[1],
		Command:   args[2],
		Context: backend.ExecContext{
			User:       args[3],
			SessionKey: args[4],
			Client:     args[5],
		},
	})
	if err != nil {
		return "", err
	}
	if res.Err != nil {
		return res.Output, res.Err
	}
	return res.Output, nil
}

func (c *managerConn) Ping(ctx context.Context) error {
	for _, hs := range c.mgr.HealthStatus() {
		if hs.Healthy {
			return nil
		}
	}
	return fault.New(fault.KindBackendUnavailable, "session.conn", "no healthy backend")
}

func (c *managerConn) Close() error { return nil }
