// Package manager routes operations across registered terminal backends.
//
// The manager owns backend registrations and their health state. A
// background monitor probes each backend on an interval and applies
// hysteresis: a backend must fail several consecutive probes to be marked
// unhealthy and succeed several consecutive probes to recover, so a single
// blip never flips routing. Operations select a backend through the
// configured strategy, retry alternates on retryable failures, and surface
// an aggregate error only when every candidate is exhausted.
//
// Hot-swap replaces a backend under a stable id: new operations route to
// the replacement immediately while in-flight operations drain for a grace
// period, after which they are force-cancelled.
package manager

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/voxterm/switchboard/internal/backend"
	"github.com/voxterm/switchboard/internal/eventbus"
	"github.com/voxterm/switchboard/internal/fault"
)

// Config tunes routing, health monitoring, and failover. Zero values take
// the documented defaults. Thresholds are operational policy; the invariant
// is only that flips require consecutive results, never a single probe.
type Config struct {
	Strategy          string
	HealthInterval    time.Duration // probe cadence (default 10s)
	FailureThreshold  int           // consecutive failures to mark unhealthy (default 3)
	RecoveryThreshold int           // consecutive successes to recover (default 2)
	MaxRetries        int           // alternate backends tried after the first (default 2)
	RetryBackoff      time.Duration // delay between failover attempts (default 200ms)
	DrainGrace        time.Duration // hot-swap drain window (default 10s)
	OperationTimeout  time.Duration // per-attempt deadline (default 15s)
	ABTesting         bool          // sticky per-identity variant routing
}

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 15 * time.Second
	}
}

// HealthState is the monitor's view of one backend. Mutated only by the
// monitor loop; reads get a copy.
type HealthState struct {
	Healthy              bool
	Latency              time.Duration // probe latency EWMA
	ErrorRate            float64       // probe failure EWMA, 0..1
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastChecked          time.Time
	LastError            string
}

// registration binds a backend to its routing state.
type registration struct {
	id      string
	backend backend.Backend
	weight  int
	caps    backend.Capabilities

	mu            sync.Mutex
	health        HealthState
	inFlight      int
	nextOp        int
	cancels       map[int]context.CancelFunc
	draining      bool
	drained       chan struct{}
	drainedClosed bool
	commands      uint64
	failures      uint64
	latencySum    time.Duration
}

func newRegistration(id string, b backend.Backend, weight int) *registration {
	return &registration{
		id:      id,
		backend: b,
		weight:  weight,
		caps:    b.Capabilities(),
		health:  HealthState{Healthy: true},
		cancels: make(map[int]context.CancelFunc),
		drained: make(chan struct{}),
	}
}

var errDraining = fault.New(fault.KindBackendUnavailable, "manager.route", "backend is draining")

// begin admits one operation. The returned context is cancelled by finish,
// by a hot-swap force-fail, or by the per-attempt deadline.
func (r *registration) begin(ctx context.Context, timeout time.Duration) (context.Context, func(error, time.Duration), error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		cancel()
		return nil, nil, errDraining
	}
	id := r.nextOp
	r.nextOp++
	r.cancels[id] = cancel
	r.inFlight++
	r.mu.Unlock()

	finish := func(err error, d time.Duration) {
		cancel()
		r.mu.Lock()
		delete(r.cancels, id)
		r.inFlight--
		r.commands++
		r.latencySum += d
		if err != nil {
			r.failures++
		}
		if r.draining && r.inFlight == 0 && !r.drainedClosed {
			close(r.drained)
			r.drainedClosed = true
		}
		r.mu.Unlock()
	}
	return opCtx, finish, nil
}

// markDraining stops admitting operations and returns a channel closed when
// the last in-flight operation finishes.
func (r *registration) markDraining() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
	if r.inFlight == 0 && !r.drainedClosed {
		close(r.drained)
		r.drainedClosed = true
	}
	return r.drained
}

// forceCancel aborts every in-flight operation on this registration.
func (r *registration) forceCancel() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for id, cancel := range r.cancels {
		delete(r.cancels, id)
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (r *registration) snapshot() candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return candidate{
		id:        r.id,
		weight:    r.weight,
		latency:   r.health.Latency,
		errorRate: r.health.ErrorRate,
		inFlight:  r.inFlight,
	}
}

// BackendMetrics summarizes one backend's routing activity.
type BackendMetrics struct {
	ID         string
	Type       string
	Weight     int
	Healthy    bool
	InFlight   int
	Commands   uint64
	Failures   uint64
	AvgLatency time.Duration
}

// Snapshot is the manager-wide metrics view.
type Snapshot struct {
	Strategy  string
	Failovers uint64
	Backends  []BackendMetrics
}

// Manager routes operations across registered backends.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	bus      *eventbus.Bus
	strategy Strategy

	mu        sync.Mutex
	regs      map[string]*registration
	order     []string
	failovers uint64
	started   bool
	stopCh    chan struct{}
	stopped   chan struct{}
}

// New creates a manager. The bus may be nil when no one listens.
func New(cfg Config, bus *eventbus.Bus, logger *slog.Logger) (*Manager, error) {
	cfg.applyDefaults()
	strategy, err := newStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "manager"),
		bus:      bus,
		strategy: strategy,
		regs:     make(map[string]*registration),
	}, nil
}

// Register adds a backend under id. The first registered backend is the
// primary for order-sensitive strategies. Backends start healthy and earn
// an unhealthy mark only through consecutive probe failures.
func (m *Manager) Register(id string, b backend.Backend, weight int) error {
	m.mu.Lock()
	if _, exists := m.regs[id]; exists {
		m.mu.Unlock()
		return fault.Newf(fault.KindValidation, "manager.register", "backend %q already registered", id)
	}
	m.regs[id] = newRegistration(id, b, weight)
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Info("backend registered", "backend", id, "type", b.Type(), "weight", weight)
	m.publish(eventbus.Event{Type: eventbus.EventBackendAdded, BackendID: id})
	return nil
}

// Remove detaches and closes the backend under id.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	reg, ok := m.regs[id]
	if !ok {
		m.mu.Unlock()
		return fault.Newf(fault.KindNotFound, "manager.remove", "backend %q not registered", id)
	}
	delete(m.regs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := reg.backend.Close(); err != nil {
		m.logger.Warn("closing removed backend", "backend", id, "error", err)
	}
	m.publish(eventbus.Event{Type: eventbus.EventBackendRemoved, BackendID: id})
	return nil
}

// Backend returns the backend registered under id, for session-affine
// operations (continuous capture) that must not be rerouted.
func (m *Manager) Backend(id string) (backend.Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return nil, false
	}
	return reg.backend, true
}

// Capabilities returns the capability set declared by the backend under id.
func (m *Manager) Capabilities(id string) (backend.Capabilities, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return backend.Capabilities{}, false
	}
	return reg.caps, true
}

// BatchAttribution reports whether every registered backend delivers
// per-command results for a failed batch. A batch may be routed to any of
// them, so one backend without attribution forces the conservative
// whole-batch failure path.
func (m *Manager) BatchAttribution() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.regs) == 0 {
		return false
	}
	for _, reg := range m.regs {
		if !reg.caps.BatchAttribution {
			return false
		}
	}
	return true
}

// candidates returns healthy, non-draining registrations in registration
// order, skipping excluded ids.
func (m *Manager) candidates(exclude map[string]bool) []*registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*registration
	for _, id := range m.order {
		reg := m.regs[id]
		if reg == nil || exclude[id] {
			continue
		}
		reg.mu.Lock()
		ok := reg.health.Healthy && !reg.draining
		reg.mu.Unlock()
		if ok {
			out = append(out, reg)
		}
	}
	return out
}

// pick selects one backend. With A/B testing enabled and at least two
// candidates, the identity hashes to a sticky variant; otherwise the
// configured strategy decides.
func (m *Manager) pick(identity string, exclude map[string]bool) *registration {
	regs := m.candidates(exclude)
	if len(regs) == 0 {
		return nil
	}

	if m.cfg.ABTesting && identity != "" && len(regs) >= 2 {
		h := fnv.New32a()
		h.Write([]byte(identity))
		return regs[int(h.Sum32()%2)]
	}

	cands := make([]candidate, len(regs))
	for i, reg := range regs {
		cands[i] = reg.snapshot()
	}
	idx := m.strategy.pick(cands)
	if idx < 0 || idx >= len(regs) {
		idx = 0
	}
	return regs[idx]
}

// withFailover runs fn against the selected backend, retrying alternates on
// retryable failures up to MaxRetries. Terminal faults (validation, not
// found, rate limit, timeout) return immediately; exhaustion surfaces a
// backend-unavailable error wrapping every attempt.
func (m *Manager) withFailover(ctx context.Context, op, identity string, fn func(context.Context, backend.Backend) error) error {
	tried := make(map[string]bool)
	var attemptErrs []error

	attempts := m.cfg.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		reg := m.pick(identity, tried)
		if reg == nil {
			break
		}
		tried[reg.id] = true
		if i > 0 {
			m.mu.Lock()
			m.failovers++
			m.mu.Unlock()
			m.publish(eventbus.Event{Type: eventbus.EventBackendFailover, BackendID: reg.id,
				Detail: map[string]string{"op": op}})
		}

		opCtx, finish, err := reg.begin(ctx, m.cfg.OperationTimeout)
		if err != nil {
			attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", reg.id, err))
			continue
		}
		start := time.Now()
		err = fn(opCtx, reg.backend)
		finish(err, time.Since(start))

		if err == nil {
			return nil
		}
		if kind := fault.KindOf(err); kind != fault.KindUnknown && !kind.Retryable() {
			return err
		}
		attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", reg.id, err))
		m.logger.Warn("backend operation failed", "op", op, "backend", reg.id, "attempt", i+1, "error", err)

		if i < attempts-1 {
			select {
			case <-time.After(m.cfg.RetryBackoff):
			case <-ctx.Done():
				return fault.Wrap(fault.KindTimeout, op, ctx.Err())
			}
		}
	}

	if len(attemptErrs) == 0 {
		return fault.New(fault.KindBackendUnavailable, op, "no healthy backend available")
	}
	return fault.Wrap(fault.KindBackendUnavailable, op, errors.Join(attemptErrs...))
}

// ExecuteCommand dispatches a command through the selected backend.
func (m *Manager) ExecuteCommand(ctx context.Context, req backend.CommandRequest) (*backend.Execution, error) {
	var exec *backend.Execution
	err := m.withFailover(ctx, "manager.execute", req.Context.Identity(), func(ctx context.Context, b backend.Backend) error {
		e, err := b.ExecuteCommand(ctx, req)
		if err != nil {
			return err
		}
		exec = e
		return nil
	})
	return exec, err
}

// CreateSession creates a session on the selected backend and returns both
// the session info and the id of the backend that now owns it.
func (m *Manager) CreateSession(ctx context.Context, name string, ec backend.ExecContext) (*backend.SessionInfo, string, error) {
	var (
		info    *backend.SessionInfo
		ownerID string
	)
	err := m.withFailover(ctx, "manager.create_session", ec.Identity(), func(ctx context.Context, b backend.Backend) error {
		si, err := b.CreateSession(ctx, name, ec)
		if err != nil {
			return err
		}
		info = si
		ownerID = m.ownerOf(b)
		return nil
	})
	return info, ownerID, err
}

// ownerOf resolves a backend value back to its registration id.
func (m *Manager) ownerOf(b backend.Backend) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, reg := range m.regs {
		if reg.backend == b {
			return id
		}
	}
	return ""
}

// DestroySession tears down a session on its owning backend.
func (m *Manager) DestroySession(ctx context.Context, backendID, sessionID string, ec backend.ExecContext) error {
	reg := m.lookup(backendID)
	if reg == nil {
		return fault.Newf(fault.KindNotFound, "manager.destroy_session", "backend %q not registered", backendID)
	}
	opCtx, finish, err := reg.begin(ctx, m.cfg.OperationTimeout)
	if err != nil {
		return err
	}
	start := time.Now()
	err = reg.backend.DestroySession(opCtx, sessionID, ec)
	finish(err, time.Since(start))
	return err
}

// CaptureOutput snapshots a session's scrollback from its owning backend.
func (m *Manager) CaptureOutput(ctx context.Context, backendID, sessionID, paneID string, ec backend.ExecContext) (string, error) {
	reg := m.lookup(backendID)
	if reg == nil {
		return "", fault.Newf(fault.KindNotFound, "manager.capture", "backend %q not registered", backendID)
	}
	opCtx, finish, err := reg.begin(ctx, m.cfg.OperationTimeout)
	if err != nil {
		return "", err
	}
	start := time.Now()
	out, err := reg.backend.CaptureOutput(opCtx, sessionID, paneID, ec)
	finish(err, time.Since(start))
	return out, err
}

// ListSessions enumerates sessions across every registered backend.
func (m *Manager) ListSessions(ctx context.Context, ec backend.ExecContext) (map[string][]backend.SessionInfo, error) {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	out := make(map[string][]backend.SessionInfo, len(ids))
	var errs []error
	for _, id := range ids {
		reg := m.lookup(id)
		if reg == nil {
			continue
		}
		opCtx, finish, err := reg.begin(ctx, m.cfg.OperationTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		start := time.Now()
		sessions, err := reg.backend.ListSessions(opCtx, ec)
		finish(err, time.Since(start))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		out[id] = sessions
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, fault.Wrap(fault.KindBackendUnavailable, "manager.list_sessions", errors.Join(errs...))
	}
	return out, nil
}

func (m *Manager) lookup(id string) *registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[id]
}

// HotSwap replaces the backend under id with an already-initialized
// replacement. New operations route to the replacement immediately;
// in-flight operations get DrainGrace to finish before being cancelled.
func (m *Manager) HotSwap(ctx context.Context, id string, replacement backend.Backend) error {
	m.mu.Lock()
	old, ok := m.regs[id]
	if !ok {
		m.mu.Unlock()
		return fault.Newf(fault.KindNotFound, "manager.hotswap", "backend %q not registered", id)
	}
	m.regs[id] = newRegistration(id, replacement, old.weight)
	m.mu.Unlock()

	m.logger.Info("hot-swapping backend", "backend", id, "replacement_type", replacement.Type())

	drained := old.markDraining()
	select {
	case <-drained:
	case <-time.After(m.cfg.DrainGrace):
		m.logger.Warn("drain grace elapsed, cancelling in-flight operations", "backend", id)
		old.forceCancel()
		select {
		case <-drained:
		case <-ctx.Done():
			return fault.Wrap(fault.KindTimeout, "manager.hotswap", ctx.Err())
		}
	case <-ctx.Done():
		return fault.Wrap(fault.KindTimeout, "manager.hotswap", ctx.Err())
	}

	if err := old.backend.Close(); err != nil {
		m.logger.Warn("closing swapped-out backend", "backend", id, "error", err)
	}
	m.publish(eventbus.Event{Type: eventbus.EventBackendSwapped, BackendID: id})
	return nil
}

// HealthStatus returns a copy of every backend's health state.
func (m *Manager) HealthStatus() map[string]HealthState {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	out := make(map[string]HealthState, len(regs))
	for _, reg := range regs {
		reg.mu.Lock()
		out[reg.id] = reg.health
		reg.mu.Unlock()
	}
	return out
}

// Metrics returns a snapshot of routing counters.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	snap := Snapshot{Strategy: m.strategy.Name(), Failovers: m.failovers}
	regsByID := make(map[string]*registration, len(m.regs))
	for id, reg := range m.regs {
		regsByID[id] = reg
	}
	m.mu.Unlock()

	for _, id := range ids {
		reg := regsByID[id]
		if reg == nil {
			continue
		}
		reg.mu.Lock()
		bm := BackendMetrics{
			ID:       id,
			Type:     reg.backend.Type(),
			Weight:   reg.weight,
			Healthy:  reg.health.Healthy,
			InFlight: reg.inFlight,
			Commands: reg.commands,
			Failures: reg.failures,
		}
		if reg.commands > 0 {
			bm.AvgLatency = reg.latencySum / time.Duration(reg.commands)
		}
		reg.mu.Unlock()
		snap.Backends = append(snap.Backends, bm)
	}
	return snap
}

// Start launches the health monitor loop. Safe to call once.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	m.mu.Unlock()

	go m.monitorLoop(ctx)
}

// Stop halts the health monitor loop. Registered backends stay usable.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stopCh, stopped := m.stopCh, m.stopped
	m.mu.Unlock()

	close(stopCh)
	<-stopped
}

// Close stops the monitor and closes every registered backend.
func (m *Manager) Close() error {
	m.Stop()

	m.mu.Lock()
	regs := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.regs = make(map[string]*registration)
	m.order = nil
	m.mu.Unlock()

	var firstErr error
	for _, reg := range regs {
		if err := reg.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkBackends(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkBackends probes every backend once and applies the hysteresis
// thresholds. Updates for one backend are serialized here; nothing else
// writes HealthState.
func (m *Manager) checkBackends(ctx context.Context) {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	for _, reg := range regs {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
		snap := reg.backend.Health(probeCtx)
		cancel()
		m.applyProbe(reg, snap)
	}
}

// EWMA smoothing factor for probe latency and error rate.
const ewmaAlpha = 0.3

func (m *Manager) applyProbe(reg *registration, snap backend.HealthSnapshot) {
	var flipped *bool

	reg.mu.Lock()
	st := &reg.health
	st.LastChecked = time.Now()
	if snap.Healthy {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		if st.Latency == 0 {
			st.Latency = snap.Latency
		} else {
			st.Latency = time.Duration(float64(st.Latency)*(1-ewmaAlpha) + float64(snap.Latency)*ewmaAlpha)
		}
		st.ErrorRate *= 1 - ewmaAlpha
		if !st.Healthy && st.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
			st.Healthy = true
			up := true
			flipped = &up
		}
	} else {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		st.ErrorRate = st.ErrorRate*(1-ewmaAlpha) + ewmaAlpha
		st.LastError = snap.Detail
		if st.Healthy && st.ConsecutiveFailures >= m.cfg.FailureThreshold {
			st.Healthy = false
			down := false
			flipped = &down
		}
	}
	reg.mu.Unlock()

	if flipped == nil {
		return
	}
	if *flipped {
		m.logger.Info("backend recovered", "backend", reg.id)
		m.publish(eventbus.Event{Type: eventbus.EventBackendHealthy, BackendID: reg.id})
	} else {
		m.logger.Warn("backend marked unhealthy", "backend", reg.id, "detail", snap.Detail)
		m.publish(eventbus.Event{Type: eventbus.EventBackendUnhealthy, BackendID: reg.id,
			Detail: map[string]string{"reason": snap.Detail}})
	}
}

func (m *Manager) publish(ev eventbus.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
