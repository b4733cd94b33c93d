package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxterm/switchboard/internal/backend"
	"github.com/voxterm/switchboard/internal/eventbus"
	"github.com/voxterm/switchboard/internal/fault"
)

// fakeBackend is a scriptable Backend for routing tests.
type fakeBackend struct {
	typ  string
	caps *backend.Capabilities // overrides the default capability set

	mu       sync.Mutex
	healthy  bool
	latency  time.Duration
	detail   string
	execErr  error
	blockCh  chan struct{} // when set, ExecuteCommand blocks on it
	executed []string
	closed   bool
}

func newFakeBackend(typ string) *fakeBackend {
	return &fakeBackend{typ: typ, healthy: true}
}

func (f *fakeBackend) setHealthy(ok bool, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = ok
	f.detail = detail
}

func (f *fakeBackend) setExecErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr = err
}

func (f *fakeBackend) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func (f *fakeBackend) Type() string { return f.typ }

func (f *fakeBackend) Initialize(context.Context, backend.Config) error { return nil }

func (f *fakeBackend) ExecuteCommand(ctx context.Context, req backend.CommandRequest) (*backend.Execution, error) {
	f.mu.Lock()
	block := f.blockCh
	execErr := f.execErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindTimeout, "fake.execute", ctx.Err())
		}
	}
	if execErr != nil {
		return nil, execErr
	}

	f.mu.Lock()
	f.executed = append(f.executed, req.Command)
	f.mu.Unlock()
	return &backend.Execution{
		SessionID: req.SessionID,
		Command:   req.Command,
		Output:    "done",
		Duration:  time.Millisecond,
	}, nil
}

func (f *fakeBackend) CreateSession(_ context.Context, name string, _ backend.ExecContext) (*backend.SessionInfo, error) {
	return &backend.SessionInfo{ID: name, Name: name, CreatedAt: time.Now()}, nil
}

func (f *fakeBackend) DestroySession(context.Context, string, backend.ExecContext) error { return nil }

func (f *fakeBackend) CaptureOutput(context.Context, string, string, backend.ExecContext) (string, error) {
	return "capture", nil
}

func (f *fakeBackend) StartContinuousCapture(context.Context, string, string, time.Duration, backend.ExecContext) (<-chan backend.CaptureChunk, func(), error) {
	ch := make(chan backend.CaptureChunk)
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeBackend) ListSessions(context.Context, backend.ExecContext) ([]backend.SessionInfo, error) {
	return nil, nil
}

func (f *fakeBackend) Capabilities() backend.Capabilities {
	if f.caps != nil {
		return *f.caps
	}
	return backend.Capabilities{BatchExecution: true}
}

func (f *fakeBackend) Health(context.Context) backend.HealthSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backend.HealthSnapshot{Healthy: f.healthy, Latency: f.latency, CheckedAt: time.Now(), Detail: f.detail}
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func execReq(cmd string) backend.CommandRequest {
	return backend.CommandRequest{
		SessionID: "s1",
		Command:   cmd,
		Context:   backend.ExecContext{User: "alice"},
	}
}

func TestRegisterDuplicate(t *testing.T) {
	m := newTestManager(t, Config{})
	if err := m.Register("a", newFakeBackend("tmux"), 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := m.Register("a", newFakeBackend("tmux"), 1)
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("duplicate register error = %v, want validation", err)
	}
}

func TestPrimaryFallbackRoutesToPrimary(t *testing.T) {
	m := newTestManager(t, Config{Strategy: "primary_fallback"})
	primary := newFakeBackend("tmux")
	fallback := newFakeBackend("remote")
	m.Register("primary", primary, 1)
	m.Register("fallback", fallback, 1)

	if _, err := m.ExecuteCommand(context.Background(), execReq("ls")); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if len(primary.commands()) != 1 || len(fallback.commands()) != 0 {
		t.Errorf("primary got %d commands, fallback %d; want 1, 0",
			len(primary.commands()), len(fallback.commands()))
	}
}

func TestFailoverToAlternate(t *testing.T) {
	m := newTestManager(t, Config{MaxRetries: 2, RetryBackoff: time.Millisecond})
	primary := newFakeBackend("tmux")
	primary.setExecErr(fault.New(fault.KindBackendUnavailable, "fake", "socket gone"))
	fallback := newFakeBackend("remote")
	m.Register("primary", primary, 1)
	m.Register("fallback", fallback, 1)

	exec, err := m.ExecuteCommand(context.Background(), execReq("ls"))
	if err != nil {
		t.Fatalf("ExecuteCommand after failover: %v", err)
	}
	if exec.Output != "done" {
		t.Errorf("Output = %q", exec.Output)
	}
	if len(fallback.commands()) != 1 {
		t.Errorf("fallback executed %d commands, want 1", len(fallback.commands()))
	}
	if got := m.Metrics().Failovers; got != 1 {
		t.Errorf("Failovers = %d, want 1", got)
	}
}

func TestFailoverPublishesEvent(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	events, unsub := bus.Subscribe()
	defer unsub()

	m, err := New(Config{MaxRetries: 2, RetryBackoff: time.Millisecond}, bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	primary := newFakeBackend("tmux")
	primary.setExecErr(fault.New(fault.KindBackendUnavailable, "fake", "socket gone"))
	m.Register("primary", primary, 1)
	m.Register("fallback", newFakeBackend("remote"), 1)

	if _, err := m.ExecuteCommand(context.Background(), execReq("ls")); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	expectEvent(t, events, eventbus.EventBackendFailover)
}

func TestCapabilitiesTrackedPerRegistration(t *testing.T) {
	m := newTestManager(t, Config{})
	tmux := newFakeBackend("tmux")
	remote := newFakeBackend("remote")
	remote.caps = &backend.Capabilities{BatchExecution: true, ContinuousCapture: true, PushCapture: true, BatchAttribution: true}
	m.Register("tmux", tmux, 1)
	m.Register("remote", remote, 1)

	caps, ok := m.Capabilities("remote")
	if !ok || !caps.PushCapture || !caps.BatchAttribution {
		t.Fatalf("Capabilities(remote) = %+v, %v", caps, ok)
	}
	if _, ok := m.Capabilities("ghost"); ok {
		t.Error("unregistered backend reported capabilities")
	}

	// One backend without attribution forces the conservative batch path.
	if m.BatchAttribution() {
		t.Error("BatchAttribution true with a non-attributing backend registered")
	}
	if err := m.Remove("tmux"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !m.BatchAttribution() {
		t.Error("BatchAttribution false with only attributing backends")
	}
}

func TestTerminalFaultDoesNotFailOver(t *testing.T) {
	m := newTestManager(t, Config{MaxRetries: 2, RetryBackoff: time.Millisecond})
	primary := newFakeBackend("tmux")
	primary.setExecErr(fault.New(fault.KindNotFound, "fake", "session not found"))
	fallback := newFakeBackend("remote")
	m.Register("primary", primary, 1)
	m.Register("fallback", fallback, 1)

	_, err := m.ExecuteCommand(context.Background(), execReq("ls"))
	if fault.KindOf(err) != fault.KindNotFound {
		t.Fatalf("error = %v, want not-found passthrough", err)
	}
	if len(fallback.commands()) != 0 {
		t.Error("terminal fault was retried on the fallback backend")
	}
}

func TestExhaustionAggregatesAttempts(t *testing.T) {
	m := newTestManager(t, Config{MaxRetries: 1, RetryBackoff: time.Millisecond})
	for _, id := range []string{"a", "b"} {
		b := newFakeBackend("tmux")
		b.setExecErr(fault.New(fault.KindBackendUnavailable, "fake", "down"))
		m.Register(id, b, 1)
	}

	_, err := m.ExecuteCommand(context.Background(), execReq("ls"))
	if !errors.Is(err, fault.ErrBackendUnavailable) {
		t.Fatalf("error = %v, want backend unavailable", err)
	}
}

func TestNoBackendsRegistered(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.ExecuteCommand(context.Background(), execReq("ls"))
	if fault.KindOf(err) != fault.KindBackendUnavailable {
		t.Errorf("error = %v, want backend unavailable", err)
	}
}

func TestHealthHysteresis(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	events, unsub := bus.Subscribe()
	defer unsub()

	m, err := New(Config{FailureThreshold: 3, RecoveryThreshold: 2}, bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	b := newFakeBackend("tmux")
	m.Register("a", b, 1)
	drainEvents(events)

	ctx := context.Background()

	// Two failed probes: still healthy.
	b.setHealthy(false, "probe refused")
	m.checkBackends(ctx)
	m.checkBackends(ctx)
	if !m.HealthStatus()["a"].Healthy {
		t.Fatal("backend flipped unhealthy before the failure threshold")
	}

	// Third failure crosses the threshold.
	m.checkBackends(ctx)
	st := m.HealthStatus()["a"]
	if st.Healthy {
		t.Fatal("backend still healthy after threshold failures")
	}
	if st.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", st.ConsecutiveFailures)
	}
	expectEvent(t, events, eventbus.EventBackendUnhealthy)

	// One good probe is not enough to recover.
	b.setHealthy(true, "")
	m.checkBackends(ctx)
	if m.HealthStatus()["a"].Healthy {
		t.Fatal("backend recovered before the recovery threshold")
	}

	// Second good probe recovers it.
	m.checkBackends(ctx)
	if !m.HealthStatus()["a"].Healthy {
		t.Fatal("backend did not recover after threshold successes")
	}
	expectEvent(t, events, eventbus.EventBackendHealthy)
}

func drainEvents(ch <-chan eventbus.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func expectEvent(t *testing.T, ch <-chan eventbus.Event, want eventbus.EventType) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("event %q never published", want)
		}
	}
}

func TestUnhealthyBackendExcludedFromRouting(t *testing.T) {
	m := newTestManager(t, Config{FailureThreshold: 1})
	primary := newFakeBackend("tmux")
	fallback := newFakeBackend("remote")
	m.Register("primary", primary, 1)
	m.Register("fallback", fallback, 1)

	primary.setHealthy(false, "down")
	m.checkBackends(context.Background())

	if _, err := m.ExecuteCommand(context.Background(), execReq("ls")); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if len(primary.commands()) != 0 || len(fallback.commands()) != 1 {
		t.Errorf("unhealthy primary still received traffic: primary=%d fallback=%d",
			len(primary.commands()), len(fallback.commands()))
	}
}

func TestHotSwapDrainsAndRedirects(t *testing.T) {
	m := newTestManager(t, Config{
		DrainGrace:       50 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
	})
	old := newFakeBackend("tmux")
	old.blockCh = make(chan struct{}) // never released: commands must be force-cancelled
	m.Register("main", old, 1)

	// Ten commands in flight on the old backend.
	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.ExecuteCommand(context.Background(), execReq(fmt.Sprintf("cmd%d", n)))
			results <- err
		}(i)
	}

	// Wait until all ten are admitted.
	deadline := time.After(2 * time.Second)
	for {
		if snap := m.Metrics(); len(snap.Backends) > 0 && snap.Backends[0].InFlight == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("in-flight commands never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	replacement := newFakeBackend("remote")
	if err := m.HotSwap(context.Background(), "main", replacement); err != nil {
		t.Fatalf("HotSwap: %v", err)
	}

	// All ten in-flight commands were force-failed after the grace period.
	wg.Wait()
	close(results)
	failed := 0
	for err := range results {
		if err != nil {
			failed++
		}
	}
	if failed != 10 {
		t.Errorf("%d in-flight commands failed, want 10", failed)
	}

	old.mu.Lock()
	oldClosed := old.closed
	old.mu.Unlock()
	if !oldClosed {
		t.Error("swapped-out backend was not closed")
	}

	// New operations route to the replacement.
	if _, err := m.ExecuteCommand(context.Background(), execReq("after-swap")); err != nil {
		t.Fatalf("ExecuteCommand after swap: %v", err)
	}
	if got := replacement.commands(); len(got) != 1 || got[0] != "after-swap" {
		t.Errorf("replacement commands = %v", got)
	}
}

func TestHotSwapCompletesInFlightWithinGrace(t *testing.T) {
	m := newTestManager(t, Config{
		DrainGrace:       5 * time.Second,
		OperationTimeout: 5 * time.Second,
	})
	old := newFakeBackend("tmux")
	release := make(chan struct{})
	old.blockCh = release
	m.Register("main", old, 1)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.ExecuteCommand(context.Background(), execReq(fmt.Sprintf("cmd%d", n)))
			results <- err
		}(i)
	}

	deadline := time.After(2 * time.Second)
	for {
		if snap := m.Metrics(); len(snap.Backends) > 0 && snap.Backends[0].InFlight == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("in-flight commands never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	swapDone := make(chan error, 1)
	go func() {
		swapDone <- m.HotSwap(context.Background(), "main", newFakeBackend("remote"))
	}()

	// Releasing the backend lets every in-flight command finish inside the
	// grace window; none may be force-failed.
	close(release)
	wg.Wait()
	close(results)
	for err := range results {
		if err != nil {
			t.Errorf("in-flight command failed during graceful drain: %v", err)
		}
	}

	select {
	case err := <-swapDone:
		if err != nil {
			t.Fatalf("HotSwap: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hot-swap never completed after drain")
	}
	if got := len(old.commands()); got != 10 {
		t.Errorf("old backend completed %d commands, want 10", got)
	}
}

func TestHotSwapUnknownBackend(t *testing.T) {
	m := newTestManager(t, Config{})
	err := m.HotSwap(context.Background(), "ghost", newFakeBackend("tmux"))
	if fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestStickyABRouting(t *testing.T) {
	m := newTestManager(t, Config{ABTesting: true})
	a := newFakeBackend("tmux")
	b := newFakeBackend("remote")
	m.Register("a", a, 1)
	m.Register("b", b, 1)

	users := []string{"alice", "bob", "carol", "dave"}
	for _, user := range users {
		for i := 0; i < 6; i++ {
			req := execReq(fmt.Sprintf("%s-%d", user, i))
			req.Context.User = user
			if _, err := m.ExecuteCommand(context.Background(), req); err != nil {
				t.Fatalf("ExecuteCommand: %v", err)
			}
		}
	}

	// Stickiness: each user's commands all land on exactly one variant.
	onA, onB := byUser(a.commands()), byUser(b.commands())
	for _, user := range users {
		gotA, gotB := onA[user], onB[user]
		if gotA != 0 && gotB != 0 {
			t.Errorf("user %s split across variants: a=%d b=%d", user, gotA, gotB)
		}
		if gotA+gotB != 6 {
			t.Errorf("user %s ran %d commands, want 6", user, gotA+gotB)
		}
	}
}

// byUser counts commands per user from "user-N" command names.
func byUser(cmds []string) map[string]int {
	out := make(map[string]int)
	for _, c := range cmds {
		if i := strings.LastIndex(c, "-"); i > 0 {
			out[c[:i]]++
		}
	}
	return out
}

func TestStrategySelection(t *testing.T) {
	cands := []candidate{
		{id: "a", weight: 1, latency: 30 * time.Millisecond, errorRate: 0.5, inFlight: 4},
		{id: "b", weight: 3, latency: 10 * time.Millisecond, errorRate: 0.1, inFlight: 1},
		{id: "c", weight: 1, latency: 20 * time.Millisecond, errorRate: 0.9, inFlight: 2},
	}

	tests := []struct {
		strategy string
		want     int
	}{
		{"primary_fallback", 0},
		{"performance", 1},
		{"health", 1},
		{"least_connections", 1},
	}
	for _, tt := range tests {
		s, err := newStrategy(tt.strategy)
		if err != nil {
			t.Fatalf("newStrategy(%q): %v", tt.strategy, err)
		}
		if got := s.pick(cands); got != tt.want {
			t.Errorf("%s picked %d, want %d", tt.strategy, got, tt.want)
		}
	}
}

func TestRoundRobinRotates(t *testing.T) {
	s, _ := newStrategy("round_robin")
	cands := []candidate{{id: "a"}, {id: "b"}, {id: "c"}}

	var picks []int
	for i := 0; i < 6; i++ {
		picks = append(picks, s.pick(cands))
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}
}

func TestWeightedRandomStaysInBounds(t *testing.T) {
	s, _ := newStrategy("weighted_random")
	cands := []candidate{{id: "a", weight: 1}, {id: "b", weight: 9}}

	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		idx := s.pick(cands)
		if idx < 0 || idx > 1 {
			t.Fatalf("pick out of range: %d", idx)
		}
		counts[idx]++
	}
	// With 9:1 weights, b should dominate. Loose bound to avoid flakes.
	if counts[1] < counts[0] {
		t.Errorf("weighting ignored: counts = %v", counts)
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New(Config{Strategy: "psychic"}, nil, nil)
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestRemove(t *testing.T) {
	m := newTestManager(t, Config{})
	b := newFakeBackend("tmux")
	m.Register("a", b, 1)

	if err := m.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		t.Error("removed backend was not closed")
	}
	if err := m.Remove("a"); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("second remove error = %v, want not found", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Register("a", newFakeBackend("tmux"), 2)

	m.ExecuteCommand(context.Background(), execReq("ls"))
	m.ExecuteCommand(context.Background(), execReq("pwd"))

	snap := m.Metrics()
	if snap.Strategy != "primary_fallback" {
		t.Errorf("Strategy = %q", snap.Strategy)
	}
	if len(snap.Backends) != 1 {
		t.Fatalf("Backends = %d entries", len(snap.Backends))
	}
	bm := snap.Backends[0]
	if bm.Commands != 2 || bm.Failures != 0 || bm.Weight != 2 {
		t.Errorf("backend metrics = %+v", bm)
	}
}

func TestMonitorLoopStartStop(t *testing.T) {
	m := newTestManager(t, Config{HealthInterval: 10 * time.Millisecond, FailureThreshold: 1})
	b := newFakeBackend("tmux")
	b.setHealthy(false, "down")
	m.Register("a", b, 1)

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for m.HealthStatus()["a"].Healthy {
		select {
		case <-deadline:
			t.Fatal("monitor loop never probed the backend")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
