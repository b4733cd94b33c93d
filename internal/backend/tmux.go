package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxterm/switchboard/internal/fault"
)

// DefaultTmuxTimeout bounds each tmux subprocess call when the backend
// config does not override it.
const DefaultTmuxTimeout = 10 * time.Second

// tmuxRunner executes a tmux command and returns trimmed stdout. Narrowed to
// an interface so tests can substitute a fake without a tmux server.
type tmuxRunner interface {
	run(ctx context.Context, args ...string) (string, error)
}

// execRunner shells out to the tmux binary.
type execRunner struct {
	socketName string
	timeout    time.Duration
}

func (r *execRunner) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	full := args
	if r.socketName != "" {
		full = append([]string{"-L", r.socketName}, args...)
	}

	cmd := exec.CommandContext(ctx, "tmux", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fault.Newf(fault.KindTimeout, "tmux."+args[0], "tmux command timed out: %v", args)
		}
		errStr := strings.TrimSpace(stderr.String())
		if errStr != "" {
			return "", fmt.Errorf("tmux %s: %s", args[0], errStr)
		}
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// TmuxBackend executes operations against a local tmux server by shelling
// out to the tmux binary. Session names are opaque strings; one window and
// pane per session is assumed unless a pane id is given explicitly.
type TmuxBackend struct {
	runner tmuxRunner

	mu     sync.Mutex
	closed bool
}

// NewTmuxBackend creates an uninitialized tmux backend. Call Initialize
// before use.
func NewTmuxBackend() *TmuxBackend {
	return &TmuxBackend{}
}

func (b *TmuxBackend) Type() string { return "tmux" }

// Capabilities: tmux supports batching (multiple send-keys per control call)
// and poll-based continuous capture. It cannot attribute per-command results
// within a failed batch.
func (b *TmuxBackend) Capabilities() Capabilities {
	return Capabilities{
		BatchExecution:    true,
		ContinuousCapture: true,
	}
}

// Initialize verifies the tmux binary responds. A missing server is fine;
// sessions will start one on demand.
func (b *TmuxBackend) Initialize(ctx context.Context, cfg Config) error {
	timeout := cfg.CommandTimeout
	if timeout == 0 {
		timeout = DefaultTmuxTimeout
	}
	if b.runner == nil {
		b.runner = &execRunner{socketName: cfg.SocketName, timeout: timeout}
	}

	if _, err := b.runner.run(ctx, "-V"); err != nil {
		return fault.Wrap(fault.KindBackendUnavailable, "tmux.initialize", err)
	}
	return nil
}

// sessionNotFound reports whether a tmux error means the target session does
// not exist (as opposed to tmux itself failing).
func sessionNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "can't find pane") ||
		strings.Contains(msg, "no server running")
}

// classify converts a raw tmux error into a fault kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if fault.KindOf(err) != fault.KindUnknown {
		return err
	}
	if sessionNotFound(err) {
		return fault.Wrap(fault.KindNotFound, op, err)
	}
	return fault.Wrap(fault.KindBackendUnavailable, op, err)
}

// target builds a tmux target spec. The "=" prefix forces exact session name
// matching instead of tmux's default prefix matching.
func target(sessionID, paneID string) string {
	t := "=" + sessionID
	if paneID != "" {
		t += "." + paneID
	}
	return t
}

func (b *TmuxBackend) checkReady() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fault.New(fault.KindBackendUnavailable, "tmux", "backend is closed")
	}
	if b.runner == nil {
		return fault.New(fault.KindBackendUnavailable, "tmux", "backend not initialized")
	}
	return nil
}

// ExecuteCommand types the command into the session's pane followed by
// Enter. Output is not collected here; callers capture separately so that
// long-running commands do not block dispatch.
func (b *TmuxBackend) ExecuteCommand(ctx context.Context, req CommandRequest) (*Execution, error) {
	ex := &Execution{
		SessionID:   req.SessionID,
		PaneID:      req.PaneID,
		Command:     req.Command,
		SubmittedAt: time.Now(),
	}
	defer func() { ex.Duration = time.Since(ex.SubmittedAt) }()

	if err := b.checkReady(); err != nil {
		ex.Err = err
		return ex, err
	}

	// -l sends the command text literally; the separate Enter keeps tmux
	// from interpreting command text as key names.
	_, err := b.runner.run(ctx, "send-keys", "-t", target(req.SessionID, req.PaneID), "-l", req.Command)
	if err == nil {
		_, err = b.runner.run(ctx, "send-keys", "-t", target(req.SessionID, req.PaneID), "Enter")
	}
	if err != nil {
		ex.Err = classify("tmux.execute", err)
		return ex, ex.Err
	}
	return ex, nil
}

func (b *TmuxBackend) CreateSession(ctx context.Context, name string, ec ExecContext) (*SessionInfo, error) {
	if err := b.checkReady(); err != nil {
		return nil, err
	}

	if has, _ := b.hasSession(ctx, name); has {
		return nil, fault.Newf(fault.KindValidation, "tmux.create", "session %q already exists", name)
	}

	if _, err := b.runner.run(ctx, "new-session", "-d", "-s", name); err != nil {
		return nil, classify("tmux.create", err)
	}
	return &SessionInfo{ID: name, Name: name, CreatedAt: time.Now(), Windows: 1}, nil
}

func (b *TmuxBackend) DestroySession(ctx context.Context, sessionID string, ec ExecContext) error {
	if err := b.checkReady(); err != nil {
		return err
	}
	if _, err := b.runner.run(ctx, "kill-session", "-t", "="+sessionID); err != nil {
		return classify("tmux.destroy", err)
	}
	return nil
}

func (b *TmuxBackend) CaptureOutput(ctx context.Context, sessionID, paneID string, ec ExecContext) (string, error) {
	if err := b.checkReady(); err != nil {
		return "", err
	}
	out, err := b.runner.run(ctx, "capture-pane", "-p", "-t", target(sessionID, paneID))
	if err != nil {
		return "", classify("tmux.capture", err)
	}
	return out, nil
}

// StartContinuousCapture polls capture-pane on the given interval and emits
// a chunk whenever the pane content changes. tmux has no push channel, so
// polling is the capture mechanism here; the remote backend streams instead.
func (b *TmuxBackend) StartContinuousCapture(ctx context.Context, sessionID, paneID string, interval time.Duration, ec ExecContext) (<-chan CaptureChunk, func(), error) {
	if err := b.checkReady(); err != nil {
		return nil, nil, err
	}
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan CaptureChunk, 16)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				out, err := b.CaptureOutput(ctx, sessionID, paneID, ec)
				if err != nil {
					return
				}
				if out == last {
					continue
				}
				last = out
				select {
				case ch <- CaptureChunk{SessionID: sessionID, PaneID: paneID, Data: out, At: time.Now()}:
				default:
					// Consumer is behind; drop rather than stall the poller.
				}
			}
		}
	}()

	return ch, cancel, nil
}

func (b *TmuxBackend) ListSessions(ctx context.Context, ec ExecContext) ([]SessionInfo, error) {
	if err := b.checkReady(); err != nil {
		return nil, err
	}

	out, err := b.runner.run(ctx, "list-sessions", "-F",
		"#{session_name}|#{session_created}|#{session_windows}|#{session_attached}")
	if err != nil {
		if sessionNotFound(err) {
			return nil, nil // No server → no sessions.
		}
		return nil, classify("tmux.list", err)
	}
	if out == "" {
		return nil, nil
	}

	var infos []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "|")
		if len(parts) != 4 {
			continue
		}
		info := SessionInfo{ID: parts[0], Name: parts[0]}
		if epoch, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			info.CreatedAt = time.Unix(epoch, 0)
		}
		info.Windows, _ = strconv.Atoi(parts[2])
		info.Attached = parts[3] == "1"
		infos = append(infos, info)
	}
	return infos, nil
}

// Health probes the tmux server with a cheap list-sessions call.
func (b *TmuxBackend) Health(ctx context.Context) HealthSnapshot {
	start := time.Now()
	snap := HealthSnapshot{CheckedAt: start}

	if err := b.checkReady(); err != nil {
		snap.Detail = err.Error()
		return snap
	}

	_, err := b.runner.run(ctx, "list-sessions")
	snap.Latency = time.Since(start)
	if err != nil && !sessionNotFound(err) {
		snap.Detail = err.Error()
		return snap
	}
	snap.Healthy = true
	return snap
}

func (b *TmuxBackend) hasSession(ctx context.Context, name string) (bool, error) {
	_, err := b.runner.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if sessionNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *TmuxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
