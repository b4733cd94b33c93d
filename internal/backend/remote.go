package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxterm/switchboard/internal/fault"
)

// DefaultRemoteTimeout bounds each HTTP request to the remote agent when the
// backend config does not override it.
const DefaultRemoteTimeout = 10 * time.Second

// RemoteBackend talks to a remote terminal agent over its JSON HTTP API.
// Command dispatch is a request/response pair; continuous capture is a
// WebSocket stream pushed by the agent.
//
// API surface:
//
//	GET    /api/v1/health
//	GET    /api/v1/sessions
//	POST   /api/v1/sessions                {"name": ...}
//	DELETE /api/v1/sessions/{id}
//	POST   /api/v1/sessions/{id}/exec      {"command": ..., "pane": ...}
//	GET    /api/v1/sessions/{id}/screen
//	GET    /api/v1/sessions/{id}/stream    (websocket)
type RemoteBackend struct {
	client  *http.Client
	baseURL string
	token   string

	mu     sync.Mutex
	closed bool
}

// NewRemoteBackend creates an uninitialized remote backend. Call Initialize
// before use.
func NewRemoteBackend() *RemoteBackend {
	return &RemoteBackend{}
}

func (b *RemoteBackend) Type() string { return "remote" }

// Capabilities: the remote agent executes batches natively, attributes
// per-command results, and pushes capture over WebSocket.
func (b *RemoteBackend) Capabilities() Capabilities {
	return Capabilities{
		BatchExecution:    true,
		ContinuousCapture: true,
		PushCapture:       true,
		BatchAttribution:  true,
	}
}

func (b *RemoteBackend) Initialize(ctx context.Context, cfg Config) error {
	if cfg.BaseURL == "" {
		return fault.New(fault.KindValidation, "remote.initialize", "base_url is required")
	}
	timeout := cfg.CommandTimeout
	if timeout == 0 {
		timeout = DefaultRemoteTimeout
	}
	b.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	b.token = cfg.Token
	b.client = &http.Client{Timeout: timeout}

	snap := b.Health(ctx)
	if !snap.Healthy {
		return fault.Newf(fault.KindBackendUnavailable, "remote.initialize", "agent not healthy: %s", snap.Detail)
	}
	return nil
}

func (b *RemoteBackend) checkReady() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fault.New(fault.KindBackendUnavailable, "remote", "backend is closed")
	}
	if b.client == nil {
		return fault.New(fault.KindBackendUnavailable, "remote", "backend not initialized")
	}
	return nil
}

// doJSON executes a request and decodes the JSON response into out (when
// non-nil). Non-2xx statuses become classified faults.
func (b *RemoteBackend) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fault.Wrap(fault.KindTimeout, "remote."+method, err)
		}
		return fault.Wrap(fault.KindBackendUnavailable, "remote."+method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fault.Newf(fault.KindNotFound, "remote."+method, "%s returned 404", path)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.Newf(fault.KindBackendUnavailable, "remote."+method,
			"%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: parsing %s response: %w", path, err)
		}
	}
	return nil
}

type remoteExecRequest struct {
	Command string `json:"command"`
	Pane    string `json:"pane,omitempty"`
	User    string `json:"user,omitempty"`
}

type remoteExecResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func (b *RemoteBackend) ExecuteCommand(ctx context.Context, req CommandRequest) (*Execution, error) {
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

	var resp remoteExecResponse
	err := b.doJSON(ctx, http.MethodPost, "/api/v1/sessions/"+req.SessionID+"/exec",
		remoteExecRequest{Command: req.Command, Pane: req.PaneID, User: req.Context.User}, &resp)
	if err != nil {
		ex.Err = err
		return ex, err
	}
	if resp.Error != "" {
		ex.Err = fault.New(fault.KindBackendUnavailable, "remote.exec", resp.Error)
		return ex, ex.Err
	}
	ex.Output = resp.Output
	return ex, nil
}

type remoteSessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Windows   int       `json:"windows"`
	Attached  bool      `json:"attached"`
}

func (info remoteSessionInfo) toSessionInfo() SessionInfo {
	return SessionInfo{
		ID:        info.ID,
		Name:      info.Name,
		CreatedAt: info.CreatedAt,
		Windows:   info.Windows,
		Attached:  info.Attached,
	}
}

func (b *RemoteBackend) CreateSession(ctx context.Context, name string, ec ExecContext) (*SessionInfo, error) {
	if err := b.checkReady(); err != nil {
		return nil, err
	}
	var resp remoteSessionInfo
	err := b.doJSON(ctx, http.MethodPost, "/api/v1/sessions",
		map[string]string{"name": name, "user": ec.User}, &resp)
	if err != nil {
		return nil, err
	}
	info := resp.toSessionInfo()
	return &info, nil
}

func (b *RemoteBackend) DestroySession(ctx context.Context, sessionID string, ec ExecContext) error {
	if err := b.checkReady(); err != nil {
		return err
	}
	return b.doJSON(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, nil)
}

func (b *RemoteBackend) CaptureOutput(ctx context.Context, sessionID, paneID string, ec ExecContext) (string, error) {
	if err := b.checkReady(); err != nil {
		return "", err
	}
	path := "/api/v1/sessions/" + sessionID + "/screen"
	if paneID != "" {
		path += "?pane=" + paneID
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// StartContinuousCapture opens the agent's WebSocket stream and forwards
// pushed chunks. The interval parameter is ignored; the agent pushes on
// change.
func (b *RemoteBackend) StartContinuousCapture(ctx context.Context, sessionID, paneID string, interval time.Duration, ec ExecContext) (<-chan CaptureChunk, func(), error) {
	if err := b.checkReady(); err != nil {
		return nil, nil, err
	}

	wsURL := strings.Replace(b.baseURL, "http", "ws", 1) + "/api/v1/sessions/" + sessionID + "/stream"
	header := http.Header{}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindBackendUnavailable, "remote.stream", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan CaptureChunk, 16)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			conn.Close()
		})
	}

	go func() {
		defer close(ch)
		defer stop()
		for {
			var msg struct {
				Data string    `json:"data"`
				At   time.Time `json:"at"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			chunk := CaptureChunk{SessionID: sessionID, PaneID: paneID, Data: msg.Data, At: msg.At}
			if chunk.At.IsZero() {
				chunk.At = time.Now()
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, stop, nil
}

func (b *RemoteBackend) ListSessions(ctx context.Context, ec ExecContext) ([]SessionInfo, error) {
	if err := b.checkReady(); err != nil {
		return nil, err
	}
	var resp struct {
		Sessions []remoteSessionInfo `json:"sessions"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	infos := make([]SessionInfo, 0, len(resp.Sessions))
	for _, s := range resp.Sessions {
		infos = append(infos, s.toSessionInfo())
	}
	return infos, nil
}

func (b *RemoteBackend) Health(ctx context.Context) HealthSnapshot {
	start := time.Now()
	snap := HealthSnapshot{CheckedAt: start}

	if err := b.checkReady(); err != nil {
		snap.Detail = err.Error()
		return snap
	}

	var resp struct {
		Status string `json:"status"`
	}
	err := b.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, &resp)
	snap.Latency = time.Since(start)
	if err != nil {
		snap.Detail = err.Error()
		return snap
	}
	if resp.Status != "ok" && resp.Status != "running" {
		snap.Detail = "agent status: " + resp.Status
		return snap
	}
	snap.Healthy = true
	return snap
}

func (b *RemoteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
