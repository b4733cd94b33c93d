package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxterm/switchboard/internal/fault"
)

// fakeConn is a scriptable RawConn.
type fakeConn struct {
	id       int
	pingErr  error
	closed   atomic.Bool
	execResp string
}

func (c *fakeConn) Exec(ctx context.Context, args []string) (string, error) {
	return c.execResp, nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeDialer counts dials and hands out fakeConns.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(ctx context.Context) (RawConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: len(d.conns), execResp: "ok"}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func TestAcquireDialsLazily(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{MaxConnections: 4}, d.dial, nil)
	defer p.Close()

	if d.count() != 0 {
		t.Errorf("pool dialed %d connections before first acquire", d.count())
	}

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if d.count() != 1 {
		t.Errorf("expected 1 dial, got %d", d.count())
	}
	p.Release(c)

	// Second acquire reuses the released connection.
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if d.count() != 1 {
		t.Errorf("expected reuse, got %d dials", d.count())
	}
	p.Release(c2)
}

func TestAcquireSaturatedTimesOut(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{MaxConnections: 2, AcquireTimeout: 50 * time.Millisecond}, d.dial, nil)
	defer p.Close()

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())

	start := time.Now()
	_, err := p.Acquire(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, fault.ErrPoolExhausted) {
		t.Fatalf("expected PoolExhausted, got %v", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("acquire returned before timeout: %v", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("acquire blocked far past timeout: %v", elapsed)
	}

	p.Release(c1)
	p.Release(c2)
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second}, d.dial, nil)
	defer p.Close()

	c1, _ := p.Acquire(context.Background())

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiter Acquire: %v", err)
			return
		}
		got <- c
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(c1)

	select {
	case c := <-got:
		p.Release(c)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released connection")
	}

	if d.count() != 1 {
		t.Errorf("expected single connection to be handed over, got %d dials", d.count())
	}
}

func TestNoDoubleHandOut(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{MaxConnections: 3, AcquireTimeout: time.Second}, d.dial, nil)
	defer p.Close()

	const workers = 12
	var inUse sync.Map
	var wg sync.WaitGroup
	var conflicts atomic.Int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					continue
				}
				if _, loaded := inUse.LoadOrStore(c, true); loaded {
					conflicts.Add(1)
				}
				time.Sleep(time.Millisecond)
				inUse.Delete(c)
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	if n := conflicts.Load(); n > 0 {
		t.Errorf("connection handed to two holders %d times", n)
	}
	if d.count() > 3 {
		t.Errorf("pool exceeded max connections: %d dials", d.count())
	}
}

func TestDialFailureReleasesSlot(t *testing.T) {
	d := &fakeDialer{err: errors.New("multiplexer down")}
	p := New(Config{MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond}, d.dial, nil)
	defer p.Close()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, fault.ErrBackendUnavailable) {
		t.Fatalf("expected BackendUnavailable, got %v", err)
	}

	// Slot must be free again: a later acquire re-attempts the dial rather
	// than timing out on a phantom reservation.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after dial recovery: %v", err)
	}
	p.Release(c)
}

func TestSweepEvictsFailedProbe(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{
		MaxConnections: 2,
		MinConnections: 0,
		ProbeInterval:  20 * time.Millisecond,
		IdleTimeout:    time.Hour,
	}, d.dial, nil)
	defer p.Close()

	c, _ := p.Acquire(context.Background())
	d.conns[0].pingErr = errors.New("broken pipe")
	p.Release(c)

	deadline := time.After(2 * time.Second)
	for {
		if d.conns[0].closed.Load() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("probe loop never evicted the failing connection")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := p.Stats().Total; got != 0 {
		t.Errorf("total = %d after eviction, want 0", got)
	}
}

func TestSweepRefillsFloorAfterProbeFailure(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{
		MaxConnections: 4,
		MinConnections: 2,
		ProbeInterval:  20 * time.Millisecond,
		IdleTimeout:    time.Hour,
	}, d.dial, nil)
	defer p.Close()

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	d.conns[0].pingErr = errors.New("broken pipe")
	d.conns[1].pingErr = errors.New("broken pipe")
	p.Release(c1)
	p.Release(c2)

	// Both idle connections fail their probe; the sweep must dial
	// replacements back up to the floor rather than leave the pool empty.
	deadline := time.After(2 * time.Second)
	for {
		s := p.Stats()
		if s.Evicted >= 2 && s.Total == 2 && d.count() == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pool never refilled to floor: %+v, dials=%d", p.Stats(), d.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !d.conns[0].closed.Load() || !d.conns[1].closed.Load() {
		t.Error("probe-failed connections were not closed")
	}
}

func TestSweepReclaimsIdleAboveFloor(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{
		MaxConnections: 2,
		MinConnections: 1,
		ProbeInterval:  20 * time.Millisecond,
		IdleTimeout:    10 * time.Millisecond,
	}, d.dial, nil)
	defer p.Close()

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c1)
	p.Release(c2)

	// One connection should be reclaimed, one kept (the floor).
	deadline := time.After(2 * time.Second)
	for {
		if p.Stats().Total == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("idle reclaim never ran down to floor; total=%d", p.Stats().Total)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestExecBracket(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{MaxConnections: 1}, d.dial, nil)
	defer p.Close()

	out, err := p.Exec(context.Background(), []string{"list-sessions"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out != "ok" {
		t.Errorf("output = %q", out)
	}

	// Connection must have been released.
	if s := p.Stats(); s.InUse != 0 || s.Idle != 1 {
		t.Errorf("stats after Exec = %+v, want released connection", s)
	}
}

func TestCloseClosesIdleConnections(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{MaxConnections: 2}, d.dial, nil)

	c, _ := p.Acquire(context.Background())
	p.Release(c)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !d.conns[0].closed.Load() {
		t.Error("idle connection not closed on pool close")
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, fault.ErrPoolExhausted) {
		t.Errorf("expected PoolExhausted after close, got %v", err)
	}
}
