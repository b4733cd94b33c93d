// Package pool maintains a bounded set of live control-channel connections
// to a terminal multiplexer process.
//
// Connections are created lazily up to the configured maximum, recycled when
// idle past the idle timeout (down to the minimum floor), and periodically
// health-checked. Acquire blocks up to a timeout when the pool is saturated,
// then fails with a pool-exhaustion fault rather than growing unbounded.
//
// Raw connection handles are never shared outside the acquire/release
// bracket: acquire, use, release on every exit path.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxterm/switchboard/internal/fault"
)

// RawConn is one live control channel to the multiplexer process.
type RawConn interface {
	// Exec performs one request/response exchange.
	Exec(ctx context.Context, args []string) (string, error)

	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error

	Close() error
}

// Dialer establishes a new connection.
type Dialer func(ctx context.Context) (RawConn, error)

// Config bounds the pool. Zero values take the documented defaults.
type Config struct {
	MinConnections int           // floor kept alive through idle reclaim (default 1)
	MaxConnections int           // hard cap (default 8)
	AcquireTimeout time.Duration // max wait for a free connection (default 5s)
	IdleTimeout    time.Duration // idle age before reclaim (default 2m)
	ProbeInterval  time.Duration // health check cadence (default 30s)
}

func (c *Config) applyDefaults() {
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 8
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
}

// Conn is a pooled connection. Callers must return it via Release and must
// not retain the handle afterward.
type Conn struct {
	raw      RawConn
	lastUsed time.Time
}

// Exec forwards to the underlying connection.
func (c *Conn) Exec(ctx context.Context, args []string) (string, error) {
	return c.raw.Exec(ctx, args)
}

// Stats is a point-in-time pool summary.
type Stats struct {
	Total    int
	Idle     int
	InUse    int
	Dials    uint64
	Evicted  uint64
	Timeouts uint64
}

// Pool is a bounded connection pool.
type Pool struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mu     sync.Mutex
	total  int
	closed bool

	free chan *Conn

	dials    uint64
	evicted  uint64
	timeouts uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool and starts its probe loop. The dialer is not invoked
// until the first Acquire (lazy creation).
func New(cfg Config, dial Dialer, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With("component", "pool"),
		free:   make(chan *Conn, cfg.MaxConnections),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.probeLoop()
	return p
}

// Acquire returns a free connection, dialing a new one if the pool is below
// its maximum. When saturated it blocks until a connection is released, the
// context is done, or the acquire timeout elapses, whichever comes first.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.New(fault.KindPoolExhausted, "pool.acquire", "pool is closed")
	}
	p.mu.Unlock()

	// Fast path: a connection is already free.
	select {
	case c := <-p.free:
		return c, nil
	default:
	}

	// Grow if below max. The slot is reserved before dialing so concurrent
	// acquires cannot overshoot the cap.
	p.mu.Lock()
	if p.total < p.cfg.MaxConnections {
		p.total++
		p.dials++
		p.mu.Unlock()

		raw, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fault.Wrap(fault.KindBackendUnavailable, "pool.dial", err)
		}
		return &Conn{raw: raw, lastUsed: time.Now()}, nil
	}
	p.mu.Unlock()

	// Saturated: wait for a release.
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case c := <-p.free:
		return c, nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindTimeout, "pool.acquire", ctx.Err())
	case <-timer.C:
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, fault.Newf(fault.KindPoolExhausted, "pool.acquire",
			"no connection available within %s", p.cfg.AcquireTimeout)
	}
}

// Release returns a connection to the pool. Releasing into a closed pool
// closes the connection instead.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	c.lastUsed = time.Now()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.discard(c)
		return
	}

	select {
	case p.free <- c:
	default:
		// Free list full. Can only happen if a caller released a handle
		// twice. Drop the extra rather than corrupt accounting.
		p.discard(c)
	}
}

// Exec is the acquire/use/release bracket: the connection never escapes.
func (p *Pool) Exec(ctx context.Context, args []string) (string, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.Release(c)
	return c.Exec(ctx, args)
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.free)
	return Stats{
		Total:    p.total,
		Idle:     idle,
		InUse:    p.total - idle,
		Dials:    p.dials,
		Evicted:  p.evicted,
		Timeouts: p.timeouts,
	}
}

// Close stops the probe loop and closes every idle connection. Connections
// currently in use are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for {
		select {
		case c := <-p.free:
			p.discard(c)
		default:
			return nil
		}
	}
}

// discard closes a connection and decrements the total.
func (p *Pool) discard(c *Conn) {
	_ = c.raw.Close()
	p.mu.Lock()
	p.total--
	p.evicted++
	p.mu.Unlock()
}

// probeLoop reclaims idle connections and evicts ones that fail their
// liveness probe, respecting the min-connections floor.
func (p *Pool) probeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep examines every currently idle connection exactly once. Connections
// that fail their probe are replaced up to the minimum floor; connections
// are otherwise only dialed lazily.
func (p *Pool) sweep() {
	n := len(p.free)
	now := time.Now()
	probeFailures := 0

	for i := 0; i < n; i++ {
		var c *Conn
		select {
		case c = <-p.free:
		default:
			return
		}

		p.mu.Lock()
		total := p.total
		p.mu.Unlock()

		// Idle reclaim, respecting the floor.
		if now.Sub(c.lastUsed) > p.cfg.IdleTimeout && total > p.cfg.MinConnections {
			p.logger.Debug("reclaiming idle connection", "idle", now.Sub(c.lastUsed))
			p.discard(c)
			continue
		}

		// Liveness probe; failed connections are evicted.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.raw.Ping(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("evicting unhealthy connection", "error", err)
			p.discard(c)
			probeFailures++
			continue
		}

		// Push back directly so lastUsed keeps its idle age.
		select {
		case p.free <- c:
		default:
			p.discard(c)
		}
	}

	if probeFailures > 0 {
		p.refill()
	}
}

// refill dials replacements for evicted connections until the pool is back
// at its minimum floor.
func (p *Pool) refill() {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.total++
		p.dials++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		raw, err := p.dial(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.logger.Warn("refilling pool to floor failed", "error", err)
			return
		}

		select {
		case p.free <- &Conn{raw: raw, lastUsed: time.Now()}:
		default:
			p.discard(&Conn{raw: raw, lastUsed: time.Now()})
			return
		}
	}
}
