// Package ratelimit enforces a per-identity command budget.
//
// Each identity (user, session key, or client id) gets a fixed window of
// allowed commands. Exhausting the budget blocks the identity for a
// cooldown period; the block clears on its own, no manual reset needed.
// Identity entries are created lazily and garbage collected after a period
// of inactivity so the limiter never grows with churn.
package ratelimit

import (
	"sync"
	"time"
)

// Config tunes the limiter. Zero values take the documented defaults.
type Config struct {
	Window        time.Duration // budget window (default 1m)
	Budget        int           // commands allowed per window (default 60)
	BlockDuration time.Duration // cooldown after a breach (default 5m)
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Budget <= 0 {
		c.Budget = 60
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 5 * time.Minute
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int           // budget left in the current window
	RetryAfter time.Duration // how long until the identity may retry, 0 if allowed
}

type bucket struct {
	windowStart  time.Time
	count        int
	blockedUntil time.Time
	lastSeen     time.Time
}

// Stats summarizes limiter activity.
type Stats struct {
	Identities    int
	Allowed       uint64
	Denied        uint64
	BlockedActive int
	BlocksImposed uint64
}

// Limiter tracks per-identity command budgets.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
	allowed uint64
	denied  uint64
	blocks  uint64
	now     func() time.Time // swapped in tests
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	cfg.applyDefaults()
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow charges one command against identity's budget and reports whether
// it may proceed. A denied identity keeps being denied until its block
// expires; denied attempts do not extend the block.
func (l *Limiter) Allow(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{windowStart: now}
		l.buckets[identity] = b
	}
	b.lastSeen = now

	if now.Before(b.blockedUntil) {
		l.denied++
		return Decision{RetryAfter: b.blockedUntil.Sub(now)}
	}

	if now.Sub(b.windowStart) >= l.cfg.Window {
		b.windowStart = now
		b.count = 0
	}

	if b.count >= l.cfg.Budget {
		b.blockedUntil = now.Add(l.cfg.BlockDuration)
		l.blocks++
		l.denied++
		return Decision{RetryAfter: l.cfg.BlockDuration}
	}

	b.count++
	l.allowed++
	return Decision{Allowed: true, Remaining: l.cfg.Budget - b.count}
}

// Blocked reports whether identity is currently in a cooldown.
func (l *Limiter) Blocked(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identity]
	return ok && l.now().Before(b.blockedUntil)
}

// Reset clears identity's budget and any active block.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identity)
}

// GC drops identities idle longer than maxIdle and returns how many were
// removed. Blocked identities are kept until the block has lapsed.
func (l *Limiter) GC(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, b := range l.buckets {
		if now.Before(b.blockedUntil) {
			continue
		}
		if now.Sub(b.lastSeen) > maxIdle {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	blocked := 0
	for _, b := range l.buckets {
		if now.Before(b.blockedUntil) {
			blocked++
		}
	}
	return Stats{
		Identities:    len(l.buckets),
		Allowed:       l.allowed,
		Denied:        l.denied,
		BlockedActive: blocked,
		BlocksImposed: l.blocks,
	}
}
