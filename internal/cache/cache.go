// Package cache provides a TTL'd, size-bounded cache for session metadata.
//
// Session existence checks and capture snapshots are requested far more
// often than they change, so a short TTL absorbs most of the backend round
// trips. Entries expire on read, a background sweep reclaims the rest, and
// the least recently used entry is evicted when the cache is full.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Config tunes a cache. Zero values take the documented defaults.
type Config struct {
	TTL           time.Duration // entry lifetime (default 5s)
	MaxEntries    int           // LRU capacity (default 512)
	SweepInterval time.Duration // background expiry sweep (default 10s)
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 512
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
}

// HitRate is Hits over total lookups, 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// Cache is a mutex-guarded TTL+LRU map. All methods are safe for
// concurrent use.
type Cache[V any] struct {
	cfg Config

	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	stats   Stats
	stopCh  chan struct{}
	stopped chan struct{}
	closed  bool
}

// New creates a cache and starts its sweep loop.
func New[V any](cfg Config) *Cache[V] {
	cfg.applyDefaults()
	c := &Cache[V]{
		cfg:     cfg,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached value for key. Expired entries are treated as
// misses and removed on the spot.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if time.Now().After(ent.expires) {
		c.removeLocked(el)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return ent.value, true
}

// Put stores value under key with a per-entry lifetime; ttl <= 0 takes the
// configured default. When the cache is at capacity the least recently used
// entry is evicted first.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	expires := time.Now().Add(ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[V])
		ent.value = value
		ent.expires = expires
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.cfg.MaxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.stats.Evictions++
		}
	}
	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expires: expires})
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// DeletePrefix removes every entry whose key starts with prefix. Session
// teardown uses this to drop all of a session's derived entries at once.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// Purge empties the cache. Counters are kept.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns a copy of the current counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.order.Len()
	return s
}

// Close stops the sweep loop. The cache remains usable but no longer
// reclaims expired entries in the background.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.stopped
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	ent := el.Value.(*entry[V])
	delete(c.items, ent.key)
	c.order.Remove(el)
}

func (c *Cache[V]) sweepLoop() {
	defer close(c.stopped)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if ent := el.Value.(*entry[V]); now.After(ent.expires) {
			c.removeLocked(el)
			c.stats.Expirations++
		}
		el = prev
	}
}

// Key derives a cache key from arbitrary parts. Hashing keeps raw command
// text and user identifiers out of the key space while staying stable
// across processes.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
