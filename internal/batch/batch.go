// Package batch aggregates pending terminal commands into single dispatches
// to amortize per-call overhead on the multiplexer control channel.
//
// A batch flushes when it reaches the target size or when the oldest queued
// command has waited the maximum wait time, whichever comes first. In
// adaptive mode the target size shrinks when observed per-batch latency
// exceeds the performance threshold and grows back when latency is
// comfortably under it. Concurrent flushes are capped; excess batches queue.
//
// Ordering: commands for the same session are never split across
// concurrently in-flight batches, so a session observes its commands in
// submission order while different sessions' commands interleave freely.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxterm/switchboard/internal/backend"
	"github.com/voxterm/switchboard/internal/fault"
)

// Command is one queued command. Context carries the caller identity so the
// flush func can route and attribute the command; the batcher itself never
// reads it.
type Command struct {
	SessionID string
	PaneID    string
	Text      string
	Context   backend.ExecContext
}

// Result is the per-command outcome of a flush.
type Result struct {
	Output string
	Err    error
}

// FlushFunc dispatches one batch. It must execute commands in slice order
// and return exactly one Result per command. A panic-free, error-per-item
// contract keeps batch failure attribution at the batcher's discretion.
type FlushFunc func(ctx context.Context, cmds []Command) []Result

// Config tunes the batcher. Zero values take the documented defaults.
// The adaptive thresholds are policy knobs, not correctness invariants.
type Config struct {
	MaxBatchSize  int           // upper bound on batch size (default 16)
	MaxWait       time.Duration // max queueing delay before flush (default 25ms)
	MaxInFlight   int           // cap on concurrent flushes (default 4)
	Adaptive      bool          // enable latency-driven size tuning
	PerfThreshold time.Duration // latency above this shrinks the target (default 250ms)
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 16
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 25 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.PerfThreshold <= 0 {
		c.PerfThreshold = 250 * time.Millisecond
	}
}

// Stats reports batcher activity.
type Stats struct {
	Submitted   uint64
	Flushes     uint64
	TargetSize  int
	LastLatency time.Duration
}

type pending struct {
	cmd      Command
	done     chan Result
	enqueued time.Time
}

type flushDone struct {
	sessions map[string]struct{}
	latency  time.Duration
}

// Batcher aggregates commands and flushes them through a FlushFunc.
type Batcher struct {
	cfg    Config
	flush  FlushFunc
	logger *slog.Logger

	submitCh chan *pending
	doneCh   chan flushDone
	stopCh   chan struct{}
	stopped  chan struct{}

	// sendWG tracks Submit calls between their closed check and the end of
	// their queue send, so Close can wait for every racing send to land
	// before it resolves stragglers.
	sendWG sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	submitted  uint64
	flushes    uint64
	targetSize int
	lastLat    time.Duration
}

// New creates a batcher and starts its dispatch loop.
func New(cfg Config, flush FlushFunc, logger *slog.Logger) *Batcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := &Batcher{
		cfg:        cfg,
		flush:      flush,
		logger:     logger.With("component", "batch"),
		submitCh:   make(chan *pending, cfg.MaxBatchSize*cfg.MaxInFlight),
		doneCh:     make(chan flushDone, cfg.MaxInFlight),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
		targetSize: cfg.MaxBatchSize,
	}
	go b.run()
	return b
}

// Submit queues a command and waits for its individual result. Each caller
// resolves independently even though commands are physically batched.
func (b *Batcher) Submit(ctx context.Context, cmd Command) (Result, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Result{}, fault.New(fault.KindBackendUnavailable, "batch.submit", "batcher is closed")
	}
	b.submitted++
	b.sendWG.Add(1)
	b.mu.Unlock()

	p := &pending{cmd: cmd, done: make(chan Result, 1), enqueued: time.Now()}

	select {
	case b.submitCh <- p:
		b.sendWG.Done()
	case <-ctx.Done():
		b.sendWG.Done()
		return Result{}, fault.Wrap(fault.KindTimeout, "batch.submit", ctx.Err())
	case <-b.stopCh:
		b.sendWG.Done()
		return Result{}, fault.New(fault.KindBackendUnavailable, "batch.submit", "batcher is closed")
	}

	select {
	case res := <-p.done:
		return res, nil
	case <-ctx.Done():
		// The command may still execute; the caller must treat the outcome
		// as unknown and re-query rather than blindly retry.
		return Result{}, fault.Wrap(fault.KindTimeout, "batch.submit", ctx.Err())
	}
}

// Stats returns a snapshot of batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Submitted:   b.submitted,
		Flushes:     b.flushes,
		TargetSize:  b.targetSize,
		LastLatency: b.lastLat,
	}
}

// Close drains queued commands (they are flushed, not dropped) and stops the
// loop. Submissions after Close fail immediately.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.stopped

	// A submission that passed the closed check can still win the buffered
	// queue send after the loop's drain sweep ran. Wait for every racing
	// send to land, then resolve the stragglers so no caller is left
	// blocking on a queue nothing reads anymore.
	b.sendWG.Wait()
	for {
		select {
		case p := <-b.submitCh:
			p.done <- Result{Err: fault.New(fault.KindBackendUnavailable, "batch.submit", "batcher is closed")}
		default:
			return
		}
	}
}

// run is the dispatch loop. It owns the queue and the in-flight accounting;
// no other goroutine touches them.
func (b *Batcher) run() {
	defer close(b.stopped)

	var (
		queue    []*pending
		inFlight int
		busy     = make(map[string]struct{}) // sessions owned by in-flight batches
		timer    *time.Timer
		timerCh  <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
	}

	// eligible returns the longest prefix-respecting batch that avoids
	// sessions already in flight, up to the current target size.
	eligible := func() []*pending {
		b.mu.Lock()
		target := b.targetSize
		b.mu.Unlock()

		var picked []*pending
		rest := queue[:0]
		deferred := make(map[string]struct{})
		for _, p := range queue {
			sid := p.cmd.SessionID
			_, sessionBusy := busy[sid]
			_, sessionDeferred := deferred[sid]
			// Once one of a session's commands is held back, all its later
			// commands must be held back too, or the session would observe
			// them out of submission order.
			if len(picked) >= target || sessionBusy || sessionDeferred {
				deferred[sid] = struct{}{}
				rest = append(rest, p)
				continue
			}
			picked = append(picked, p)
		}
		queue = rest
		return picked
	}

	dispatch := func(picked []*pending) {
		sessions := make(map[string]struct{})
		cmds := make([]Command, len(picked))
		for i, p := range picked {
			cmds[i] = p.cmd
			sessions[p.cmd.SessionID] = struct{}{}
		}
		for s := range sessions {
			busy[s] = struct{}{}
		}
		inFlight++

		b.mu.Lock()
		b.flushes++
		b.mu.Unlock()

		go func() {
			start := time.Now()
			results := b.flush(context.Background(), cmds)
			latency := time.Since(start)

			for i, p := range picked {
				res := Result{Err: fault.New(fault.KindBackendUnavailable, "batch.flush", "flush returned no result")}
				if i < len(results) {
					res = results[i]
				}
				p.done <- res
			}
			b.doneCh <- flushDone{sessions: sessions, latency: latency}
		}()
	}

	// tryFlush dispatches as many eligible batches as capacity allows.
	tryFlush := func(force bool) {
		for inFlight < b.cfg.MaxInFlight {
			b.mu.Lock()
			target := b.targetSize
			b.mu.Unlock()

			ready := len(queue) >= target
			if !ready && !force {
				break
			}
			picked := eligible()
			if len(picked) == 0 {
				break
			}
			dispatch(picked)
			force = false
		}

		// Re-arm the wait timer for whatever remains queued. Overdue
		// entries that could not dispatch are blocked on in-flight
		// capacity or a busy session; the flush-done event drives those,
		// so a zero timer (which would spin) is never armed.
		stopTimer()
		if len(queue) > 0 {
			wait := b.cfg.MaxWait - time.Since(queue[0].enqueued)
			if wait > 0 {
				timer = time.NewTimer(wait)
				timerCh = timer.C
			}
		}
	}

	for {
		select {
		case p := <-b.submitCh:
			queue = append(queue, p)
			tryFlush(false)

		case <-timerCh:
			stopTimer()
			tryFlush(true)

		case done := <-b.doneCh:
			inFlight--
			for s := range done.sessions {
				delete(busy, s)
			}
			b.adapt(done.latency)
			tryFlush(len(queue) > 0 && timerCh == nil)

		case <-b.stopCh:
			// Drain: accept what is already buffered, then flush everything.
			for {
				select {
				case p := <-b.submitCh:
					queue = append(queue, p)
					continue
				default:
				}
				break
			}
			for len(queue) > 0 || inFlight > 0 {
				if inFlight < b.cfg.MaxInFlight && len(queue) > 0 {
					if picked := eligible(); len(picked) > 0 {
						dispatch(picked)
						continue
					}
				}
				done := <-b.doneCh
				inFlight--
				for s := range done.sessions {
					delete(busy, s)
				}
			}
			stopTimer()
			return
		}
	}
}

// adapt adjusts the target batch size from observed flush latency.
func (b *Batcher) adapt(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastLat = latency
	if !b.cfg.Adaptive {
		return
	}

	switch {
	case latency > b.cfg.PerfThreshold && b.targetSize > 1:
		b.targetSize = b.targetSize / 2
		if b.targetSize < 1 {
			b.targetSize = 1
		}
		b.logger.Debug("shrinking batch size", "target", b.targetSize, "latency", latency)
	case latency < b.cfg.PerfThreshold/2 && b.targetSize < b.cfg.MaxBatchSize:
		b.targetSize++
	}
}
