package manager

import (
	"math/rand"
	"sync"
	"time"

	"github.com/voxterm/switchboard/internal/fault"
)

// candidate is a point-in-time view of one healthy backend, snapshotted
// for strategy selection so strategies never touch live registration state.
type candidate struct {
	id        string
	weight    int
	latency   time.Duration
	errorRate float64
	inFlight  int
}

// Strategy picks one backend from the healthy candidates. Candidates are
// given in registration order; the first registered backend is the primary.
type Strategy interface {
	Name() string
	pick(cands []candidate) int
}

// newStrategy maps a config strategy name to an implementation.
func newStrategy(name string) (Strategy, error) {
	switch name {
	case "", "primary_fallback":
		return primaryFallback{}, nil
	case "performance":
		return performanceBased{}, nil
	case "health":
		return healthBased{}, nil
	case "round_robin":
		return &roundRobin{}, nil
	case "weighted_random":
		return &weightedRandom{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
	case "least_connections":
		return leastConnections{}, nil
	default:
		return nil, fault.Newf(fault.KindValidation, "manager.strategy", "unknown strategy %q", name)
	}
}

// primaryFallback always prefers the earliest registered backend; later
// ones only see traffic when failover skips the primary.
type primaryFallback struct{}

func (primaryFallback) Name() string               { return "primary_fallback" }
func (primaryFallback) pick(cands []candidate) int { return 0 }

// performanceBased picks the lowest observed probe latency. A backend with
// no samples yet reads as zero and gets tried first.
type performanceBased struct{}

func (performanceBased) Name() string { return "performance" }

func (performanceBased) pick(cands []candidate) int {
	best := 0
	for i, c := range cands {
		if c.latency < cands[best].latency {
			best = i
		}
	}
	return best
}

// healthBased picks the lowest recent error rate.
type healthBased struct{}

func (healthBased) Name() string { return "health" }

func (healthBased) pick(cands []candidate) int {
	best := 0
	for i, c := range cands {
		if c.errorRate < cands[best].errorRate {
			best = i
		}
	}
	return best
}

// roundRobin rotates through candidates in order.
type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (*roundRobin) Name() string { return "round_robin" }

func (s *roundRobin) pick(cands []candidate) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next % len(cands)
	s.next++
	return idx
}

// weightedRandom picks proportionally to registration weight.
type weightedRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (*weightedRandom) Name() string { return "weighted_random" }

func (s *weightedRandom) pick(cands []candidate) int {
	total := 0
	for _, c := range cands {
		total += max(c.weight, 1)
	}

	s.mu.Lock()
	n := s.rng.Intn(total)
	s.mu.Unlock()

	for i, c := range cands {
		n -= max(c.weight, 1)
		if n < 0 {
			return i
		}
	}
	return len(cands) - 1
}

// leastConnections picks the backend with the fewest in-flight operations.
type leastConnections struct{}

func (leastConnections) Name() string { return "least_connections" }

func (leastConnections) pick(cands []candidate) int {
	best := 0
	for i, c := range cands {
		if c.inFlight < cands[best].inFlight {
			best = i
		}
	}
	return best
}
