package circuit

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ChainConfig tunes the causality-chain tracker.
type ChainConfig struct {
	// MaxChainDepth rejects a correlation chain once it has seen this many
	// tasks.
	MaxChainDepth int

	// MaxChains caps tracked correlations; exceeding it evicts the
	// least-recently-touched 10%.
	MaxChains int

	// MaxChainAge is the staleness bound for SweepStale.
	MaxChainAge time.Duration
}

// DefaultChainConfig matches the platform defaults.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxChainDepth: 20,
		MaxChains:     10000,
		MaxChainAge:   30 * time.Minute,
	}
}

type chain struct {
	taskIDs   []string
	seen      map[string]struct{}
	touchedAt time.Time
}

// ChainTracker records, per correlation id, the ordered task ids observed,
// and flags exact repeats (cycles) and excessive depth.
type ChainTracker struct {
	cfg ChainConfig

	mu     sync.Mutex
	chains map[string]*chain

	now func() time.Time
}

// NewChainTracker constructs a ChainTracker.
func NewChainTracker(cfg ChainConfig) *ChainTracker {
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = 20
	}
	if cfg.MaxChains <= 0 {
		cfg.MaxChains = 10000
	}
	if cfg.MaxChainAge <= 0 {
		cfg.MaxChainAge = 30 * time.Minute
	}
	return &ChainTracker{
		cfg:    cfg,
		chains: map[string]*chain{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (t *ChainTracker) WithClock(now func() time.Time) *ChainTracker {
	t.now = now
	return t
}

// Check inspects the correlation's chain for taskID. A repeat task id is a
// cycle and a chain at MaxChainDepth is saturated; both reject. Otherwise the
// task id is appended and the call accepts.
func (t *ChainTracker) Check(correlationID, taskID string) (bool, string) {
	if correlationID == "" || taskID == "" {
		return false, ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chains[correlationID]
	if !ok {
		if len(t.chains) >= t.cfg.MaxChains {
			t.evictOldestLocked()
		}
		c = &chain{seen: map[string]struct{}{}}
		t.chains[correlationID] = c
	}
	c.touchedAt = t.now()

	if _, dup := c.seen[taskID]; dup {
		return true, fmt.Sprintf("cycle detected: task %s already in chain %s", taskID, correlationID)
	}
	if len(c.taskIDs) >= t.cfg.MaxChainDepth {
		return true, fmt.Sprintf("chain %s reached max depth %d", correlationID, t.cfg.MaxChainDepth)
	}
	c.taskIDs = append(c.taskIDs, taskID)
	c.seen[taskID] = struct{}{}
	return false, ""
}

// ChainLen returns the current depth of a correlation's chain.
func (t *ChainTracker) ChainLen(correlationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chains[correlationID]
	if !ok {
		return 0
	}
	return len(c.taskIDs)
}

// evictOldestLocked drops the least-recently-touched 10% of chains.
func (t *ChainTracker) evictOldestLocked() {
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(t.chains))
	for id, c := range t.chains {
		entries = append(entries, entry{id: id, at: c.touchedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	n := len(entries) / 10
	if n < 1 {
		n = 1
	}
	for _, e := range entries[:n] {
		delete(t.chains, e.id)
	}
}

// SweepStale removes chains untouched for longer than MaxChainAge and
// returns the count removed. Callers schedule this externally.
func (t *ChainTracker) SweepStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.cfg.MaxChainAge)
	removed := 0
	for id, c := range t.chains {
		if c.touchedAt.Before(cutoff) {
			delete(t.chains, id)
			removed++
		}
	}
	return removed
}
