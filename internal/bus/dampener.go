package bus

import (
	"fmt"
	"sync"
	"time"
)

// DampenerConfig tunes the three suppression stages.
type DampenerConfig struct {
	// DedupWindow is how long an event's content hash suppresses repeats.
	DedupWindow time.Duration

	// WindowDuration is the sliding-window length for per-type rate limits.
	WindowDuration time.Duration

	// DefaultRateLimit caps events per type per window when the type has no
	// explicit entry in RateLimits.
	DefaultRateLimit int

	// RateLimits overrides the per-window ceiling for specific event types.
	RateLimits map[string]int

	// CascadeThreshold caps the cumulative events delivered for one
	// correlation id.
	CascadeThreshold int

	// CascadeFanoutRatio rejects a correlation whose share of its type's
	// window volume exceeds this ratio (only checked once the window has
	// meaningful volume).
	CascadeFanoutRatio float64
}

// DefaultDampenerConfig matches the platform defaults.
func DefaultDampenerConfig() DampenerConfig {
	return DampenerConfig{
		DedupWindow:        30 * time.Second,
		WindowDuration:     60 * time.Second,
		DefaultRateLimit:   100,
		CascadeThreshold:   50,
		CascadeFanoutRatio: 0.8,
	}
}

// window is the per-type sliding accounting bucket. Per-correlation counts
// live inside the window so the fan-out ratio's numerator and denominator
// always describe the same window.
type window struct {
	start  time.Time
	count  int
	byCorr map[string]int
}

// minFanoutVolume is the window volume below which the fan-out ratio is not
// meaningful (a correlation's first few events always dominate an empty
// window).
const minFanoutVolume = 10

// Dampener gates events through dedup, per-type rate limiting, and
// correlation cascade detection. Only events that pass all three stages are
// recorded, so rejected publishes never consume quota.
type Dampener struct {
	cfg DampenerConfig

	mu           sync.Mutex
	dedup        map[string]time.Time
	windows      map[string]*window
	correlations map[string]int

	now func() time.Time
}

// NewDampener constructs a Dampener.
func NewDampener(cfg DampenerConfig) *Dampener {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 30 * time.Second
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 60 * time.Second
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = 100
	}
	if cfg.CascadeThreshold <= 0 {
		cfg.CascadeThreshold = 50
	}
	if cfg.CascadeFanoutRatio <= 0 {
		cfg.CascadeFanoutRatio = 0.8
	}
	return &Dampener{
		cfg:          cfg,
		dedup:        map[string]time.Time{},
		windows:      map[string]*window{},
		correlations: map[string]int{},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (d *Dampener) WithClock(now func() time.Time) *Dampener {
	d.now = now
	return d
}

func (d *Dampener) rateLimit(eventType string) int {
	if n, ok := d.cfg.RateLimits[eventType]; ok && n > 0 {
		return n
	}
	return d.cfg.DefaultRateLimit
}

// ShouldEmit runs the suppression pipeline and, when the event passes,
// records it into the dedup index, the type window, and the correlation
// counters. The decision and the recording are one atomic step.
func (d *Dampener) ShouldEmit(ev Event) (bool, string) {
	hash := ev.ContentHash()
	now := d.now()

	if ev.TTL > 0 && !ev.Timestamp.IsZero() && now.Sub(ev.Timestamp) > ev.TTL {
		return false, fmt.Sprintf("event expired (ttl %s)", ev.TTL)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Stage 1: dedup.
	if seenAt, ok := d.dedup[hash]; ok && now.Sub(seenAt) <= d.cfg.DedupWindow {
		return false, fmt.Sprintf("duplicate event within %s", d.cfg.DedupWindow)
	}

	// Stage 2: per-type rate limit on a resetting window.
	win, ok := d.windows[ev.Type]
	if !ok || now.Sub(win.start) >= d.cfg.WindowDuration {
		win = &window{start: now, byCorr: map[string]int{}}
		d.windows[ev.Type] = win
	}
	if limit := d.rateLimit(ev.Type); win.count >= limit {
		return false, fmt.Sprintf("rate limit reached for %s (%d per %s)", ev.Type, limit, d.cfg.WindowDuration)
	}

	// Stage 3: cascade detection on the correlation chain.
	if ev.CorrelationID != "" {
		if total := d.correlations[ev.CorrelationID]; total >= d.cfg.CascadeThreshold {
			return false, fmt.Sprintf("cascade threshold reached for correlation %s (%d events)", ev.CorrelationID, total)
		}
		if win.count >= minFanoutVolume {
			ratio := float64(win.byCorr[ev.CorrelationID]+1) / float64(win.count+1)
			if ratio > d.cfg.CascadeFanoutRatio {
				return false, fmt.Sprintf("fan-out ratio %.2f for correlation %s exceeds %.2f", ratio, ev.CorrelationID, d.cfg.CascadeFanoutRatio)
			}
		}
	}

	// Passed all stages: record.
	d.dedup[hash] = now
	win.count++
	if ev.CorrelationID != "" {
		d.correlations[ev.CorrelationID]++
		win.byCorr[ev.CorrelationID]++
	}
	return true, ""
}

// CorrelationCount returns the cumulative delivered events for a correlation.
func (d *Dampener) CorrelationCount(correlationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.correlations[correlationID]
}

// CleanupOldEvents prunes dedup entries older than DedupWindow and windows
// that have fully elapsed, returning the number of dedup entries dropped.
func (d *Dampener) CleanupOldEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	removed := 0
	for hash, at := range d.dedup {
		if now.Sub(at) > d.cfg.DedupWindow {
			delete(d.dedup, hash)
			removed++
		}
	}
	for typ, win := range d.windows {
		if now.Sub(win.start) >= d.cfg.WindowDuration {
			delete(d.windows, typ)
		}
	}
	return removed
}
