// Package circuit provides per-key circuit breaking and causality-chain
// feedback-loop detection. State transitions are lazy: reads perform the
// time-based promotions and window resets, so no scheduler is required.
package circuit

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the breaker FSM state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes the failure FSM.
type BreakerConfig struct {
	// FailureThreshold trips closed -> open when reached, either as a
	// consecutive run or as total failures inside Window.
	FailureThreshold int

	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes.
	SuccessThreshold int

	// Window bounds the failure count; counters reset once a full window
	// passes without a failure.
	Window time.Duration

	// Cooldown is how long an open circuit waits before probing (half-open).
	Cooldown time.Duration
}

// DefaultBreakerConfig matches the platform defaults: trip after 5 failures
// in 60s, probe after 30s, close after 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// Record is the externally-visible snapshot of one circuit.
type Record struct {
	ID                   string     `json:"id"`
	State                State      `json:"state"`
	TripReason           string     `json:"tripReason,omitempty"`
	TrippedAt            *time.Time `json:"trippedAt,omitempty"`
	LastFailureAt        *time.Time `json:"lastFailureAt,omitempty"`
	LastSuccessAt        *time.Time `json:"lastSuccessAt,omitempty"`
	TotalFailures        int64      `json:"totalFailures"`
	TotalSuccesses       int64      `json:"totalSuccesses"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`

	// windowFailures counts failures inside the current window.
	windowFailures int
	windowStart    time.Time
}

// Breaker tracks any number of circuits keyed by id. Circuits are created
// closed on first touch.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	circuits map[string]*Record

	now func() time.Time
}

// NewBreaker constructs a Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cfg:      cfg,
		circuits: map[string]*Record{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) circuitLocked(id string) *Record {
	rec, ok := b.circuits[id]
	if !ok {
		rec = &Record{ID: id, State: StateClosed}
		b.circuits[id] = rec
	}
	return rec
}

// advanceLocked applies the lazy time-based transitions: open -> half_open
// after the cooldown, and failure-window expiry while closed.
func (b *Breaker) advanceLocked(rec *Record) {
	now := b.now()
	switch rec.State {
	case StateOpen:
		if rec.TrippedAt != nil && now.Sub(*rec.TrippedAt) >= b.cfg.Cooldown {
			rec.State = StateHalfOpen
			rec.ConsecutiveSuccesses = 0
			log.Printf("[circuit] %s cooled down, probing (half_open)", rec.ID)
		}
	case StateClosed:
		if rec.LastFailureAt != nil && now.Sub(*rec.LastFailureAt) >= b.cfg.Window {
			rec.ConsecutiveFailures = 0
			rec.windowFailures = 0
		}
	}
}

// CanProceed reports whether work keyed by id may run. Note the mutating
// side effect: cooldown promotion and window expiry happen here.
func (b *Breaker) CanProceed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.circuitLocked(id)
	b.advanceLocked(rec)
	return rec.State != StateOpen
}

// RecordSuccess registers a successful outcome for the circuit.
func (b *Breaker) RecordSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.circuitLocked(id)
	b.advanceLocked(rec)

	now := b.now()
	rec.LastSuccessAt = &now
	rec.TotalSuccesses++
	rec.ConsecutiveSuccesses++
	rec.ConsecutiveFailures = 0

	if rec.State == StateHalfOpen && rec.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
		rec.State = StateClosed
		rec.TripReason = ""
		rec.TrippedAt = nil
		rec.windowFailures = 0
		log.Printf("[circuit] %s recovered (closed)", rec.ID)
	}
}

// RecordFailure registers a failed outcome. A half-open circuit re-opens on
// any failure; a closed circuit trips once the threshold is met.
func (b *Breaker) RecordFailure(id, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.circuitLocked(id)
	b.advanceLocked(rec)

	now := b.now()
	if rec.windowFailures == 0 || now.Sub(rec.windowStart) >= b.cfg.Window {
		rec.windowStart = now
		rec.windowFailures = 0
	}
	rec.LastFailureAt = &now
	rec.TotalFailures++
	rec.ConsecutiveFailures++
	rec.windowFailures++
	rec.ConsecutiveSuccesses = 0

	switch rec.State {
	case StateHalfOpen:
		b.tripLocked(rec, fmt.Sprintf("failure while half_open: %s", reason))
	case StateClosed:
		if rec.ConsecutiveFailures >= b.cfg.FailureThreshold || rec.windowFailures >= b.cfg.FailureThreshold {
			if reason == "" {
				reason = fmt.Sprintf("%d failures within %s", rec.windowFailures, b.cfg.Window)
			}
			b.tripLocked(rec, reason)
		}
	}
}

// Trip forces the circuit open.
func (b *Breaker) Trip(id, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(b.circuitLocked(id), reason)
}

func (b *Breaker) tripLocked(rec *Record, reason string) {
	now := b.now()
	rec.State = StateOpen
	rec.TripReason = reason
	rec.TrippedAt = &now
	log.Printf("[circuit] %s tripped open: %s", rec.ID, reason)
}

// Reset forces the circuit back to closed with cleared counters.
func (b *Breaker) Reset(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.circuitLocked(id)
	rec.State = StateClosed
	rec.TripReason = ""
	rec.TrippedAt = nil
	rec.ConsecutiveFailures = 0
	rec.ConsecutiveSuccesses = 0
	rec.windowFailures = 0
}

// Snapshot returns a copy of the circuit record after lazy transitions.
func (b *Breaker) Snapshot(id string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.circuits[id]
	if !ok {
		return Record{}, false
	}
	b.advanceLocked(rec)
	return *rec, true
}
