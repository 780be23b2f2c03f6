// Package budget tracks multi-dimensional resource usage per actor with a
// reserve -> commit/release protocol. Enforcement is strict: a reserve that
// would break used+reserved <= ceiling is rejected whole, never truncated.
package budget

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Options configures an Engine.
type Options struct {
	// AllowImplicitAllocation controls the posture for actors with no
	// allocation. When true, the first recorded usage lazily creates an
	// effectively-unlimited allocation (the legacy behavior). When false,
	// checks and reserves against unknown actors are denied.
	AllowImplicitAllocation bool

	// DefaultReservationTTL bounds reservations whose callers did not pass
	// an expiry. Zero means reservations without an expiry never expire.
	DefaultReservationTTL time.Duration
}

// implicitCeiling backs lazily-created allocations. Large enough to never
// bind in practice while keeping the arithmetic finite.
const implicitCeiling = 1e12

// Engine owns allocations and reservations. Check and Reserve lazily reset
// dimensions whose period has elapsed; there is no background timer.
type Engine struct {
	opts Options

	mu           sync.Mutex
	allocations  map[string]*Allocation
	reservations map[string]*Reservation

	now func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		opts:         opts,
		allocations:  map[string]*Allocation{},
		reservations: map[string]*Reservation{},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateAllocation installs (or replaces) an actor's limits with zeroed usage.
func (e *Engine) CreateAllocation(actorID string, limits []Limit) error {
	if actorID == "" {
		return fmt.Errorf("actorId required")
	}
	alloc := &Allocation{
		ActorID: actorID,
		Limits:  map[Dimension]Limit{},
		Usage:   map[Dimension]Usage{},
	}
	now := e.now()
	for _, lim := range limits {
		if !lim.Dimension.Valid() {
			return fmt.Errorf("unknown budget dimension %q", lim.Dimension)
		}
		if lim.Ceiling < 0 {
			return fmt.Errorf("negative ceiling for %s", lim.Dimension)
		}
		alloc.Limits[lim.Dimension] = lim
		alloc.Usage[lim.Dimension] = Usage{LastResetAt: now}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allocations[actorID] = alloc
	return nil
}

// Check reports whether the actor could spend amount on dim right now.
// It performs the lazy period reset as a side effect.
func (e *Engine) Check(actorID string, dim Dimension, amount float64) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked(actorID, dim, amount)
}

func (e *Engine) checkLocked(actorID string, dim Dimension, amount float64) (bool, string) {
	if amount < 0 {
		return false, "negative amount"
	}
	alloc, ok := e.allocations[actorID]
	if !ok {
		if e.opts.AllowImplicitAllocation {
			return true, ""
		}
		return false, fmt.Sprintf("no budget allocation for actor %s", actorID)
	}
	lim, limited := alloc.Limits[dim]
	if !limited {
		return true, ""
	}
	usage := e.resetIfElapsedLocked(alloc, dim)
	available := lim.Ceiling - usage.Used - usage.Reserved
	if amount > available {
		return false, fmt.Sprintf("%s budget exceeded for %s: requested %.4f, available %.4f", dim, actorID, amount, available)
	}
	if lim.SoftThreshold > 0 && usage.Used+usage.Reserved+amount >= lim.Ceiling*lim.SoftThreshold {
		log.Printf("[budget] actor %s near %s limit: %.4f of %.4f after +%.4f", actorID, dim, usage.Used+usage.Reserved+amount, lim.Ceiling, amount)
	}
	return true, ""
}

// resetIfElapsedLocked applies the lazy period reset and returns the current
// usage value for dim.
func (e *Engine) resetIfElapsedLocked(alloc *Allocation, dim Dimension) Usage {
	usage := alloc.Usage[dim]
	lim, ok := alloc.Limits[dim]
	if !ok || lim.Period <= 0 {
		return usage
	}
	now := e.now()
	if now.Sub(usage.LastResetAt) >= lim.Period {
		// Reserved amounts survive a reset: they belong to in-flight work.
		usage.Used = 0
		usage.LastResetAt = now
		alloc.Usage[dim] = usage
	}
	return usage
}

// Reserve claims amount on dim under reservationID. The claim counts against
// the ceiling until committed or released. expiresIn <= 0 falls back to the
// engine's DefaultReservationTTL.
func (e *Engine) Reserve(actorID string, dim Dimension, amount float64, reservationID string, expiresIn time.Duration) (bool, string) {
	if reservationID == "" {
		return false, "reservationId required"
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.reservations[reservationID]; exists {
		return false, fmt.Sprintf("reservation %s already exists", reservationID)
	}
	ok, reason := e.checkLocked(actorID, dim, amount)
	if !ok {
		return false, reason
	}

	alloc := e.ensureAllocationLocked(actorID)
	usage := alloc.Usage[dim]
	usage.Reserved += amount
	alloc.Usage[dim] = usage

	res := &Reservation{
		ID:        reservationID,
		ActorID:   actorID,
		Dimension: dim,
		Amount:    amount,
		CreatedAt: e.now(),
	}
	if expiresIn <= 0 {
		expiresIn = e.opts.DefaultReservationTTL
	}
	if expiresIn > 0 {
		exp := res.CreatedAt.Add(expiresIn)
		res.ExpiresAt = &exp
	}
	e.reservations[reservationID] = res
	return true, ""
}

// Commit settles a reservation: actualAmount moves to used (pass a negative
// actualAmount to charge the reserved amount) and the reservation is deleted.
// The actual cost may exceed the reserved amount; work already done is always
// charged.
func (e *Engine) Commit(reservationID string, actualAmount float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.reservations[reservationID]
	if !ok {
		log.Printf("[budget] commit of unknown reservation %s", reservationID)
		return false
	}
	amount := res.Amount
	if actualAmount >= 0 {
		amount = actualAmount
	}
	alloc := e.ensureAllocationLocked(res.ActorID)
	usage := alloc.Usage[res.Dimension]
	usage.Reserved -= res.Amount
	if usage.Reserved < 0 {
		usage.Reserved = 0
	}
	usage.Used += amount
	alloc.Usage[res.Dimension] = usage
	delete(e.reservations, reservationID)
	return true
}

// Release returns a reservation to the pool without charging it.
func (e *Engine) Release(reservationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(reservationID)
}

func (e *Engine) releaseLocked(reservationID string) bool {
	res, ok := e.reservations[reservationID]
	if !ok {
		log.Printf("[budget] release of unknown reservation %s", reservationID)
		return false
	}
	alloc := e.ensureAllocationLocked(res.ActorID)
	usage := alloc.Usage[res.Dimension]
	usage.Reserved -= res.Amount
	if usage.Reserved < 0 {
		usage.Reserved = 0
	}
	alloc.Usage[res.Dimension] = usage
	delete(e.reservations, reservationID)
	return true
}

// RecordUsage charges direct, unreserved usage. Unknown actors are created
// lazily only when AllowImplicitAllocation is set.
func (e *Engine) RecordUsage(actorID string, dim Dimension, amount float64) bool {
	if amount < 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.allocations[actorID]; !ok && !e.opts.AllowImplicitAllocation {
		log.Printf("[budget] usage for unknown actor %s dropped", actorID)
		return false
	}
	alloc := e.ensureAllocationLocked(actorID)
	usage := e.resetIfElapsedLocked(alloc, dim)
	usage.Used += amount
	alloc.Usage[dim] = usage
	return true
}

// Remaining returns limit - used - reserved for the dimension, or ok=false
// when the actor or dimension has no configured limit.
func (e *Engine) Remaining(actorID string, dim Dimension) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alloc, ok := e.allocations[actorID]
	if !ok {
		return 0, false
	}
	lim, ok := alloc.Limits[dim]
	if !ok {
		return 0, false
	}
	usage := e.resetIfElapsedLocked(alloc, dim)
	return lim.Ceiling - usage.Used - usage.Reserved, true
}

// UsageSnapshot returns a copy of the actor's current usage map.
func (e *Engine) UsageSnapshot(actorID string) (map[Dimension]Usage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alloc, ok := e.allocations[actorID]
	if !ok {
		return nil, false
	}
	out := make(map[Dimension]Usage, len(alloc.Usage))
	for dim := range alloc.Usage {
		out[dim] = e.resetIfElapsedLocked(alloc, dim)
	}
	return out, true
}

// Reset zeroes used counters for one dimension, or for all when dim is empty.
// Reserved amounts are untouched; they belong to in-flight reservations.
func (e *Engine) Reset(actorID string, dim Dimension) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	alloc, ok := e.allocations[actorID]
	if !ok {
		return false
	}
	now := e.now()
	for d, usage := range alloc.Usage {
		if dim != "" && d != dim {
			continue
		}
		usage.Used = 0
		usage.LastResetAt = now
		alloc.Usage[d] = usage
	}
	return true
}

// CleanupExpired releases reservations past their expiry and returns the
// count released. Callers schedule this externally.
func (e *Engine) CleanupExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	released := 0
	for id, res := range e.reservations {
		if res.ExpiresAt != nil && now.After(*res.ExpiresAt) {
			e.releaseLocked(id)
			released++
		}
	}
	if released > 0 {
		log.Printf("[budget] released %d expired reservations", released)
	}
	return released
}

func (e *Engine) ensureAllocationLocked(actorID string) *Allocation {
	alloc, ok := e.allocations[actorID]
	if ok {
		return alloc
	}
	// Implicit allocation: unlimited ceilings so accounting proceeds without
	// enforcement. Only reachable when AllowImplicitAllocation is set or the
	// claim was already vetted.
	alloc = &Allocation{
		ActorID: actorID,
		Limits:  map[Dimension]Limit{},
		Usage:   map[Dimension]Usage{},
	}
	now := e.now()
	for _, dim := range Dimensions {
		alloc.Limits[dim] = Limit{Dimension: dim, Ceiling: implicitCeiling}
		alloc.Usage[dim] = Usage{LastResetAt: now}
	}
	e.allocations[actorID] = alloc
	log.Printf("[budget] implicit allocation created for actor %s", actorID)
	return alloc
}
