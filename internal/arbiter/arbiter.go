// Package arbiter implements task admission control: content-fingerprint
// deduplication, per-actor concurrency ceilings, and a correlation-chain
// loop heuristic. It decides whether a task may run; it never runs one.
package arbiter

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgov/gatekeeper/internal/canonical"
)

// Config carries the admission policy knobs.
type Config struct {
	// DedupWindow is how long an admitted fingerprint shadows identical
	// submissions from the same actor.
	DedupWindow time.Duration

	// MaxTasksPerActor caps an actor's pending+running records. Zero or
	// negative means unlimited.
	MaxTasksPerActor int

	// LoopDetection enables the correlation-concurrency heuristic.
	LoopDetection bool

	// LoopThreshold is the number of concurrent pending/running tasks under
	// one correlation id treated as a feedback loop. Defaults to 10.
	LoopThreshold int
}

// DefaultConfig mirrors the production posture: five-minute dedup window,
// 25 concurrent tasks per actor, loop detection on.
func DefaultConfig() Config {
	return Config{
		DedupWindow:      5 * time.Minute,
		MaxTasksPerActor: 25,
		LoopDetection:    true,
		LoopThreshold:    10,
	}
}

// Arbitrator owns the task records and their three indices. All methods are
// safe for concurrent use; every decision is a bounded in-memory check.
type Arbitrator struct {
	cfg Config

	mu            sync.RWMutex
	byID          map[string]*TaskRecord
	byFingerprint map[string][]string
	activeByActor map[string]map[string]struct{}

	now func() time.Time
}

// New constructs an Arbitrator with the given config.
func New(cfg Config) *Arbitrator {
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = 10
	}
	return &Arbitrator{
		cfg:           cfg,
		byID:          map[string]*TaskRecord{},
		byFingerprint: map[string][]string{},
		activeByActor: map[string]map[string]struct{}{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (a *Arbitrator) WithClock(now func() time.Time) *Arbitrator {
	a.now = now
	return a
}

// Fingerprint hashes a submission's logical content. Context key order does
// not affect the result.
func Fingerprint(description string, context map[string]string) string {
	h, err := canonical.ContentHash(map[string]interface{}{
		"description": description,
		"context":     context,
	})
	if err != nil {
		// ContentHash cannot fail on string maps; keep a defined value anyway.
		return canonical.HashHex([]byte(description))
	}
	return h
}

// Submit runs the admission pipeline: fingerprint, dedup, capacity, loop
// check, then record creation. Rejections return Accepted=false with a
// reason; a duplicate also returns the existing record.
func (a *Arbitrator) Submit(sub TaskSubmission) Decision {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = a.now()
	}
	fp := Fingerprint(sub.Description, sub.Context)

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing := a.findDuplicateLocked(fp, sub.ActorID, sub.SubmittedAt); existing != nil {
		dup := *existing
		return Decision{
			Accepted: false,
			Record:   &dup,
			Reason:   fmt.Sprintf("duplicate of %s", existing.ID),
		}
	}

	if a.cfg.MaxTasksPerActor > 0 {
		if active := len(a.activeByActor[sub.ActorID]); active >= a.cfg.MaxTasksPerActor {
			return Decision{
				Accepted: false,
				Reason:   fmt.Sprintf("actor %s at capacity (%d active, limit %d)", sub.ActorID, active, a.cfg.MaxTasksPerActor),
			}
		}
	}

	if a.cfg.LoopDetection && sub.CorrelationID != "" {
		if n := a.correlationActiveLocked(sub.CorrelationID); n >= a.cfg.LoopThreshold {
			return Decision{
				Accepted: false,
				Reason:   fmt.Sprintf("possible feedback loop on correlation %s (%d concurrent tasks)", sub.CorrelationID, n),
			}
		}
	}

	rec := &TaskRecord{
		ID:            uuid.New().String(),
		Fingerprint:   fp,
		ActorID:       sub.ActorID,
		CorrelationID: sub.CorrelationID,
		Status:        StatusPending,
		Priority:      sub.Priority,
		SubmittedAt:   sub.SubmittedAt,
		Timeout:       sub.Timeout,
	}
	a.byID[rec.ID] = rec
	a.byFingerprint[fp] = append(a.byFingerprint[fp], rec.ID)
	if a.activeByActor[sub.ActorID] == nil {
		a.activeByActor[sub.ActorID] = map[string]struct{}{}
	}
	a.activeByActor[sub.ActorID][rec.ID] = struct{}{}

	out := *rec
	return Decision{Accepted: true, Record: &out}
}

// findDuplicateLocked returns a pending/running record with the same
// fingerprint and actor submitted within the dedup window, or nil.
func (a *Arbitrator) findDuplicateLocked(fp, actorID string, at time.Time) *TaskRecord {
	for _, id := range a.byFingerprint[fp] {
		rec, ok := a.byID[id]
		if !ok || rec.ActorID != actorID {
			continue
		}
		if rec.Status != StatusPending && rec.Status != StatusRunning {
			continue
		}
		if at.Sub(rec.SubmittedAt) <= a.cfg.DedupWindow {
			return rec
		}
	}
	return nil
}

func (a *Arbitrator) correlationActiveLocked(correlationID string) int {
	n := 0
	for _, rec := range a.byID {
		if rec.CorrelationID == correlationID && (rec.Status == StatusPending || rec.Status == StatusRunning) {
			n++
		}
	}
	return n
}

// Start transitions pending -> running. Returns false for unknown ids or
// records not in pending; that is the caller's programming error, not ours.
func (a *Arbitrator) Start(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.byID[id]
	if !ok || rec.Status != StatusPending {
		log.Printf("[arbiter] start ignored for task %s", id)
		return false
	}
	now := a.now()
	rec.Status = StatusRunning
	rec.StartedAt = &now
	return true
}

// Complete transitions running -> completed/failed, stamps the completion
// time and consumed budget, and frees the actor's capacity slot. An empty
// errText marks success.
func (a *Arbitrator) Complete(id, result, errText string, budgetUsed float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.byID[id]
	if !ok || rec.Status != StatusRunning {
		log.Printf("[arbiter] complete ignored for task %s", id)
		return false
	}
	now := a.now()
	rec.CompletedAt = &now
	rec.BudgetUsed = budgetUsed
	if errText != "" {
		rec.Status = StatusFailed
		rec.Error = errText
	} else {
		rec.Status = StatusCompleted
		rec.Result = result
	}
	if set, ok := a.activeByActor[rec.ActorID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(a.activeByActor, rec.ActorID)
		}
	}
	return true
}

// Get returns a copy of a record by id.
func (a *Arbitrator) Get(id string) (TaskRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.byID[id]
	if !ok {
		return TaskRecord{}, false
	}
	return *rec, true
}

// ActiveCount returns the actor's pending+running record count.
func (a *Arbitrator) ActiveCount(actorID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.activeByActor[actorID])
}

// Cleanup first fails running records whose own Timeout has elapsed, then
// drops terminal records older than maxAge from all indices and returns how
// many were removed. Callers schedule this; the arbitrator never runs its
// own timers.
func (a *Arbitrator) Cleanup(maxAge time.Duration) int {
	now := a.now()
	cutoff := now.Add(-maxAge)
	a.mu.Lock()
	defer a.mu.Unlock()

	expired := 0
	for id, rec := range a.byID {
		if rec.Status != StatusRunning || rec.Timeout <= 0 || rec.StartedAt == nil {
			continue
		}
		if now.Sub(*rec.StartedAt) <= rec.Timeout {
			continue
		}
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("timed out after %s", rec.Timeout)
		stamped := now
		rec.CompletedAt = &stamped
		if set, ok := a.activeByActor[rec.ActorID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(a.activeByActor, rec.ActorID)
			}
		}
		expired++
	}
	if expired > 0 {
		log.Printf("[arbiter] cleanup timed out %d running records", expired)
	}

	removed := 0
	for id, rec := range a.byID {
		if !rec.Status.Terminal() {
			continue
		}
		at := rec.SubmittedAt
		if rec.CompletedAt != nil {
			at = *rec.CompletedAt
		}
		if at.After(cutoff) {
			continue
		}
		delete(a.byID, id)
		a.byFingerprint[rec.Fingerprint] = dropID(a.byFingerprint[rec.Fingerprint], id)
		if len(a.byFingerprint[rec.Fingerprint]) == 0 {
			delete(a.byFingerprint, rec.Fingerprint)
		}
		removed++
	}
	if removed > 0 {
		log.Printf("[arbiter] cleanup removed %d records older than %s", removed, maxAge)
	}
	return removed
}

func dropID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
