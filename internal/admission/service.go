// Package admission composes the four governance components — arbitrator,
// budget engine, circuit breaker (with chain tracker), and event bus — into
// the control-plane surface the HTTP layer exposes. The components stay
// independent; only this service sequences them, and only this service
// writes the audit decision log.
package admission

import (
	"context"
	"log"
	"time"

	"github.com/fleetgov/gatekeeper/internal/arbiter"
	"github.com/fleetgov/gatekeeper/internal/audit"
	"github.com/fleetgov/gatekeeper/internal/budget"
	"github.com/fleetgov/gatekeeper/internal/bus"
	"github.com/fleetgov/gatekeeper/internal/circuit"
	"github.com/fleetgov/gatekeeper/internal/correlation"
)

// Service wires the admission pipeline together.
type Service struct {
	arbitrator *arbiter.Arbitrator
	budgets    *budget.Engine
	breaker    *circuit.Breaker
	chains     *circuit.ChainTracker
	events     *bus.Bus
	decisions  audit.Store
}

// New constructs the service. The audit store may be nil; decisions are then
// only returned to callers, not recorded.
func New(arb *arbiter.Arbitrator, budgets *budget.Engine, breaker *circuit.Breaker, chains *circuit.ChainTracker, events *bus.Bus, decisions audit.Store) *Service {
	return &Service{
		arbitrator: arb,
		budgets:    budgets,
		breaker:    breaker,
		chains:     chains,
		events:     events,
		decisions:  decisions,
	}
}

func (s *Service) record(ctx context.Context, d *audit.Decision) {
	if s.decisions == nil {
		return
	}
	if err := s.decisions.AppendDecision(ctx, d); err != nil {
		// The decision stands either way; the audit trail is best-effort
		// from the admission path's point of view.
		log.Printf("[admission] append decision %s: %v", d.Kind, err)
	}
}

// SubmitTask runs the full admission sequence for one submission: circuit
// gate, arbitrator pipeline, then causality-chain tracking. A chain loop
// trips the actor's circuit so the storm stops at the next submission.
func (s *Service) SubmitTask(ctx context.Context, sub arbiter.TaskSubmission) arbiter.Decision {
	if sub.CorrelationID == "" {
		sub.CorrelationID = correlation.GetOrGenerate(ctx)
	}

	if !s.breaker.CanProceed(sub.ActorID) {
		dec := arbiter.Decision{
			Accepted: false,
			Reason:   "circuit open for actor " + sub.ActorID,
		}
		s.record(ctx, &audit.Decision{
			Kind:          audit.KindTaskRejected,
			ActorID:       sub.ActorID,
			CorrelationID: sub.CorrelationID,
			Reason:        dec.Reason,
		})
		return dec
	}

	// A budget hint is an estimated cost; a submission whose estimate
	// already exceeds the actor's headroom never reaches the arbitrator.
	if sub.BudgetHint > 0 {
		if ok, why := s.budgets.Check(sub.ActorID, budget.DimensionCost, sub.BudgetHint); !ok {
			dec := arbiter.Decision{
				Accepted: false,
				Reason:   "budget hint exceeds headroom: " + why,
			}
			s.record(ctx, &audit.Decision{
				Kind:          audit.KindTaskRejected,
				ActorID:       sub.ActorID,
				CorrelationID: sub.CorrelationID,
				Reason:        dec.Reason,
			})
			return dec
		}
	}

	dec := s.arbitrator.Submit(sub)
	if !dec.Accepted {
		s.record(ctx, &audit.Decision{
			Kind:          audit.KindTaskRejected,
			ActorID:       sub.ActorID,
			CorrelationID: sub.CorrelationID,
			Reason:        dec.Reason,
		})
		return dec
	}

	if loop, reason := s.chains.Check(sub.CorrelationID, dec.Record.ID); loop {
		s.breaker.Trip(sub.ActorID, reason)
		s.record(ctx, &audit.Decision{
			Kind:          audit.KindCircuitTripped,
			ActorID:       sub.ActorID,
			CorrelationID: sub.CorrelationID,
			Reason:        reason,
		})
	}

	s.record(ctx, &audit.Decision{
		Kind:          audit.KindTaskAdmitted,
		ActorID:       sub.ActorID,
		CorrelationID: sub.CorrelationID,
		Allowed:       true,
		Detail:        map[string]interface{}{"taskId": dec.Record.ID, "fingerprint": dec.Record.Fingerprint},
	})
	return dec
}

// StartTask transitions a task to running.
func (s *Service) StartTask(id string) bool {
	return s.arbitrator.Start(id)
}

// CompleteTask settles a task: the record transitions, the consumed budget
// is charged, and the outcome feeds the actor's circuit.
func (s *Service) CompleteTask(ctx context.Context, id, result, errText string, budgetUsed float64) bool {
	rec, found := s.arbitrator.Get(id)
	if !s.arbitrator.Complete(id, result, errText, budgetUsed) {
		return false
	}
	if found {
		if budgetUsed > 0 {
			s.budgets.RecordUsage(rec.ActorID, budget.DimensionCost, budgetUsed)
		}
		if errText != "" {
			s.breaker.RecordFailure(rec.ActorID, errText)
		} else {
			s.breaker.RecordSuccess(rec.ActorID)
		}
		s.record(ctx, &audit.Decision{
			Kind:          audit.KindTaskCompleted,
			ActorID:       rec.ActorID,
			CorrelationID: rec.CorrelationID,
			Allowed:       errText == "",
			Reason:        errText,
			Detail:        map[string]interface{}{"taskId": id, "budgetUsed": budgetUsed},
		})
	}
	return true
}

// GetTask returns a task record copy.
func (s *Service) GetTask(id string) (arbiter.TaskRecord, bool) {
	return s.arbitrator.Get(id)
}

// ReserveBudget pre-allocates budget before work runs.
func (s *Service) ReserveBudget(ctx context.Context, actorID string, dim budget.Dimension, amount float64, reservationID string, expiresIn time.Duration) (bool, string) {
	ok, reason := s.budgets.Reserve(actorID, dim, amount, reservationID, expiresIn)
	kind := audit.KindBudgetReserved
	if !ok {
		kind = audit.KindBudgetDenied
	}
	s.record(ctx, &audit.Decision{
		Kind:    kind,
		ActorID: actorID,
		Allowed: ok,
		Reason:  reason,
		Detail: map[string]interface{}{
			"dimension":     string(dim),
			"amount":        amount,
			"reservationId": reservationID,
		},
	})
	return ok, reason
}

// CommitBudget settles a reservation at its actual cost; pass a negative
// actualAmount to charge the reserved amount.
func (s *Service) CommitBudget(reservationID string, actualAmount float64) bool {
	return s.budgets.Commit(reservationID, actualAmount)
}

// ReleaseBudget returns a reservation uncharged.
func (s *Service) ReleaseBudget(reservationID string) bool {
	return s.budgets.Release(reservationID)
}

// Budgets exposes the engine for read-side handlers.
func (s *Service) Budgets() *budget.Engine {
	return s.budgets
}

// CanProceed reports whether the circuit admits work, applying lazy
// transitions as a side effect.
func (s *Service) CanProceed(circuitID string) bool {
	return s.breaker.CanProceed(circuitID)
}

// ReportOutcome feeds an execution result into a circuit.
func (s *Service) ReportOutcome(circuitID string, success bool, reason string) {
	if success {
		s.breaker.RecordSuccess(circuitID)
		return
	}
	s.breaker.RecordFailure(circuitID, reason)
}

// TripCircuit forces a circuit open.
func (s *Service) TripCircuit(ctx context.Context, circuitID, reason string) {
	s.breaker.Trip(circuitID, reason)
	s.record(ctx, &audit.Decision{
		Kind:    audit.KindCircuitTripped,
		ActorID: circuitID,
		Reason:  reason,
	})
}

// ResetCircuit forces a circuit closed.
func (s *Service) ResetCircuit(ctx context.Context, circuitID string) {
	s.breaker.Reset(circuitID)
	s.record(ctx, &audit.Decision{
		Kind:    audit.KindCircuitRecovered,
		ActorID: circuitID,
		Allowed: true,
	})
}

// CircuitSnapshot returns the circuit's current record.
func (s *Service) CircuitSnapshot(circuitID string) (circuit.Record, bool) {
	return s.breaker.Snapshot(circuitID)
}

// PublishEvent routes an event through the dampener and, when allowed, to
// subscribers.
func (s *Service) PublishEvent(ctx context.Context, ev bus.Event) (bool, string) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = correlation.GetOrGenerate(ctx)
	}
	allowed, reason := s.events.Publish(ev)
	kind := audit.KindEventDelivered
	if !allowed {
		kind = audit.KindEventSuppressed
	}
	s.record(ctx, &audit.Decision{
		Kind:          kind,
		ActorID:       ev.Source,
		CorrelationID: ev.CorrelationID,
		Allowed:       allowed,
		Reason:        reason,
		Detail:        map[string]interface{}{"eventType": ev.Type},
	})
	return allowed, reason
}

// Events exposes the bus for in-process subscribers.
func (s *Service) Events() *bus.Bus {
	return s.events
}

// Sweep runs every cleanup pass once. Main schedules this on a timer; none
// of the components self-schedule.
func (s *Service) Sweep(maxRecordAge time.Duration) {
	removedTasks := s.arbitrator.Cleanup(maxRecordAge)
	releasedRes := s.budgets.CleanupExpired()
	prunedEvents := s.events.Dampener().CleanupOldEvents()
	sweptChains := s.chains.SweepStale()
	if removedTasks+releasedRes+prunedEvents+sweptChains > 0 {
		log.Printf("[admission] sweep: tasks=%d reservations=%d events=%d chains=%d",
			removedTasks, releasedRes, prunedEvents, sweptChains)
	}
}
