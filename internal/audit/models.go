// Package audit is the hash-chained decision log for admission outcomes.
// Every admit/reject/trip/suppress decision the control plane makes can be
// appended here; each record's hash covers its canonical payload plus the
// previous record's hash, so tampering breaks the chain.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Decision kinds. One per admission surface.
const (
	KindTaskAdmitted     = "task.admitted"
	KindTaskRejected     = "task.rejected"
	KindTaskCompleted    = "task.completed"
	KindBudgetReserved   = "budget.reserved"
	KindBudgetDenied     = "budget.denied"
	KindCircuitTripped   = "circuit.tripped"
	KindCircuitRecovered = "circuit.recovered"
	KindEventDelivered   = "event.delivered"
	KindEventSuppressed  = "event.suppressed"
)

// Decision is one admission-control outcome.
type Decision struct {
	ID            string      `json:"id,omitempty"`
	Kind          string      `json:"kind"`
	ActorID       string      `json:"actorId,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Allowed       bool        `json:"allowed"`
	Reason        string      `json:"reason,omitempty"`
	Detail        interface{} `json:"detail,omitempty"`
	PrevHash      string      `json:"prevHash,omitempty"`
	Hash          string      `json:"hash,omitempty"`
	Ts            time.Time   `json:"ts"`
}

// ErrNotFound is returned when a requested decision cannot be located.
var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
