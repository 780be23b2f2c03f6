package arbiter

import (
	"time"
)

// Priority orders submissions from least to most urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a wire string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Status is the lifecycle state of a TaskRecord. Terminal states are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a record in this status can still transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskSubmission is the immutable input to Submit. Description and Context
// together form the logical content used for fingerprinting; the core never
// interprets them beyond that.
type TaskSubmission struct {
	Description   string            `json:"description"`
	Context       map[string]string `json:"context,omitempty"`
	ActorID       string            `json:"actorId"`
	Priority      Priority          `json:"priority"`
	CorrelationID string            `json:"correlationId"`
	SubmittedAt   time.Time         `json:"submittedAt"`
	BudgetHint    float64           `json:"budgetHint,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
}

// TaskRecord is the process-lifetime record of an admitted task. Owned by the
// Arbitrator; callers receive copies and mutate only through Start/Complete.
type TaskRecord struct {
	ID            string        `json:"id"`
	Fingerprint   string        `json:"fingerprint"`
	ActorID       string        `json:"actorId"`
	CorrelationID string        `json:"correlationId"`
	Status        Status        `json:"status"`
	Priority      Priority      `json:"priority"`
	SubmittedAt   time.Time     `json:"submittedAt"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	Result        string        `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	BudgetUsed    float64       `json:"budgetUsed"`
}

// Decision is the outcome of Submit. Rejections carry a human-readable
// reason; a duplicate rejection also carries the pre-existing record.
type Decision struct {
	Accepted bool        `json:"accepted"`
	Record   *TaskRecord `json:"record,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}
