package budget

import (
	"time"
)

// Dimension is the closed set of resources the engine accounts for.
type Dimension string

const (
	DimensionCost        Dimension = "cost"
	DimensionTokens      Dimension = "tokens"
	DimensionTimeSeconds Dimension = "time_seconds"
	DimensionConcurrency Dimension = "concurrency"
	DimensionAPICalls    Dimension = "api_calls"
)

// Dimensions lists every known dimension, for validation and iteration.
var Dimensions = []Dimension{
	DimensionCost,
	DimensionTokens,
	DimensionTimeSeconds,
	DimensionConcurrency,
	DimensionAPICalls,
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// Limit is the ceiling for one dimension. SoftThreshold, when set to a value
// in (0,1], marks the fraction of the limit at which usage is flagged but
// not blocked.
type Limit struct {
	Dimension     Dimension     `json:"dimension"`
	Ceiling       float64       `json:"ceiling"`
	Period        time.Duration `json:"period"`
	SoftThreshold float64       `json:"softThreshold,omitempty"`
}

// Usage tracks committed and reserved amounts for one dimension. The engine
// maintains used+reserved <= ceiling at all times.
type Usage struct {
	Used        float64   `json:"used"`
	Reserved    float64   `json:"reserved"`
	LastResetAt time.Time `json:"lastResetAt"`
}

// Allocation is one actor's full budget: limits and usage per dimension.
type Allocation struct {
	ActorID string              `json:"actorId"`
	Limits  map[Dimension]Limit `json:"limits"`
	Usage   map[Dimension]Usage `json:"usage"`
}

// Reservation is an ephemeral claim held between Reserve and Commit/Release.
type Reservation struct {
	ID        string     `json:"id"`
	ActorID   string     `json:"actorId"`
	Dimension Dimension  `json:"dimension"`
	Amount    float64    `json:"amount"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
