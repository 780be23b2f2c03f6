package bus

import (
	"time"

	"github.com/fleetgov/gatekeeper/internal/canonical"
)

// Event is a signal emitted during task execution. Payload semantics are
// opaque to the bus; Type+Source+Payload form the logical content for
// deduplication.
type Event struct {
	Type          string                 `json:"type"`
	CorrelationID string                 `json:"correlationId"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Source        string                 `json:"source"`
	Target        string                 `json:"target,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	TTL           time.Duration          `json:"ttl,omitempty"`
}

// ContentHash fingerprints the event the same way tasks are fingerprinted:
// payload key order never changes the hash.
func (e Event) ContentHash() string {
	h, err := canonical.ContentHash(map[string]interface{}{
		"type":    e.Type,
		"source":  e.Source,
		"payload": e.Payload,
	})
	if err != nil {
		return canonical.HashHex([]byte(e.Type + ":" + e.Source))
	}
	return h
}
