package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fleetgov/gatekeeper/internal/canonical"
)

// Store is the persistence abstraction for the decision log.
type Store interface {
	// AppendDecision canonicalizes the decision, links it to the previous
	// head hash, and persists it.
	AppendDecision(ctx context.Context, d *Decision) error

	// GetDecision retrieves a Decision by id.
	GetDecision(ctx context.Context, id string) (*Decision, error)

	// Ping validates the store is reachable/healthy.
	Ping(ctx context.Context) error
}

// chainBody is the portion of a decision covered by its hash.
func chainBody(d *Decision) map[string]interface{} {
	return map[string]interface{}{
		"kind":          d.Kind,
		"actorId":       d.ActorID,
		"correlationId": d.CorrelationID,
		"allowed":       d.Allowed,
		"reason":        d.Reason,
		"detail":        d.Detail,
		"ts":            d.Ts.Format(time.RFC3339Nano),
	}
}

// chainHash computes sha256(canonical(body) || prevHashBytes).
func chainHash(d *Decision, prev string) (string, error) {
	canon, err := canonical.Marshal(chainBody(d))
	if err != nil {
		return "", fmt.Errorf("canonicalize decision: %w", err)
	}
	concat := append([]byte{}, canon...)
	if prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return "", fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	return canonical.HashHex(concat), nil
}

// seal populates id, timestamp, prev/hash on a decision about to be stored.
func seal(d *Decision, prev string) error {
	if d.ID == "" {
		d.ID = NewUUID()
	}
	if d.Ts.IsZero() {
		d.Ts = time.Now().UTC()
	}
	h, err := chainHash(d, prev)
	if err != nil {
		return err
	}
	d.PrevHash = prev
	d.Hash = h
	return nil
}

// VerifyChain recomputes hashes over decisions ordered oldest-first and
// reports the first index whose hash or linkage does not match, or -1.
func VerifyChain(decisions []*Decision) (int, error) {
	prev := ""
	for i, d := range decisions {
		if d.PrevHash != prev {
			return i, fmt.Errorf("decision %s prevHash mismatch", d.ID)
		}
		h, err := chainHash(d, prev)
		if err != nil {
			return i, err
		}
		if h != d.Hash {
			return i, fmt.Errorf("decision %s hash mismatch", d.ID)
		}
		prev = d.Hash
	}
	return -1, nil
}
