package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PGStore persists the decision chain in Postgres. Rows carry a
// stream_status column so the Streamer can claim and retry them; the DB is
// the source of truth for the Kafka/S3 pipeline.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// lastHashTx returns the latest hash, locking the head row so a concurrent
// appender cannot seal against the same head and fork the chain.
func (p *PGStore) lastHashTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var h sql.NullString
	q := `SELECT hash FROM decisions ORDER BY ts DESC LIMIT 1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, q).Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

// AppendDecision links the decision to the current head hash and inserts it
// with stream_status 'pending' for the streamer to pick up. Head read and
// insert run in one transaction.
func (p *PGStore) AppendDecision(ctx context.Context, d *Decision) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := p.lastHashTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	if err := seal(d, prev); err != nil {
		return err
	}

	detailJSON := []byte("null")
	if d.Detail != nil {
		detailJSON, err = json.Marshal(d.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
	}

	q := `
		INSERT INTO decisions
		  (id, kind, actor_id, correlation_id, allowed, reason, detail, prev_hash, hash, ts, stream_status, attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',0)
	`
	_, err = tx.ExecContext(ctx, q,
		d.ID, d.Kind, d.ActorID, d.CorrelationID, d.Allowed, d.Reason,
		detailJSON, d.PrevHash, d.Hash, d.Ts,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// GetDecision fetches a Decision by id and unmarshals the detail column.
func (p *PGStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	q := `SELECT id, kind, actor_id, correlation_id, allowed, reason, detail, prev_hash, hash, ts FROM decisions WHERE id=$1`
	row := p.db.QueryRowContext(ctx, q, id)

	var (
		d           Decision
		detailBytes []byte
	)
	if err := row.Scan(&d.ID, &d.Kind, &d.ActorID, &d.CorrelationID, &d.Allowed, &d.Reason, &detailBytes, &d.PrevHash, &d.Hash, &d.Ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query decision: %w", err)
	}
	if len(detailBytes) > 0 && string(detailBytes) != "null" {
		var detail interface{}
		if err := json.Unmarshal(detailBytes, &detail); err != nil {
			detail = string(detailBytes)
		}
		d.Detail = detail
	}
	return &d, nil
}

// FetchPendingForStreaming claims up to limit pending decisions for the
// streamer: rows are selected FOR UPDATE SKIP LOCKED, marked in_progress and
// their attempt counter incremented, all in one transaction.
func (p *PGStore) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Decision, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `
		SELECT id, kind, actor_id, correlation_id, allowed, reason, detail, prev_hash, hash, ts
		FROM decisions
		WHERE stream_status = 'pending'
		ORDER BY ts ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending decisions: %w", err)
	}

	var claimed []*Decision
	for rows.Next() {
		var (
			d           Decision
			detailBytes []byte
		)
		if err := rows.Scan(&d.ID, &d.Kind, &d.ActorID, &d.CorrelationID, &d.Allowed, &d.Reason, &detailBytes, &d.PrevHash, &d.Hash, &d.Ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending decision: %w", err)
		}
		if len(detailBytes) > 0 && string(detailBytes) != "null" {
			var detail interface{}
			if err := json.Unmarshal(detailBytes, &detail); err == nil {
				d.Detail = detail
			}
		}
		claimed = append(claimed, &d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending decisions: %w", err)
	}

	for _, d := range claimed {
		uq := `UPDATE decisions SET stream_status='in_progress', attempts = attempts + 1, claimed_at=$1 WHERE id=$2`
		if _, err := tx.ExecContext(ctx, uq, time.Now().UTC(), d.ID); err != nil {
			return nil, fmt.Errorf("claim decision %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// MarkStreamResult records a streaming outcome. Success stores the archived
// object key; failure stores the error and returns the row to pending so a
// later pass retries it.
func (p *PGStore) MarkStreamResult(ctx context.Context, id string, archivedKey sql.NullString, ok bool, streamErr sql.NullString) error {
	if ok {
		q := `UPDATE decisions SET stream_status='streamed', s3_object_key=$1, streamed_at=NOW(), last_stream_error=NULL WHERE id=$2`
		_, err := p.db.ExecContext(ctx, q, archivedKey, id)
		return err
	}
	q := `UPDATE decisions SET stream_status='pending', last_stream_error=$1 WHERE id=$2`
	_, err := p.db.ExecContext(ctx, q, streamErr, id)
	return err
}
