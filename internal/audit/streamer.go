package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fleetgov/gatekeeper/internal/canonical"
)

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// BatchSize is how many decisions to claim per fetch.
	BatchSize int

	// PollInterval is the sleep when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce->archive workers.
	MaxConcurrency int
}

// Streamer drains pending decisions from Postgres to Kafka and S3:
//   - claims rows via SELECT ... FOR UPDATE SKIP LOCKED
//   - produces a canonical envelope to Kafka and archives it to S3
//   - marks each row success/failure so the DB drives retries.
type Streamer struct {
	store    *PGStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer; zero config fields get defaults.
func NewStreamer(store *PGStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{store: store, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending decisions until ctx is cancelled. Safe to run in a
// goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		decisions, err := s.store.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(decisions) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, d := range decisions {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(d *Decision) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processDecision(ctx, d); err != nil {
					log.Printf("[audit.streamer] decision %s: %v", d.ID, err)
				}
			}(d)
		}

		// Drain the batch before claiming more; keeps per-batch ordering and
		// bounds in-flight work.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processDecision produces and archives one decision and records the result.
func (s *Streamer) processDecision(parentCtx context.Context, d *Decision) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.Marshal(Envelope(d))
	if err != nil {
		s.markFailure(parentCtx, d.ID, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(d.ID), canonBytes)
	if err != nil {
		s.markFailure(parentCtx, d.ID, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archivedKey sql.NullString
	if s3Arch, ok := s.archiver.(*S3Archiver); ok {
		key, err := s3Arch.ArchiveDecisionAndReturnKey(ctx, d)
		if err != nil {
			s.markFailure(parentCtx, d.ID, fmt.Sprintf("s3 archive: %v", err))
			return fmt.Errorf("s3 archive: %w", err)
		}
		archivedKey = sql.NullString{String: key, Valid: true}
	} else if s.archiver != nil {
		if err := s.archiver.ArchiveDecision(ctx, d); err != nil {
			s.markFailure(parentCtx, d.ID, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
	}

	if err := s.store.MarkStreamResult(parentCtx, d.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	log.Printf("[audit.streamer] decision %s streamed: produced_at=%s archived_key=%v", d.ID, producedAt.Format(time.RFC3339Nano), archivedKey)
	return nil
}

func (s *Streamer) markFailure(ctx context.Context, id, msg string) {
	_ = s.store.MarkStreamResult(ctx, id, sql.NullString{}, false, sql.NullString{String: msg, Valid: true})
}
