package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ILLUVRSE/kernel/internal/canonical"
)

// Producer is the subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// BatchSize is how many events to claim per fetch.
	BatchSize int

	// PollInterval is the sleep between fetches when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce->archive processing.
	MaxConcurrency int

	// StaleClaimAge is how long an in_progress claim may sit without an
	// outcome before it is returned to retry. Covers workers that died
	// mid-batch.
	StaleClaimAge time.Duration
}

// Streamer drains persisted audit events to Kafka and S3 with at-least-once
// semantics. It claims pending rows with FOR UPDATE SKIP LOCKED, processes
// each claimed event (produce then archive), and records success or failure
// back on the row so Postgres stays the source of truth for retries.
type Streamer struct {
	store    *PGStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer with sensible defaults for zero cfg fields.
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
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 5 * time.Minute
	}
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run polls for pending work until ctx is cancelled. Claimed batches are
// processed with bounded concurrency and drained before the next fetch.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	lastStaleSweep := time.Now()

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

		if time.Since(lastStaleSweep) >= s.cfg.StaleClaimAge {
			lastStaleSweep = time.Now()
			if n, err := s.store.RequeueStaleStreamClaims(ctx, s.cfg.StaleClaimAge); err != nil {
				log.Printf("[audit.streamer] requeue stale claims: %v", err)
			} else if n > 0 {
				log.Printf("[audit.streamer] requeued %d stale claims", n)
			}
		}

		events, err := s.store.FetchPendingEventsForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}

		if len(events) == 0 {
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}

		for _, ev := range events {
			// Stop dispatching on shutdown; claimed-but-unprocessed rows
			// come back through the stale-claim sweep.
			if ctx.Err() != nil {
				break
			}

			sem <- struct{}{}
			s.wg.Add(1)
			go func(ev *AuditEvent) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEvent(ctx, ev); err != nil {
					// processEvent already marked the DB result.
					log.Printf("[audit.streamer] process event %s error: %v", ev.ID, err)
				}
			}(ev)
		}

		// Drain the batch before claiming more so attempt counters stay
		// meaningful per fetch.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEvent performs produce -> archive for a single event and records the
// outcome via MarkEventStreamResult.
func (s *Streamer) processEvent(parentCtx context.Context, ev *AuditEvent) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.MarshalCanonical(ev.Envelope())
	if err != nil {
		s.markFailure(parentCtx, ev.ID, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(ev.ID), canonBytes)
	if err != nil {
		s.markFailure(parentCtx, ev.ID, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	key, err := s.archiver.ArchiveEvent(ctx, ev)
	if err != nil {
		s.markFailure(parentCtx, ev.ID, fmt.Sprintf("archive: %v", err))
		return fmt.Errorf("archive: %w", err)
	}

	archivedKey := sql.NullString{String: key, Valid: key != ""}
	if err := s.store.MarkEventStreamResult(parentCtx, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		// The row stays claimable; a later pass will reproduce the event,
		// which is fine under at-least-once delivery.
		return fmt.Errorf("mark event stream success: %w", err)
	}

	log.Printf("[audit.streamer] event %s streamed: produced_at=%s key=%s", ev.ID, producedAt.Format(time.RFC3339Nano), key)
	return nil
}

func (s *Streamer) markFailure(ctx context.Context, eventID, msg string) {
	errMsg := sql.NullString{String: msg, Valid: true}
	if err := s.store.MarkEventStreamResult(ctx, eventID, sql.NullString{}, false, errMsg); err != nil {
		log.Printf("[audit.streamer] mark failure for %s: %v", eventID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
