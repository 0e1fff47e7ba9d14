// Package idempotency deduplicates POST mutations by a client-supplied
// Idempotency-Key plus a fingerprint of the request, replaying the stored
// response for retries and rejecting reuse of a key with a different body.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/kernel/internal/canonical"
)

// DefaultTTL is how long records stay replayable.
const DefaultTTL = 24 * time.Hour

// DefaultMaxResponseBytes caps stored response bodies.
const DefaultMaxResponseBytes = 1 << 20

// ErrKeyConflict is returned when a key is reused with a different request hash.
var ErrKeyConflict = errors.New("idempotency key conflict")

// Record is a persisted idempotency entry.
type Record struct {
	Key            string
	Method         string
	Path           string
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Completed reports whether a response has been stored for the record.
func (r *Record) Completed() bool { return r.ResponseStatus != 0 }

// RequestHash fingerprints a request as hex(SHA256(method|path|stable-JSON(body))).
// JSON bodies are canonicalized so key order and whitespace do not change the
// fingerprint; non-JSON bodies are hashed as raw bytes.
func RequestHash(method, path string, body []byte) string {
	stable := body
	if len(body) > 0 {
		var v interface{}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if dec.Decode(&v) == nil {
			if canon, err := canonical.MarshalCanonical(v); err == nil {
				stable = canon
			}
		}
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte("|"))
	h.Write([]byte(path))
	h.Write([]byte("|"))
	h.Write(stable)
	return hex.EncodeToString(h.Sum(nil))
}

// PGStore persists idempotency records in Postgres. Concurrency between
// requests sharing a key is resolved on the row lock: the first writer holds
// the row until its response is committed and the second then replays it.
type PGStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPGStore constructs a store with the given TTL (DefaultTTL when zero).
func NewPGStore(db *sql.DB, ttl time.Duration) *PGStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PGStore{db: db, ttl: ttl}
}

// Begin opens the idempotency transaction for a key. The returned Claim holds
// the row lock until Complete or Abort is called.
//
// Outcomes:
//   - fresh key: claim.Existing == nil, caller runs the handler;
//   - completed record with matching hash: claim.Existing holds the stored
//     response for replay;
//   - record with mismatched hash: ErrKeyConflict.
func (s *PGStore) Begin(ctx context.Context, key, method, path, requestHash string) (*Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin idempotency tx: %w", err)
	}

	claim := &Claim{tx: tx, key: key}

	// Reserve the key. On conflict this is a no-op and the SELECT below
	// blocks on whichever transaction holds the row.
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, path, request_hash, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (key) DO NOTHING
	`, key, method, path, requestHash, now, now.Add(s.ttl))
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}

	var rec Record
	var responseStatus sql.NullInt64
	var responseBody []byte
	err = tx.QueryRowContext(ctx, `
		SELECT key, method, path, request_hash, response_status, response_body, created_at, expires_at
		FROM idempotency_keys WHERE key=$1 FOR UPDATE
	`, key).Scan(&rec.Key, &rec.Method, &rec.Path, &rec.RequestHash, &responseStatus, &responseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("lock idempotency key: %w", err)
	}
	rec.ResponseStatus = int(responseStatus.Int64)
	rec.ResponseBody = responseBody

	// Lazy purge: an expired record is recycled for the new request.
	if rec.Completed() && now.After(rec.ExpiresAt) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET method=$1, path=$2, request_hash=$3, response_status=NULL, response_body=NULL,
			    created_at=$4, expires_at=$5
			WHERE key=$6
		`, method, path, requestHash, now, now.Add(s.ttl), key); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("recycle expired key: %w", err)
		}
		return claim, nil
	}

	if rec.RequestHash != requestHash {
		_ = tx.Rollback()
		return nil, ErrKeyConflict
	}

	if rec.Completed() {
		claim.Existing = &rec
		// Replay needs no further writes; release the lock now.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit replay: %w", err)
		}
		claim.tx = nil
		return claim, nil
	}

	// Row exists but has no response: either we just inserted it, or a
	// previous attempt aborted before completing. Run the handler.
	return claim, nil
}

// PurgeExpired removes records past their expiry. Intended to run
// periodically from a background goroutine.
func (s *PGStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Claim represents a held idempotency reservation.
type Claim struct {
	tx  *sql.Tx
	key string

	// Existing is non-nil when a completed record should be replayed.
	Existing *Record
}

// Complete stores the handler's response and commits the reservation.
func (c *Claim) Complete(ctx context.Context, status int, body []byte) error {
	if c.tx == nil {
		return errors.New("claim already finished")
	}
	_, err := c.tx.ExecContext(ctx, `
		UPDATE idempotency_keys SET response_status=$1, response_body=$2 WHERE key=$3
	`, status, body, c.key)
	if err != nil {
		_ = c.tx.Rollback()
		c.tx = nil
		return fmt.Errorf("store idempotency response: %w", err)
	}
	if err := c.tx.Commit(); err != nil {
		c.tx = nil
		return fmt.Errorf("commit idempotency response: %w", err)
	}
	c.tx = nil
	return nil
}

// Abort releases the reservation without storing a response, letting a retry
// re-run the handler.
func (c *Claim) Abort() {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
}
