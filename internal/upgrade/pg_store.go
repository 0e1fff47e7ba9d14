package upgrade

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PGStore persists upgrade requests as JSONB rows. Transitions run inside a
// transaction holding the request row FOR UPDATE, so concurrent approvals and
// applies serialize on the row and never lose an approval.
type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a Postgres-backed upgrade store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Insert persists a freshly-submitted upgrade request.
func (s *PGStore) Insert(ctx context.Context, req *Request) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal upgrade: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upgrades (id, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, req.UpgradeID, req.Status, doc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert upgrade: %w", err)
	}
	return nil
}

// Get fetches an upgrade request by id.
func (s *PGStore) Get(ctx context.Context, upgradeID string) (*Request, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM upgrades WHERE id=$1`, upgradeID).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query upgrade: %w", err)
	}
	var req Request
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("unmarshal upgrade %s: %w", upgradeID, err)
	}
	return &req, nil
}

// Mutate loads the request under a row lock, applies fn, and persists the
// result. fn returning an error rolls the transaction back.
func (s *PGStore) Mutate(ctx context.Context, upgradeID string, fn func(*Request) error) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upgrade tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM upgrades WHERE id=$1 FOR UPDATE`, upgradeID).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock upgrade: %w", err)
	}

	var req Request
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("unmarshal upgrade %s: %w", upgradeID, err)
	}

	if err := fn(&req); err != nil {
		return nil, err
	}

	updated, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal upgrade: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE upgrades SET status=$1, doc=$2, updated_at=$3 WHERE id=$4
	`, req.Status, updated, time.Now().UTC(), upgradeID); err != nil {
		return nil, fmt.Errorf("update upgrade: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upgrade: %w", err)
	}
	tx = nil
	return &req, nil
}
