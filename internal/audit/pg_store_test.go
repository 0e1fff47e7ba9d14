package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ILLUVRSE/kernel/internal/canonical"
	"github.com/ILLUVRSE/kernel/internal/signing"
)

func testSigner(t *testing.T) *signing.LocalEd25519 {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := signing.NewLocalEd25519(base64.StdEncoding.EncodeToString(priv.Seed()))
	if err != nil {
		t.Fatalf("NewLocalEd25519: %v", err)
	}
	return s
}

func TestPGStoreAppendGenesisEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	s := testSigner(t)

	mock.ExpectBegin()
	// Empty ledger: the tail lock query returns no rows.
	mock.ExpectQuery(`SELECT (.+) FROM audit_events ORDER BY ts DESC LIMIT 1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "payload", "hash"}))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev := &AuditEvent{
		EventType: "division.created",
		Payload:   map[string]interface{}{"divisionId": "d-1"},
	}
	if err := store.AppendAuditEvent(context.Background(), ev, s); err != nil {
		t.Fatalf("AppendAuditEvent error: %v", err)
	}

	if ev.PrevHash != "" {
		t.Fatalf("genesis event prevHash should be empty, got %q", ev.PrevHash)
	}
	if ev.Hash == "" || ev.Signature == "" || ev.ID == "" {
		t.Fatalf("append did not populate event: %+v", ev)
	}
	if ev.StreamStatus != StreamPending {
		t.Fatalf("new event should be stream pending, got %q", ev.StreamStatus)
	}

	// hash must equal SHA256(canonical(payload)) for genesis
	canon, err := canonical.MarshalCanonical(ev.Payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if ev.Hash != HashHex(canon) {
		t.Fatalf("genesis hash mismatch: got %s want %s", ev.Hash, HashHex(canon))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreAppendChainsOnTail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	s := testSigner(t)

	tailPayload, _ := json.Marshal(map[string]interface{}{"divisionId": "d-1"})
	tailHash := HashHex([]byte("tail"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM audit_events ORDER BY ts DESC LIMIT 1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "payload", "hash"}).
			AddRow("evt-tail", "division.created", tailPayload, tailHash))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev := &AuditEvent{
		EventType: "agent.registered",
		Payload:   map[string]interface{}{"agentId": "a-1"},
	}
	if err := store.AppendAuditEvent(context.Background(), ev, s); err != nil {
		t.Fatalf("AppendAuditEvent error: %v", err)
	}

	if ev.PrevHash != tailHash {
		t.Fatalf("prevHash should be tail hash: got %q want %q", ev.PrevHash, tailHash)
	}
	canon, _ := canonical.MarshalCanonical(ev.Payload)
	digest, err := ChainDigest(canon, tailHash)
	if err != nil {
		t.Fatalf("ChainDigest: %v", err)
	}
	if ev.Hash != hex.EncodeToString(digest) {
		t.Fatalf("chained hash mismatch: got %s want %s", ev.Hash, hex.EncodeToString(digest))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func nullStr(s string) sql.NullString  { return sql.NullString{String: s, Valid: true} }
func nullStrEmpty() sql.NullString     { return sql.NullString{} }

func TestPGStoreAppendIdempotentFastPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	s := testSigner(t)

	payload := map[string]interface{}{"divisionId": "d-1"}
	tailPayload, _ := json.Marshal(payload)
	tailHash := HashHex([]byte("tail"))
	ts := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM audit_events ORDER BY ts DESC LIMIT 1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "payload", "hash"}).
			AddRow("evt-tail", "division.created", tailPayload, tailHash))
	mock.ExpectCommit()
	// Fast path re-reads the tail row outside the tx.
	mock.ExpectQuery(`SELECT (.+) FROM audit_events WHERE id=\$1`).
		WithArgs("evt-tail").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_type", "payload", "prev_hash", "hash", "signature", "signer_id", "ts", "metadata",
			"stream_status", "stream_attempts", "last_stream_attempt_at", "last_stream_error", "s3_object_key",
		}).AddRow("evt-tail", "division.created", tailPayload, "", tailHash, "sig", "signer", ts, []byte("null"),
			StreamComplete, 1, nil, nil, nil))

	ev := &AuditEvent{
		EventType: "division.created",
		Payload:   payload,
	}
	if err := store.AppendAuditEvent(context.Background(), ev, s); err != nil {
		t.Fatalf("AppendAuditEvent error: %v", err)
	}

	if ev.ID != "evt-tail" {
		t.Fatalf("expected existing tail event returned, got id %q", ev.ID)
	}
	if ev.Hash != tailHash {
		t.Fatalf("expected tail hash, got %q", ev.Hash)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreAppendRespectsPolicy(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	store.SetPolicy(func(ev *AuditEvent) bool {
		return ev.EventType != "noisy.event"
	})
	s := testSigner(t)

	ev := &AuditEvent{EventType: "noisy.event", Payload: map[string]interface{}{}}
	if err := store.AppendAuditEvent(context.Background(), ev, s); err != nil {
		t.Fatalf("AppendAuditEvent error: %v", err)
	}
	if !ev.Sampled() {
		t.Fatalf("dropped event should carry the sampled sentinel id, got %q", ev.ID)
	}
}

func TestMarkEventStreamResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)

	mock.ExpectExec(`UPDATE\s+audit_events`).
		WithArgs(sqlmock.AnyArg(), "evt-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.MarkEventStreamResult(context.Background(), "evt-1", nullStr("key"), true, nullStrEmpty()); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	mock.ExpectExec(`UPDATE\s+audit_events`).
		WithArgs(sqlmock.AnyArg(), "evt-2").
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.MarkEventStreamResult(context.Background(), "evt-2", nullStrEmpty(), false, nullStr("kafka down")); err != nil {
		t.Fatalf("mark failure: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFetchPendingEventsForStreaming(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	payload, _ := json.Marshal(map[string]interface{}{"k": "v"})
	ts := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM audit_events\s+WHERE stream_status IN`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_type", "payload", "prev_hash", "hash", "signature", "signer_id", "ts", "metadata",
		}).AddRow("evt-1", "t.event", payload, "", "hash1", "sig", "signer", ts, []byte("null")))
	mock.ExpectExec(`UPDATE audit_events`).
		WithArgs("evt-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	events, err := store.FetchPendingEventsForStreaming(context.Background(), 2)
	if err != nil {
		t.Fatalf("FetchPendingEventsForStreaming: %v", err)
	}
	if len(events) != 1 || events[0].ID != "evt-1" {
		t.Fatalf("unexpected claimed events: %+v", events)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
