package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestRequestHashStableAcrossKeyOrder(t *testing.T) {
	a := RequestHash("POST", "/kernel/sign", []byte(`{"manifest":{"id":"m1","v":1}}`))
	b := RequestHash("POST", "/kernel/sign", []byte(`{"manifest": {"v": 1, "id": "m1"}}`))
	if a != b {
		t.Fatalf("hash should be stable across key order and whitespace: %s vs %s", a, b)
	}

	c := RequestHash("POST", "/kernel/sign", []byte(`{"manifest":{"id":"m2","v":1}}`))
	if a == c {
		t.Fatalf("different bodies must not collide")
	}

	d := RequestHash("POST", "/kernel/audit", []byte(`{"manifest":{"id":"m1","v":1}}`))
	if a == d {
		t.Fatalf("different paths must not collide")
	}
}

func idempotencyColumns() []string {
	return []string{"key", "method", "path", "request_hash", "response_status", "response_body", "created_at", "expires_at"}
}

func TestBeginFreshKeyRunsHandler(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db, time.Hour)
	hash := RequestHash("POST", "/kernel/sign", []byte(`{"a":1}`))
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT (.+) FROM idempotency_keys WHERE key=\$1 FOR UPDATE`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()).
			AddRow("k1", "POST", "/kernel/sign", hash, nil, nil, now, now.Add(time.Hour)))
	mock.ExpectExec(`UPDATE idempotency_keys SET response_status`).
		WithArgs(200, []byte(`{"ok":true}`), "k1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	claim, err := store.Begin(context.Background(), "k1", "POST", "/kernel/sign", hash)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if claim.Existing != nil {
		t.Fatalf("fresh key should not replay")
	}
	if err := claim.Complete(context.Background(), 200, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBeginReplaysCompletedRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db, time.Hour)
	hash := RequestHash("POST", "/kernel/sign", []byte(`{"a":1}`))
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM idempotency_keys WHERE key=\$1 FOR UPDATE`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()).
			AddRow("k1", "POST", "/kernel/sign", hash, 200, []byte(`{"ok":true}`), now, now.Add(time.Hour)))
	mock.ExpectCommit()

	claim, err := store.Begin(context.Background(), "k1", "POST", "/kernel/sign", hash)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if claim.Existing == nil {
		t.Fatalf("completed record should replay")
	}
	if claim.Existing.ResponseStatus != 200 || string(claim.Existing.ResponseBody) != `{"ok":true}` {
		t.Fatalf("unexpected replay record: %+v", claim.Existing)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBeginConflictOnDifferentHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db, time.Hour)
	storedHash := RequestHash("POST", "/kernel/sign", []byte(`{"a":1}`))
	newHash := RequestHash("POST", "/kernel/sign", []byte(`{"a":2}`))
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM idempotency_keys WHERE key=\$1 FOR UPDATE`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()).
			AddRow("k1", "POST", "/kernel/sign", storedHash, 200, []byte(`{}`), now, now.Add(time.Hour)))
	mock.ExpectRollback()

	_, err = store.Begin(context.Background(), "k1", "POST", "/kernel/sign", newHash)
	if !errors.Is(err, ErrKeyConflict) {
		t.Fatalf("expected ErrKeyConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db, time.Hour)
	handler := Middleware(store, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run without key")
	}))

	req := httptest.NewRequest(http.MethodPost, "/kernel/sign", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "idempotency_key_required") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestMiddlewarePassesThroughGET(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db, time.Hour)
	called := false
	handler := Middleware(store, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/kernel/audit/abc", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called || rr.Code != http.StatusOK {
		t.Fatalf("GET should bypass idempotency: called=%v code=%d", called, rr.Code)
	}
}

func TestMiddlewareStoresTooLargeMarker(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db, time.Hour)
	body := `{"big":true}`
	hash := RequestHash("POST", "/kernel/sign", []byte(body))
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT (.+) FROM idempotency_keys WHERE key=\$1 FOR UPDATE`).
		WithArgs("k-big").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()).
			AddRow("k-big", "POST", "/kernel/sign", hash, nil, nil, now, now.Add(time.Hour)))
	mock.ExpectExec(`UPDATE idempotency_keys SET response_status`).
		WithArgs(http.StatusRequestEntityTooLarge, []byte(`{"error":"idempotency_response_too_large"}`), "k-big").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Handler responds with more bytes than the 8-byte limit allows.
	handler := Middleware(store, 8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"payload":"far larger than eight bytes"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/kernel/sign", strings.NewReader(body))
	req.Header.Set(HeaderKey, "k-big")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	// The live caller still receives the real response.
	if rr.Code != http.StatusOK {
		t.Fatalf("live response should pass through, got %d", rr.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
