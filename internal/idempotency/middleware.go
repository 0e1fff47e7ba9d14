package idempotency

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
)

// HeaderKey is the request header clients use to identify a logical request.
const HeaderKey = "Idempotency-Key"

// responseRecorder buffers the wrapped handler's response so it can be
// persisted before being released to the client.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

// Middleware wraps POST handlers with idempotency semantics:
//   - missing Idempotency-Key -> 400
//   - key reuse with a different request fingerprint -> 412
//   - completed record -> stored response replayed
//   - otherwise the handler runs under the key's row lock and its response is
//     persisted (or a too-large marker when it exceeds maxResponseBytes)
//
// Non-POST requests pass through untouched.
func Middleware(store *PGStore, maxResponseBytes int) func(http.Handler) http.Handler {
	if maxResponseBytes <= 0 {
		maxResponseBytes = DefaultMaxResponseBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(HeaderKey)
			if key == "" {
				writeJSONError(w, http.StatusBadRequest, "idempotency_key_required")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := RequestHash(r.Method, r.URL.Path, body)

			claim, err := store.Begin(r.Context(), key, r.Method, r.URL.Path, requestHash)
			if err != nil {
				if errors.Is(err, ErrKeyConflict) {
					writeJSONError(w, http.StatusPreconditionFailed, "idempotency_key_conflict")
					return
				}
				log.Printf("[idempotency] begin key=%s: %v", key, err)
				writeJSONError(w, http.StatusInternalServerError, "internal_error")
				return
			}

			if claim.Existing != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(claim.Existing.ResponseStatus)
				_, _ = w.Write(claim.Existing.ResponseBody)
				return
			}

			defer claim.Abort()

			rec := newResponseRecorder()
			next.ServeHTTP(rec, r)

			storedStatus := rec.status
			storedBody := rec.body.Bytes()
			if len(storedBody) > maxResponseBytes {
				storedStatus = http.StatusRequestEntityTooLarge
				storedBody = []byte(`{"error":"idempotency_response_too_large"}`)
			}

			if err := claim.Complete(r.Context(), storedStatus, storedBody); err != nil {
				// The handler's side effects are committed by now, so the
				// response is still delivered; only replay is lost.
				log.Printf("[idempotency] complete key=%s: %v", key, err)
			}

			for k, vals := range rec.header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(rec.status)
			_, _ = w.Write(rec.body.Bytes())
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
