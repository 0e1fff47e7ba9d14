package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/canonical"
	"github.com/ILLUVRSE/kernel/internal/signing"
)

// POST /kernel/sign
// Request: { "manifest": {...}, "signerId"?: "...", "version"?: "1.0.0" }
// Response: ManifestSignature
func handleSign(s signing.Signer, store audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Manifest interface{} `json:"manifest"`
			SignerID string      `json:"signerId"`
			Version  string      `json:"version"`
		}
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		if req.Manifest == nil {
			writeError(w, http.StatusBadRequest, "manifest_required")
			return
		}

		canon, err := canonical.MarshalCanonical(req.Manifest)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input")
			return
		}

		digest := audit.HashBytes(canon)
		sigB64, signerID, err := s.Sign(digest)
		if err != nil {
			statusForError(w, err)
			return
		}

		manifestID := ""
		if m, ok := req.Manifest.(map[string]interface{}); ok {
			if idv, ok := m["id"].(string); ok {
				manifestID = idv
			}
		}
		if manifestID == "" {
			manifestID = fmt.Sprintf("%x-%d", digest[:8], time.Now().Unix())
		}

		ms := audit.ManifestSignature{
			ManifestID: manifestID,
			SignerID:   signerID,
			Signature:  sigB64,
			Version:    req.Version,
			Ts:         time.Now().UTC(),
		}
		if err := store.InsertManifestSignature(r.Context(), &ms); err != nil {
			statusForError(w, err)
			return
		}

		ev := &audit.AuditEvent{
			EventType: "manifest.signed",
			Payload: map[string]interface{}{
				"manifestId":          manifestID,
				"manifestSignatureId": ms.ID,
				"signerId":            signerID,
			},
		}
		if err := store.AppendAuditEvent(r.Context(), ev, s); err != nil {
			statusForError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ms)
	}
}

// POST /kernel/audit
// Request: { eventType, payload, metadata? } -> 202 with the persisted event.
func handleAuditPost(s signing.Signer, store audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EventType string      `json:"eventType"`
			Payload   interface{} `json:"payload"`
			Metadata  interface{} `json:"metadata"`
		}
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		if req.EventType == "" {
			writeError(w, http.StatusBadRequest, "event_type_required")
			return
		}

		ev := &audit.AuditEvent{
			EventType: req.EventType,
			Payload:   req.Payload,
			Metadata:  req.Metadata,
			Ts:        time.Now().UTC(),
		}
		if err := store.AppendAuditEvent(r.Context(), ev, s); err != nil {
			statusForError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ev)
	}
}

// GET /kernel/audit/{id}
func handleAuditGet(store audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id_required")
			return
		}
		ev, err := store.GetAuditEvent(r.Context(), id)
		if err != nil {
			statusForError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}
