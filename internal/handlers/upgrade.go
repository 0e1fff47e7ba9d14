package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/kernel/internal/auth"
	"github.com/ILLUVRSE/kernel/internal/upgrade"
)

// POST /kernel/upgrade
// Request: { "manifest": {...} } -> 201 with the pending upgrade request.
func handleUpgradeSubmit(eng *upgrade.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Manifest interface{} `json:"manifest"`
		}
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		if req.Manifest == nil {
			writeError(w, http.StatusBadRequest, "manifest_required")
			return
		}

		submittedBy := ""
		if info := auth.FromContext(r.Context()); info != nil {
			submittedBy = info.Principal()
		}
		ur, err := eng.Submit(r.Context(), req.Manifest, submittedBy)
		if err != nil {
			upgradeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ur)
	}
}

// POST /kernel/upgrade/{id}/approve
// Request: { "approverId": "...", "signature": "<base64>" }
func handleUpgradeApprove(eng *upgrade.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ApproverID string `json:"approverId"`
			Signature  string `json:"signature"`
		}
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		if req.ApproverID == "" || req.Signature == "" {
			writeError(w, http.StatusBadRequest, "approver_and_signature_required")
			return
		}
		ur, err := eng.Approve(r.Context(), chi.URLParam(r, "id"), req.ApproverID, req.Signature)
		if err != nil {
			upgradeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ur)
	}
}

// POST /kernel/upgrade/{id}/apply
func handleUpgradeApply(eng *upgrade.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ur, err := eng.Apply(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			var qe *upgrade.QuorumError
			if errors.As(err, &qe) {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{
					"error":     "insufficient_quorum",
					"approvals": qe.Approvals,
					"required":  qe.Required,
				})
				return
			}
			upgradeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ur)
	}
}

// POST /kernel/upgrade/{id}/reject
// Request: { "reason"?: "..." }
func handleUpgradeReject(eng *upgrade.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		rejectedBy := ""
		if info := auth.FromContext(r.Context()); info != nil {
			rejectedBy = info.Principal()
		}
		ur, err := eng.Reject(r.Context(), chi.URLParam(r, "id"), rejectedBy, req.Reason)
		if err != nil {
			upgradeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ur)
	}
}

// GET /kernel/upgrade/{id}
func handleUpgradeGet(eng *upgrade.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ur, err := eng.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			upgradeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ur)
	}
}

// upgradeError maps upgrade engine failures onto HTTP statuses.
func upgradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upgrade.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, upgrade.ErrInsufficientQuorum):
		writeError(w, http.StatusBadRequest, "insufficient_quorum")
	case errors.Is(err, upgrade.ErrNotApprover):
		writeError(w, http.StatusForbidden, "not_an_approver")
	case errors.Is(err, upgrade.ErrDuplicateApproval):
		writeError(w, http.StatusConflict, "duplicate_approval")
	case errors.Is(err, upgrade.ErrBadSignature):
		writeError(w, http.StatusBadRequest, "invalid_signature")
	case errors.Is(err, upgrade.ErrTerminalState):
		writeError(w, http.StatusConflict, "upgrade_finalized")
	case errors.Is(err, upgrade.ErrInvalidManifest):
		writeError(w, http.StatusBadRequest, "invalid_manifest")
	default:
		statusForError(w, err)
	}
}
