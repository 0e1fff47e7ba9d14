package handlers

import (
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/canonical"
)

// DivisionManifest stays schemaless beyond the validated core so divisions can
// carry arbitrary operator-defined fields.
type DivisionManifest map[string]interface{}

var divisionSchema = jsonschema.MustCompileString("division.json", `{
	"type": "object",
	"required": ["id", "name"],
	"properties": {
		"id":      {"type": "string", "minLength": 1},
		"name":    {"type": "string", "minLength": 1},
		"purpose": {"type": "string"},
		"kpis":    {"type": "array"},
		"agents":  {"type": "array"},
		"owner":   {"type": "string"}
	}
}`)

// POST /kernel/division
// Request body: DivisionManifest (JSON)
// Response: { manifest, manifestSignature }
func handleDivisionPost(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var manifest DivisionManifest
		if err := BindJSON(w, r, &manifest); err != nil {
			bindError(w, err)
			return
		}
		if err := divisionSchema.Validate(map[string]interface{}(manifest)); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_division_manifest")
			return
		}
		manifestID := manifest["id"].(string)

		canon, err := canonical.MarshalCanonical(manifest)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input")
			return
		}
		sigB64, signerID, err := d.Signer.Sign(audit.HashBytes(canon))
		if err != nil {
			statusForError(w, err)
			return
		}

		ms := audit.ManifestSignature{
			ManifestID: manifestID,
			SignerID:   signerID,
			Signature:  sigB64,
			Ts:         time.Now().UTC(),
		}
		if err := d.Store.InsertManifestSignature(r.Context(), &ms); err != nil {
			statusForError(w, err)
			return
		}

		if err := upsertDoc(r.Context(), d, "divisions", manifestID, manifest); err != nil {
			statusForError(w, err)
			return
		}

		ev := &audit.AuditEvent{
			EventType: "manifest.update",
			Payload: map[string]interface{}{
				"manifest":            manifest,
				"manifestSignatureId": ms.ID,
			},
		}
		if err := d.Store.AppendAuditEvent(r.Context(), ev, d.Signer); err != nil {
			statusForError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"manifest":          manifest,
			"manifestSignature": ms,
		})
	}
}
