package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/canonical"
)

// docColumn maps a resource table to its JSONB document column.
var docColumn = map[string]string{
	"divisions": "manifest",
	"agents":    "profile",
}

// upsertDoc persists a resource document, preferring the database and falling
// back to per-resource JSON files in dev mode.
func upsertDoc(ctx context.Context, d Deps, table, id string, doc interface{}) error {
	if d.DB != nil {
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		col := docColumn[table]
		q := fmt.Sprintf(`
			INSERT INTO %s (id, %s, created_at, updated_at)
			VALUES ($1, $2::jsonb, now(), now())
			ON CONFLICT (id) DO UPDATE SET %s = EXCLUDED.%s, updated_at = now()
		`, table, col, col, col)
		_, err = d.DB.ExecContext(ctx, q, id, b)
		return err
	}
	return writeDocFile(table, id, doc)
}

// fetchDoc loads a resource document by id, preferring the database and
// falling back to the file store on sql.ErrNoRows.
func fetchDoc(ctx context.Context, d Deps, table, id string) (interface{}, error) {
	if d.DB != nil {
		var b []byte
		q := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, docColumn[table], table)
		err := d.DB.QueryRowContext(ctx, q, id).Scan(&b)
		switch {
		case err == nil:
			var doc interface{}
			if err := json.Unmarshal(b, &doc); err != nil {
				return nil, err
			}
			return doc, nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to the file store
		default:
			return nil, err
		}
	}
	return readDocFile(table, id)
}

// GET /kernel/division/{id}, /kernel/agent/{id}
func handleDomainGet(d Deps, table string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id_required")
			return
		}
		doc, err := fetchDoc(r.Context(), d, table, id)
		if err != nil {
			if os.IsNotExist(err) {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
			statusForError(w, err)
			return
		}
		if table == "divisions" {
			writeJSON(w, http.StatusOK, map[string]interface{}{"manifest": doc})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// signResource signs the canonical form of a persisted document and records a
// manifest signature binding it to id. Every domain mutation routes through
// this so its audit event can reference the signature.
func signResource(ctx context.Context, d Deps, id string, doc interface{}) (*audit.ManifestSignature, error) {
	canon, err := canonical.MarshalCanonical(doc)
	if err != nil {
		return nil, err
	}
	sigB64, signerID, err := d.Signer.Sign(audit.HashBytes(canon))
	if err != nil {
		return nil, err
	}
	ms := &audit.ManifestSignature{
		ManifestID: id,
		SignerID:   signerID,
		Signature:  sigB64,
		Ts:         time.Now().UTC(),
	}
	if err := d.Store.InsertManifestSignature(ctx, ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// --- file fallback ---

func docDir(table string) string {
	return filepath.Join("./data", table)
}

func writeDocFile(table, id string, doc interface{}) error {
	dir := docDir(table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, id+".json"), b, 0o644)
}

func readDocFile(table, id string) (interface{}, error) {
	b, err := os.ReadFile(filepath.Join(docDir(table), id+".json"))
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
