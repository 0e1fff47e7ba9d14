// Package handlers wires the kernel HTTP surface: manifest signing, audit
// append/read, domain registrations, upgrade quorum, and operational routes.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/auth"
	"github.com/ILLUVRSE/kernel/internal/config"
	"github.com/ILLUVRSE/kernel/internal/idempotency"
	"github.com/ILLUVRSE/kernel/internal/keys"
	"github.com/ILLUVRSE/kernel/internal/signing"
	"github.com/ILLUVRSE/kernel/internal/upgrade"
)

// Deps carries the dependencies the HTTP layer needs. DB may be nil in
// file-backed dev mode; Upgrades and Idem may be nil when their subsystems are
// not configured.
type Deps struct {
	Cfg      *config.Config
	DB       *sql.DB
	Signer   signing.Signer
	Store    audit.Store
	Registry *keys.Registry
	Upgrades *upgrade.Engine
	Idem     *idempotency.PGStore
	JWKS     *auth.JWKSCache
}

// RegisterRoutes wires all kernel routes onto the router. Mutating routes run
// behind authentication, role checks, and (when configured) idempotency.
func RegisterRoutes(d Deps, r chi.Router) {
	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady(d.DB, d.Store))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/kernel/security/status", handleSecurityStatus(d.Cfg, d.Registry, d.JWKS))

	idem := passthrough
	if d.Idem != nil {
		idem = idempotency.Middleware(d.Idem, d.Cfg.IdempotencyBodyLimit)
	}
	lead := auth.RequireAnyRole(auth.RoleSuperAdmin, auth.RoleDivisionLead)
	operator := auth.RequireAnyRole(auth.RoleSuperAdmin, auth.RoleOperator)
	reader := auth.RequireAnyRole(auth.RoleSuperAdmin, auth.RoleDivisionLead, auth.RoleOperator, auth.RoleAuditor)

	// Division-shaping mutations are lead-level; evals and raw audit appends
	// are operator-level.
	r.Group(func(r chi.Router) {
		r.Use(lead, idem)

		r.Post("/kernel/sign", handleSign(d.Signer, d.Store))
		r.Post("/kernel/division", handleDivisionPost(d))
		r.Post("/kernel/agent", handleAgentPost(d))
		r.Post("/kernel/allocate", handleAllocatePost(d))
	})

	r.Group(func(r chi.Router) {
		r.Use(operator, idem)

		r.Post("/kernel/audit", handleAuditPost(d.Signer, d.Store))
		r.Post("/kernel/eval", handleEvalPost(d))
	})

	if d.Upgrades != nil {
		r.Group(func(r chi.Router) {
			r.Use(lead, idem)

			r.Post("/kernel/upgrade", handleUpgradeSubmit(d.Upgrades))
			r.Post("/kernel/upgrade/{id}/approve", handleUpgradeApprove(d.Upgrades))
			r.Post("/kernel/upgrade/{id}/apply", handleUpgradeApply(d.Upgrades))
			r.Post("/kernel/upgrade/{id}/reject", handleUpgradeReject(d.Upgrades))
		})
		r.With(reader).Get("/kernel/upgrade/{id}", handleUpgradeGet(d.Upgrades))
	}

	r.Group(func(r chi.Router) {
		r.Use(reader)

		r.Get("/kernel/audit/{id}", handleAuditGet(d.Store))
		r.Get("/kernel/division/{id}", handleDomainGet(d, "divisions"))
		r.Get("/kernel/agent/{id}", handleDomainGet(d, "agents"))
		r.Get("/kernel/reason/{node}", handleReasonGet(d.Cfg))
	})
}

func passthrough(next http.Handler) http.Handler { return next }

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ts": time.Now().UTC()})
}

func handleReady(db *sql.DB, store audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable")
			return
		}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "store_unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
	}
}

// handleSecurityStatus reports the signer registry contents and auth posture.
func handleSecurityStatus(cfg *config.Config, reg *keys.Registry, jwks *auth.JWKSCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"requireMTLS": cfg.RequireMTLS,
			"devAuth":     cfg.DevAuth,
		}
		if reg != nil {
			resp["signers"] = reg.ListSigners()
		}
		if jwks != nil {
			resp["jwksLastFetch"] = jwks.LastFetch()
			if err := jwks.LastError(); err != nil {
				resp["jwksLastError"] = err.Error()
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the canonical error envelope {error: <code>}.
func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]string{"error": errCode})
}

// statusForError maps internal failures onto the canonical status codes:
// signer failures are 500 signer_unavailable, missing rows are 404, and
// connectivity-class store errors are 503.
func statusForError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signing.ErrSignerUnavailable):
		writeError(w, http.StatusInternalServerError, "signer_unavailable")
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
