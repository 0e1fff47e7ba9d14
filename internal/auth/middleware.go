// Package auth extracts and enforces request principals: mTLS peer identity,
// OIDC bearer tokens, and role-based access control.
package auth

import (
	"context"
	"crypto/x509"
	"log"
	"net/http"
	"strings"

	"github.com/ILLUVRSE/kernel/internal/config"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "kernel.authInfo"

// AuthInfo holds the authentication material extracted for a request.
type AuthInfo struct {
	// PeerCN is the client certificate common name when mTLS is in play.
	PeerCN string

	// BearerToken is the raw bearer token; validated by the OIDC middleware.
	BearerToken string

	// Subject and Issuer are populated from a validated token.
	Subject string
	Issuer  string

	// Roles derived from the validated token (or dev-auth bootstrap).
	Roles []string
}

// Principal returns the best identity string available for audit metadata.
func (ai *AuthInfo) Principal() string {
	if ai == nil {
		return ""
	}
	if ai.Subject != "" {
		return ai.Subject
	}
	return ai.PeerCN
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	if ai, ok := ctx.Value(ctxKeyAuthInfo).(*AuthInfo); ok {
		return ai
	}
	return nil
}

// WithAuthInfo returns a context carrying the given AuthInfo. Exposed for tests.
func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// NewMiddleware extracts the request principal:
//   - with cfg.RequireMTLS, a client certificate must be presented or the
//     request is rejected with 401;
//   - the peer CN and any bearer token are stored in the context for the OIDC
//     and RBAC layers;
//   - with cfg.DevAuth, requests without credentials receive a SuperAdmin dev
//     principal. Never enable outside local development.
func NewMiddleware(cfg *config.Config) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := &AuthInfo{}

			if cfg.RequireMTLS {
				if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
					writeAuthError(w, http.StatusUnauthorized, "unauthenticated")
					return
				}
				ai.PeerCN = certCommonName(r.TLS.PeerCertificates[0])
			} else if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
				ai.PeerCN = certCommonName(r.TLS.PeerCertificates[0])
			}

			if authz := r.Header.Get("Authorization"); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					ai.BearerToken = strings.TrimSpace(authz[7:])
				}
			}

			if cfg.DevAuth && ai.BearerToken == "" && ai.PeerCN == "" {
				ai.Subject = "dev"
				ai.Roles = []string{RoleSuperAdmin}
			}

			log.Printf("[auth] principal extracted peer_cn=%q token_present=%v require_mtls=%v",
				ai.PeerCN, ai.BearerToken != "", cfg.RequireMTLS)

			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

func certCommonName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}

func writeAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
