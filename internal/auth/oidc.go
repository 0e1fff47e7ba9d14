package auth

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ValidateJWT validates an RS256 bearer token against the JWKS cache and the
// configured issuer/audience (either may be empty to skip the check). Returns
// the claims and the roles extracted from them.
func ValidateJWT(tokenString string, jwks *JWKSCache, issuer, audience string) (jwt.MapClaims, []string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := jwks.GetKey(kid)
		if err != nil {
			return nil, fmt.Errorf("resolve kid %q: %w", kid, err)
		}
		return key, nil
	}, opts...)
	if err != nil {
		return nil, nil, err
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected claims type %T", tok.Claims)
	}
	return claims, rolesFromClaims(claims), nil
}

// rolesFromClaims finds roles in the common claim locations: a direct "roles"
// array, Keycloak-style realm_access/resource_access, or a space-separated
// "scope" string.
func rolesFromClaims(claims jwt.MapClaims) []string {
	out := make([]string, 0)

	appendRoles := func(v interface{}) {
		arr, ok := v.([]interface{})
		if !ok {
			return
		}
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}

	if r, ok := claims["roles"]; ok {
		appendRoles(r)
		if len(out) > 0 {
			return out
		}
	}
	if ra, ok := claims["realm_access"].(map[string]interface{}); ok {
		appendRoles(ra["roles"])
		if len(out) > 0 {
			return out
		}
	}
	if ra, ok := claims["resource_access"].(map[string]interface{}); ok {
		for _, v := range ra {
			if vm, ok := v.(map[string]interface{}); ok {
				appendRoles(vm["roles"])
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if s, ok := claims["scope"].(string); ok {
		for _, tok := range strings.Fields(s) {
			out = append(out, tok)
		}
	}
	return out
}

// OIDCMiddleware validates the bearer token when present and populates
// Subject, Issuer, and Roles on the request's AuthInfo. Requests without a
// token pass through untouched; RBAC decides whether they may proceed.
func OIDCMiddleware(jwks *JWKSCache, issuer, audience string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := FromContext(r.Context())
			if ai == nil {
				ai = &AuthInfo{}
				r = r.WithContext(WithAuthInfo(r.Context(), ai))
			}

			token := ai.BearerToken
			if token == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(ah), "bearer ") {
					token = strings.TrimSpace(ah[len("bearer "):])
				}
			}
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, roles, err := ValidateJWT(token, jwks, issuer, audience)
			if err != nil {
				var jerr error
				if jwks != nil {
					jerr = jwks.LastError()
				}
				log.Printf("[oidc] token validation failed: %v jwks_last_err=%v", err, jerr)
				next.ServeHTTP(w, r)
				return
			}

			if sub, ok := claims["sub"].(string); ok {
				ai.Subject = sub
			}
			if iss, ok := claims["iss"].(string); ok {
				ai.Issuer = iss
			}
			ai.Roles = roles
			next.ServeHTTP(w, r)
		})
	}
}
