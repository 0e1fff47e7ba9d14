package auth

import "net/http"

// Canonical role names used across the system.
const (
	RoleSuperAdmin   = "SuperAdmin"
	RoleDivisionLead = "DivisionLead"
	RoleOperator     = "Operator"
	RoleAuditor      = "Auditor"
)

// HasRole reports whether the AuthInfo carries the role, either explicitly or
// through the peer-CN fallback used for bootstrap service identities.
func HasRole(ai *AuthInfo, role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role {
			return true
		}
	}
	return ai.PeerCN != "" && ai.PeerCN == role
}

// RequireRole allows the request only when the principal has the given role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return RequireAnyRole(role)
}

// RequireAnyRole allows the request when the principal has at least one of the
// given roles; otherwise responds 403.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := FromContext(r.Context())
			for _, role := range roles {
				if HasRole(ai, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeAuthError(w, http.StatusForbidden, "forbidden")
		})
	}
}
