package auth

import (
	"net/http"
	"strings"
)

// Middleware authenticates bearer tokens and enforces a Policy.
type Middleware struct {
	secret []byte
	policy Policy
}

// NewMiddleware returns a middleware; with an empty secret Wrap is a no-op.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{secret: secret, policy: policy}
}

// Enabled reports whether requests are authenticated.
func (m *Middleware) Enabled() bool {
	return m != nil && len(m.secret) > 0
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, guarded := m.policy.RequiredRole(r)
		if !guarded || m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := ParseJWT(bearerToken(r), m.secret)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="hpcycle"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		role, _ := NormalizeRole(claims.Role)
		if !RoleAtLeast(role, required) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.TenantID, role, claims.Subject)))
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
