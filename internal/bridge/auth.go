package bridge

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractCredential returns the bearer credential of an upgrade request.
// It checks, in order: Authorization: Bearer <token> and the token query
// parameter, which browser WebSocket clients must use since they cannot set
// headers.
func ExtractCredential(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authz[len(prefix):])
}

// authorizeAdmin guards the admin endpoints. An empty admin token disables
// them entirely.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}
