package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize reports whether r carries the gateway bearer token. An empty
// configured token rejects everything.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// bearerToken extracts the token from "Authorization: Bearer <token>", falling
// back to the access_token query parameter for EventSource clients that cannot
// set headers.
func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return r.URL.Query().Get("access_token")
}
