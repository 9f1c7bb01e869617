package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter for browser websockets that cannot set
// headers.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// authorize reports whether the request carries the configured token.
// A server without a token accepts every request.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ExtractToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}
