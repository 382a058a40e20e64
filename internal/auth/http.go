// ABOUTME: HTTP middleware guarding the relay's read API with the shared secret
// ABOUTME: Expects "Authorization: Bearer <secret or token>"

package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/2389/coven-relay/internal/protocol"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireBearer rejects requests whose bearer token v does not accept for
// any role.
func RequireBearer(v Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, msg := extractBearerToken(r.Header.Get("Authorization"))
		if msg == "" && !verifyAnyRole(v, token) {
			msg = "invalid token"
		}
		if msg != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func verifyAnyRole(v Verifier, token string) bool {
	return v.Verify(token, protocol.RoleChannel) == nil || v.Verify(token, protocol.RoleNode) == nil
}
