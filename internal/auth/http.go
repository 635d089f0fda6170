// ABOUTME: HTTP middleware enforcing the shared-secret token on API endpoints
// ABOUTME: Accepts a bearer token or a configurable custom header

package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// DefaultHeader is the custom header checked when none is configured.
const DefaultHeader = "X-Agent-Token"

// extractBearerToken extracts a bearer token from the Authorization header.
// It returns "" when the header is absent or not a bearer credential.
func extractBearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// presentedToken returns the credential on r, preferring the bearer token.
func presentedToken(r *http.Request, header string) string {
	if token := extractBearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(header))
}

// HTTPAuthMiddleware rejects requests without the shared secret with 401.
// header names the custom header accepted besides Authorization.
func HTTPAuthMiddleware(secret *SharedSecret, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := secret.Verify(presentedToken(r, header)); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="coven-dispatch"`)
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
