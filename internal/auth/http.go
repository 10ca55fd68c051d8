// ABOUTME: HTTP middleware for JWT authentication on agent-facing endpoints
// ABOUTME: Accepts Authorization bearer headers, or a token query parameter for websocket upgrades

package auth

import (
	"net/http"
	"strings"
)

// extractToken pulls a token from the Authorization header, falling back to
// the "token" query parameter. Browsers cannot set headers on websocket
// upgrade requests, so the query form exists for /ws.
// Returns the token and an error message (empty if successful).
func extractToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization"
}

// Middleware returns an HTTP middleware that validates tokens and stores the
// authenticated agent ID in the request context.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			agentID, err := verifier.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agentID)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
