package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/mcoot/masquerade-go/internal/api/apierr"
)

// APIKey creates middleware requiring "Authorization: Bearer <key>".
// An empty key leaves the routes open.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				apierr.WriteError(w, apierr.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken extracts the bearer token from the request
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
