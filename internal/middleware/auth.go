package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey  contextKey = "user_id"
	AdminKey contextKey = "admin"
)

// matchKey does a constant-time lookup of secret in keys (name -> secret).
func matchKey(keys map[string]string, secret string) (string, bool) {
	var (
		name  string
		found bool
	)
	for n, k := range keys {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(k)) == 1 {
			name, found = n, true
		}
	}
	return name, found
}

func bearer(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// OptionalAuth resolves a bearer token to the caller's user id (tokens maps
// user id -> token). No header means an anonymous caller. An unknown token
// is rejected.
func OptionalAuth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearer(r)
			if tok == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, ok := matchKey(tokens, tok)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserKey, user)))
		})
	}
}

// UserIDFromContext returns the authenticated user id, nil for anonymous callers.
func UserIDFromContext(ctx context.Context) *string {
	if user, ok := ctx.Value(UserKey).(string); ok && user != "" {
		return &user
	}
	return nil
}

// APIKeyAuth guards admin and worker-callback routes with the X-API-Key header.
func APIKeyAuth(validKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing X-API-Key header")
				return
			}
			name, ok := matchKey(validKeys, apiKey)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), AdminKey, name)))
		})
	}
}

// AdminFromContext returns the name of the admin key used, if any.
func AdminFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(AdminKey).(string); ok {
		return name
	}
	return ""
}
