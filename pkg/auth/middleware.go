package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Middleware authenticates control API requests with bearer tokens.
type Middleware struct {
	jwt         *JWTManager
	bypassPaths map[string]bool
}

// NewMiddleware creates the middleware. Requests to bypass paths are served
// without a token.
func NewMiddleware(jm *JWTManager, bypass ...string) *Middleware {
	m := &Middleware{jwt: jm, bypassPaths: make(map[string]bool)}
	for _, p := range bypass {
		m.bypassPaths[p] = true
	}
	return m
}

// Authenticate validates the bearer token and stores its claims.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.bypassPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			jsonError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			jsonError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
			return
		}
		claims, err := m.jwt.Validate(r.Context(), parts[1])
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey, claims)))
	})
}

// RequireRole rejects callers without one of roles.
func (m *Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				jsonError(w, http.StatusUnauthorized, "unauthorized", "no authentication context")
				return
			}
			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			jsonError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
		})
	}
}

func jsonError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     errorType,
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}

type contextKey string

const claimsContextKey contextKey = "claims"

// ClaimsFromContext returns the authenticated operator, or nil.
func ClaimsFromContext(ctx context.Context) *OperatorClaims {
	claims, _ := ctx.Value(claimsContextKey).(*OperatorClaims)
	return claims
}
