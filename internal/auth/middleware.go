package auth

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

type contextKey string

const claimsKey contextKey = "service_claims"

// Middleware rejects requests without a valid "Authorization: Bearer" service
// token with 401 and stores the verified claims in the request context.
func (s *TokenService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			sendUnauthorized(w, "Authorization header required")
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || tokenString == "" {
			sendUnauthorized(w, "Invalid authorization header format")
			return
		}

		claims, err := s.ValidateServiceToken(tokenString)
		if err != nil {
			log.Printf("[Auth] Rejected service token from %s: %v", r.RemoteAddr, err)
			sendUnauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ServiceFromContext returns the subject of the verified service token.
func ServiceFromContext(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	if !ok {
		return "", false
	}
	return claims.Subject, true
}

func sendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="glm-server"`)
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("[Auth] Failed to write error response: %v", err)
	}
}
