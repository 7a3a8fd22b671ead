package server

import (
	"context"
	"net/http"
	"strings"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// ContextKeyBearerToken stores the presented session token
const ContextKeyBearerToken ContextKey = "bearer_token"

// RequireBearerToken rejects requests without an "Authorization: Bearer" header
// and stores the token in the request context.
func (s *Server) RequireBearerToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			status := http.StatusUnauthorized
			if r.Method == http.MethodPost {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, mfaResponse{Message: msgMissingToken})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ContextKeyBearerToken, token)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(ContextKeyBearerToken).(string)
	return token
}
