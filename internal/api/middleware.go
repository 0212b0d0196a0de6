// ABOUTME: Request authentication middleware for the API surface
// ABOUTME: Accepts browser session cookies or bearer API tokens

package api

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const emailContextKey contextKey = "email"

// emailFromContext returns the authenticated email, or "".
func emailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(emailContextKey).(string)
	return email
}

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

// requireAuth authenticates the request via the session cookie, falling
// back to a bearer API token. The resolved email lands in the request
// context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if email, ok := s.sessionEmail(r); ok {
			next(w, r.WithContext(context.WithValue(r.Context(), emailContextKey, email)))
			return
		}

		if s.verifier != nil {
			if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
				if email, err := s.verifier.Verify(token); err == nil {
					next(w, r.WithContext(context.WithValue(r.Context(), emailContextKey, email)))
					return
				}
			}
		}

		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
	}
}

// sessionEmail resolves the session cookie to an email, extending the
// session's sliding window on success.
func (s *Server) sessionEmail(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}

	if !s.auth.ValidateSession(cookie.Value) {
		return "", false
	}
	sess := s.auth.GetSession(cookie.Value)
	if sess == nil {
		return "", false
	}
	return sess.Email, true
}
