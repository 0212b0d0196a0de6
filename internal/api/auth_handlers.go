// ABOUTME: HTTP handlers for magic-link login, logout, and session info
// ABOUTME: Keeps allow-list membership unobservable from response shape

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/promptdeck/promptdeck/internal/auth"
)

// requestLinkBody is the JSON request body for POST /api/auth/request-link.
type requestLinkBody struct {
	Email string `json:"email"`
}

// verifyBody is the JSON request body for POST /api/auth/verify.
type verifyBody struct {
	Token string `json:"token"`
}

// loginBody is the JSON request body for POST /api/auth/login.
type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRequestLink(w http.ResponseWriter, r *http.Request) {
	var body requestLinkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	message, err := s.auth.RequestMagicLink(r.Context(), body.Email)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidEmail):
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrSendFailed):
			s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		default:
			s.logger.Error("magic link request failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sessionID, email, err := s.auth.VerifyMagicLink(r.Context(), body.Token)
	if err != nil {
		s.sendJSONError(w, http.StatusUnauthorized, auth.ErrInvalidLink.Error())
		return
	}

	s.setSessionCookie(w, r, sessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

// handleVerifyRedirect serves the link embedded in login emails: it
// redeems the token, sets the cookie, and sends the browser to the app.
func (s *Server) handleVerifyRedirect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	sessionID, _, err := s.auth.VerifyMagicLink(r.Context(), token)
	if err != nil {
		http.Redirect(w, r, "/?login=failed", http.StatusSeeOther)
		return
	}

	s.setSessionCookie(w, r, sessionID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sessionID, err := s.auth.PasswordLogin(r.Context(), body.Email, body.Password)
	if err != nil {
		s.sendJSONError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	s.setSessionCookie(w, r, sessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"email": body.Email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		s.auth.Logout(r.Context(), cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"email": emailFromContext(r.Context()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.auth.Stats())
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Expires:  time.Now().Add(24 * time.Hour),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
