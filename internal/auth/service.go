// ABOUTME: Authentication service orchestrating magic-link login and sessions
// ABOUTME: Enforces the email allow-list without ever revealing membership

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/promptdeck/promptdeck/internal/mail"
	"github.com/promptdeck/promptdeck/internal/session"
)

// RequestLinkMessage is returned for every well-formed login request,
// authorized or not, so callers cannot probe the allow-list.
const RequestLinkMessage = "If your email is authorized, a login link has been sent."

// Auth errors
var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrSendFailed         = errors.New("failed to send login email")
	ErrInvalidLink        = errors.New("invalid or expired link")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// emailRegex validates the standard local@domain shape.
var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// AuditRecorder receives auth events for the audit trail. Implementations
// must not fail the calling operation.
type AuditRecorder interface {
	RecordAuthEvent(ctx context.Context, event, email, detail string)
}

// Config holds auth service construction options.
type Config struct {
	Store  *session.Store
	Mailer mail.Mailer
	// AllowedEmails is the login allow-list. Empty enables open mode.
	AllowedEmails []string
	// AdminEmail and AdminPasswordHash enable the optional password
	// fallback login when both are set.
	AdminEmail        string
	AdminPasswordHash string
	// Audit is optional; nil disables audit recording.
	Audit  AuditRecorder
	Logger *slog.Logger
}

// Service wraps the session store with allow-listing and mail delivery.
type Service struct {
	store             *session.Store
	mailer            mail.Mailer
	allowed           map[string]bool
	adminEmail        string
	adminPasswordHash string
	audit             AuditRecorder
	logger            *slog.Logger
}

// NewService creates the auth service. An empty allow-list is accepted but
// logged loudly since it disables access control.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Mailer == nil {
		return nil, errors.New("mailer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "auth")
	}

	allowed := make(map[string]bool, len(cfg.AllowedEmails))
	for _, email := range cfg.AllowedEmails {
		allowed[normalizeEmail(email)] = true
	}

	if len(allowed) == 0 {
		logger.Warn("email allow-list is empty; any address may log in (open mode)")
	}

	return &Service{
		store:             cfg.Store,
		mailer:            cfg.Mailer,
		allowed:           allowed,
		adminEmail:        normalizeEmail(cfg.AdminEmail),
		adminPasswordHash: cfg.AdminPasswordHash,
		audit:             cfg.Audit,
		logger:            logger,
	}, nil
}

// normalizeEmail lowercases and trims an address for comparison.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsEmailAuthorized reports whether the address may log in. An empty
// allow-list permits any address.
func (s *Service) IsEmailAuthorized(email string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	return s.allowed[normalizeEmail(email)]
}

// RequestMagicLink validates the address, and if it is authorized issues a
// magic link and mails it. The returned message is identical whether or
// not the address was authorized.
func (s *Service) RequestMagicLink(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)
	if !emailRegex.MatchString(email) {
		return "", ErrInvalidEmail
	}

	if !s.IsEmailAuthorized(email) {
		// Same response as the authorized path, no mail sent.
		s.logger.Info("login requested for unauthorized email")
		s.recordAudit(ctx, "magic_link_denied", email, "")
		return RequestLinkMessage, nil
	}

	token, err := s.store.IssueMagicLink(email)
	if err != nil {
		return "", fmt.Errorf("issuing magic link: %w", err)
	}

	if err := s.mailer.Send(ctx, email, token); err != nil {
		s.logger.Error("magic link delivery failed", "error", err)
		// Generic failure; internal detail stays in the log.
		return "", ErrSendFailed
	}

	s.recordAudit(ctx, "magic_link_sent", email, "")
	return RequestLinkMessage, nil
}

// VerifyMagicLink redeems a token and creates a session for its owner.
func (s *Service) VerifyMagicLink(ctx context.Context, token string) (sessionID, email string, err error) {
	link := s.store.ConsumeMagicLink(token)
	if link == nil {
		s.recordAudit(ctx, "magic_link_rejected", "", "")
		return "", "", ErrInvalidLink
	}

	sessionID, err = s.store.CreateSession(link.Email, map[string]string{
		"login_method": "magic_link",
	})
	if err != nil {
		return "", "", fmt.Errorf("creating session: %w", err)
	}

	s.recordAudit(ctx, "login", link.Email, "magic_link")
	s.logger.Info("magic link verified", "email", link.Email)
	return sessionID, link.Email, nil
}

// PasswordLogin is the optional bootstrap fallback: it succeeds only when
// an admin password hash is configured and both the address and password
// match. The comparison runs even for a non-admin address so timing does
// not reveal which check failed.
func (s *Service) PasswordLogin(ctx context.Context, email, password string) (string, error) {
	if s.adminPasswordHash == "" || s.adminEmail == "" {
		return "", ErrInvalidCredentials
	}

	compareErr := bcrypt.CompareHashAndPassword([]byte(s.adminPasswordHash), []byte(password))
	if normalizeEmail(email) != s.adminEmail || compareErr != nil {
		s.recordAudit(ctx, "password_rejected", normalizeEmail(email), "")
		return "", ErrInvalidCredentials
	}

	sessionID, err := s.store.CreateSession(s.adminEmail, map[string]string{
		"login_method": "password",
	})
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	s.recordAudit(ctx, "login", s.adminEmail, "password")
	return sessionID, nil
}

// ValidateSession delegates to the session store (sliding renewal applies).
func (s *Service) ValidateSession(id string) bool {
	return s.store.ValidateSession(id)
}

// GetSession delegates to the session store.
func (s *Service) GetSession(id string) *session.Session {
	return s.store.GetSession(id)
}

// Logout destroys the session. Idempotent.
func (s *Service) Logout(ctx context.Context, id string) bool {
	sess := s.store.GetSession(id)
	destroyed := s.store.DestroySession(id)
	if destroyed && sess != nil {
		s.recordAudit(ctx, "logout", sess.Email, "")
	}
	return destroyed
}

// Stats exposes session store counts for diagnostics.
func (s *Service) Stats() session.Stats {
	return s.store.Stats()
}

// Close stops background sweeps and clears session state.
func (s *Service) Close() {
	s.store.Close()
}

func (s *Service) recordAudit(ctx context.Context, event, email, detail string) {
	if s.audit != nil {
		s.audit.RecordAuthEvent(ctx, event, email, detail)
	}
}
