// ABOUTME: Mail delivery collaborator for magic-link login emails
// ABOUTME: Defines the Mailer interface and an SMTP implementation

package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/promptdeck/promptdeck/internal/config"
)

// Mailer delivers a magic-link token to an email address.
type Mailer interface {
	Send(ctx context.Context, email, token string) error
}

// SMTPMailer sends login links through a configured SMTP relay.
type SMTPMailer struct {
	cfg     config.SMTPConfig
	baseURL string
	logger  *slog.Logger
}

// NewSMTPMailer creates a mailer. baseURL is the gateway's external URL,
// used to build the verify link embedded in the message.
func NewSMTPMailer(cfg config.SMTPConfig, baseURL string) *SMTPMailer {
	return &SMTPMailer{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default().With("component", "mail"),
	}
}

// VerifyURL returns the login URL a recipient follows to redeem a token.
func (m *SMTPMailer) VerifyURL(token string) string {
	return fmt.Sprintf("%s/login/verify?token=%s", m.baseURL, url.QueryEscape(token))
}

// Send delivers the login link. The context is checked before the SMTP
// dial since net/smtp has no context support of its own.
func (m *SMTPMailer) Send(ctx context.Context, email, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	verifyURL := m.VerifyURL(token)
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + email,
		"Subject: Your promptdeck login link",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Click the link below to sign in to promptdeck:",
		"",
		verifyURL,
		"",
		"The link is valid for 15 minutes and can be used once.",
		"If you did not request it, you can ignore this message.",
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{email}, []byte(msg)); err != nil {
		return fmt.Errorf("sending login mail: %w", err)
	}

	m.logger.Info("sent magic link", "to", email)
	return nil
}
