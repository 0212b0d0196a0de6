// ABOUTME: In-memory registry of magic-link tokens and authenticated sessions
// ABOUTME: Enforces single-use links, sliding session expiry, and periodic sweeps

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default lifetimes and sweep intervals.
const (
	DefaultLinkTTL    = 15 * time.Minute
	DefaultSessionTTL = 24 * time.Hour

	linkSweepInterval    = 10 * time.Minute
	sessionSweepInterval = 60 * time.Minute
)

// MagicLink is a single-use, time-boxed login token bound to an email.
type MagicLink struct {
	Token     string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Session is an authenticated session with a sliding expiry window.
type Session struct {
	ID           string
	Email        string
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	Extra        map[string]string
}

// Counts summarizes one of the store's maps for diagnostics.
type Counts struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Stats reports the current store population.
type Stats struct {
	Sessions   Counts `json:"sessions"`
	MagicLinks Counts `json:"magicLinks"`
}

// Config holds store construction options. Zero values take defaults.
type Config struct {
	LinkTTL    time.Duration
	SessionTTL time.Duration
	Logger     *slog.Logger
}

// Store holds magic links and sessions in memory. A single mutex guards
// both maps; the sweep goroutines take the same lock as the mutating
// operations so a sweep never races a validation or consumption.
type Store struct {
	mu       sync.Mutex
	links    map[string]*MagicLink
	sessions map[string]*Session

	linkTTL    time.Duration
	sessionTTL time.Duration

	logger *slog.Logger
	done   chan struct{}
	closed bool
}

// New creates a session store and starts its background sweeps.
func New(cfg Config) *Store {
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = DefaultLinkTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}

	s := &Store{
		links:      make(map[string]*MagicLink),
		sessions:   make(map[string]*Session),
		linkTTL:    cfg.LinkTTL,
		sessionTTL: cfg.SessionTTL,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go s.sweepLoop(linkSweepInterval, s.sweepLinks)
	go s.sweepLoop(sessionSweepInterval, s.sweepSessions)
	return s
}

// IssueMagicLink generates an unguessable token for the given email and
// records it with the configured validity window.
func (s *Store) IssueMagicLink(email string) (string, error) {
	token, err := generateSecureToken(16)
	if err != nil {
		return "", fmt.Errorf("generating link token: %w", err)
	}

	now := time.Now()
	link := &MagicLink{
		Token:     token,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.linkTTL),
	}

	s.mu.Lock()
	s.links[token] = link
	s.mu.Unlock()

	return token, nil
}

// ConsumeMagicLink atomically redeems a token. It returns nil for an
// unknown, expired, or already-used token; otherwise it marks the link
// used and returns it. At most one concurrent caller can succeed for a
// given token.
func (s *Store) ConsumeMagicLink(token string) *MagicLink {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[token]
	if !ok {
		return nil
	}
	if link.Used || time.Now().After(link.ExpiresAt) {
		return nil
	}

	link.Used = true
	copied := *link
	return &copied
}

// CreateSession creates a session for email with an unguessable id and the
// configured sliding lifetime. The extra map carries caller metadata such
// as the login method.
func (s *Store) CreateSession(email string, extra map[string]string) (string, error) {
	id, err := generateSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		Email:        email,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(s.sessionTTL),
	}
	if len(extra) > 0 {
		sess.Extra = make(map[string]string, len(extra))
		for k, v := range extra {
			sess.Extra[k] = v
		}
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	return id, nil
}

// ValidateSession reports whether the session exists and is unexpired.
// A missing or expired entry is evicted and the call returns false; a
// valid one has its expiry extended to now+lifetime (sliding window).
func (s *Store) ValidateSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}

	now := time.Now()
	if now.After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return false
	}

	sess.LastAccessed = now
	sess.ExpiresAt = now.Add(s.sessionTTL)
	return true
}

// GetSession returns a copy of the session, or nil if it is missing or
// expired. Unlike ValidateSession it does not extend the expiry.
func (s *Store) GetSession(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil
	}

	copied := *sess
	if sess.Extra != nil {
		copied.Extra = make(map[string]string, len(sess.Extra))
		for k, v := range sess.Extra {
			copied.Extra[k] = v
		}
	}
	return &copied
}

// DestroySession removes a session. It is idempotent and reports whether
// an entry existed.
func (s *Store) DestroySession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.sessions[id]
	delete(s.sessions, id)
	return existed
}

// Stats returns total/active/expired counts for both maps.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var st Stats

	for _, sess := range s.sessions {
		st.Sessions.Total++
		if now.After(sess.ExpiresAt) {
			st.Sessions.Expired++
		} else {
			st.Sessions.Active++
		}
	}
	for _, link := range s.links {
		st.MagicLinks.Total++
		if link.Used || now.After(link.ExpiresAt) {
			st.MagicLinks.Expired++
		} else {
			st.MagicLinks.Active++
		}
	}
	return st
}

// Close stops the background sweeps and clears the maps. Safe to call
// multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
	s.links = make(map[string]*MagicLink)
	s.sessions = make(map[string]*Session)
}

// sweepLoop runs fn on a fixed interval until the store is closed.
func (s *Store) sweepLoop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.done:
			return
		}
	}
}

// sweepLinks removes expired or consumed magic links.
func (s *Store) sweepLinks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, link := range s.links {
		if link.Used || now.After(link.ExpiresAt) {
			delete(s.links, token)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept magic links", "removed", removed, "remaining", len(s.links))
	}
}

// sweepSessions removes expired sessions.
func (s *Store) sweepSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept sessions", "removed", removed, "remaining", len(s.sessions))
	}
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
