// ABOUTME: Audit log entity and store methods for auth and proxy activity
// ABOUTME: Records logins, link requests, and forwarded calls for diagnostics

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditKind partitions the audit log by subsystem.
type AuditKind string

const (
	AuditKindAuth  AuditKind = "auth"
	AuditKindProxy AuditKind = "proxy"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string    `json:"id"`                    // UUID v4
	Kind       AuditKind `json:"kind"`                  // "auth" or "proxy"
	Event      string    `json:"event"`                 // e.g. "login", "magic_link_sent", "forward"
	Email      string    `json:"email,omitempty"`       // acting user, if known
	ServerName string    `json:"server_name,omitempty"` // upstream server, proxy events only
	Target     string    `json:"target,omitempty"`      // resolved target URL, proxy events only
	Status     int       `json:"status,omitempty"`      // upstream HTTP status, proxy events only
	Detail     string    `json:"detail,omitempty"`      // free-form context
	Timestamp  time.Time `json:"timestamp"`
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Kind  *AuditKind // filter by subsystem
	Email *string    // filter by acting user
	Since *time.Time // entries after this time
	Limit int        // max results (default 100, max 1000)
}

// AppendAuditEntry appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditEntry(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (audit_id, kind, event, email, server_name, target, status, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.Event,
		e.Email,
		e.ServerName,
		e.Target,
		e.Status,
		e.Detail,
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	s.logger.Debug("appended audit entry", "id", e.ID, "kind", e.Kind, "event", e.Event)
	return nil
}

// RecordAuthEvent implements the auth service's AuditRecorder. Failures
// are logged and swallowed so audit trouble never blocks a login.
func (s *SQLiteStore) RecordAuthEvent(ctx context.Context, event, email, detail string) {
	e := &AuditEntry{
		Kind:   AuditKindAuth,
		Event:  event,
		Email:  email,
		Detail: detail,
	}
	if err := s.AppendAuditEntry(ctx, e); err != nil {
		s.logger.Warn("failed to record auth event", "event", event, "error", err)
	}
}

// RecordProxyEvent records a forwarded call. Best-effort like
// RecordAuthEvent.
func (s *SQLiteStore) RecordProxyEvent(ctx context.Context, email, serverName, target string, status int) {
	e := &AuditEntry{
		Kind:       AuditKindProxy,
		Event:      "forward",
		Email:      email,
		ServerName: serverName,
		Target:     target,
		Status:     status,
	}
	if err := s.AppendAuditEntry(ctx, e); err != nil {
		s.logger.Warn("failed to record proxy event", "server", serverName, "error", err)
	}
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, kind, event, email, server_name, target, status, detail, ts
	FROM audit_log
	WHERE (? IS NULL OR kind = ?)
	  AND (? IS NULL OR email = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)

	var kindStr *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kindStr = &k
	}
	var sinceStr *string
	if f.Since != nil {
		t := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &t
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		kindStr, kindStr,
		f.Email, f.Email,
		sinceStr, sinceStr,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var kindStr, tsStr string
		if err := rows.Scan(
			&e.ID,
			&kindStr,
			&e.Event,
			&e.Email,
			&e.ServerName,
			&e.Target,
			&e.Status,
			&e.Detail,
			&tsStr,
		); err != nil {
			return nil, err
		}
		e.Kind = AuditKind(kindStr)
		if ts, err := time.Parse(time.RFC3339, tsStr); err == nil {
			e.Timestamp = ts
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
