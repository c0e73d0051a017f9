package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of audit event
type EventType string

const (
	EventAllowlistAdd    EventType = "allowlist_add"
	EventAllowlistRemove EventType = "allowlist_remove"
	EventAuthFailure     EventType = "auth_failure"
)

// KnownEventType reports whether s names one of the recorded event types
func KnownEventType(s string) bool {
	switch EventType(s) {
	case EventAllowlistAdd, EventAllowlistRemove, EventAuthFailure:
		return true
	}
	return false
}

// AuditEvent represents an audit log entry in the database
type AuditEvent struct {
	ID        string `db:"id" json:"id"`
	EventType string `db:"event_type" json:"eventType"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
	Actor     string `db:"actor" json:"actor"`     // Pubkey of the signer, empty when unauthenticated
	Subject   string `db:"subject" json:"subject"` // Pubkey or URL acted upon
	Detail    string `db:"detail" json:"detail"`
}

// Logger records allow-list changes and failed HTTP authentication
type Logger struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db:  db,
		now: time.Now,
	}, nil
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type)`)
	return err
}

// TokenFingerprint creates a SHA-256 hash of a credential for audit logging
// so failures can be correlated without storing the credential itself
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func (l *Logger) insertEvent(eventType EventType, actor, subject, detail string) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_events (id, event_type, timestamp, actor, subject, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(),
		string(eventType),
		l.now().UTC().Unix(),
		actor,
		subject,
		detail,
	)
	return err
}

// LogAllowlistAdd records that actor added or updated subject's entry
func (l *Logger) LogAllowlistAdd(actor, subject, detail string) error {
	return l.insertEvent(EventAllowlistAdd, actor, subject, detail)
}

// LogAllowlistRemove records that actor removed subject's entry
func (l *Logger) LogAllowlistRemove(actor, subject string) error {
	return l.insertEvent(EventAllowlistRemove, actor, subject, "")
}

// LogAuthFailure records a rejected signed request for url
func (l *Logger) LogAuthFailure(url, reason, token string) error {
	detail := reason
	if fp := TokenFingerprint(token); fp != "" {
		detail += " token=" + fp
	}
	return l.insertEvent(EventAuthFailure, "", url, detail)
}

// GetEventsByActor retrieves audit events performed by a pubkey
func (l *Logger) GetEventsByActor(actor string, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE actor = $1 ORDER BY timestamp DESC LIMIT $2",
		actor, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM audit_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := l.now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
