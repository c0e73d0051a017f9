package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tomyedwab/relay/events"
)

// Cohorts is a set of group labels, stored as a JSON array.
type Cohorts []string

func (c Cohorts) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *Cohorts) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = Cohorts{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported cohorts column type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	if out == nil {
		out = []string{}
	}
	*c = out
	return nil
}

// Has reports whether name is one of the cohorts.
func (c Cohorts) Has(name string) bool {
	for _, v := range c {
		if v == name {
			return true
		}
	}
	return false
}

// AllowEntry is one row of the dynamic allow-list. Times are unix seconds.
type AllowEntry struct {
	Pubkey    string  `db:"pubkey" json:"pubkey"`
	Cohorts   Cohorts `db:"cohorts" json:"cohorts"`
	AddedAt   int64   `db:"added_at" json:"addedAt"`
	AddedBy   string  `db:"added_by" json:"addedBy"`
	ExpiresAt *int64  `db:"expires_at" json:"expiresAt"`
	Notes     string  `db:"notes" json:"notes"`
}

// Expired reports whether the entry has an expiry at or before now.
func (e *AllowEntry) Expired(now int64) bool {
	return e.ExpiresAt != nil && *e.ExpiresAt <= now
}

const upsertAllowEntrySql = `
INSERT INTO whitelist (pubkey, cohorts, added_at, added_by, expires_at, notes)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(pubkey) DO UPDATE SET
	cohorts = excluded.cohorts,
	added_at = excluded.added_at,
	added_by = excluded.added_by,
	expires_at = excluded.expires_at,
	notes = excluded.notes;
`

const selectAllowColumns = `SELECT pubkey, cohorts, added_at, added_by, expires_at, notes FROM whitelist`

// AddAllowEntry inserts or replaces the entry for entry.Pubkey. A zero
// AddedAt is filled from the store clock.
func (s *Store) AddAllowEntry(ctx context.Context, entry AllowEntry) error {
	if !events.IsHex64(entry.Pubkey) {
		return ErrBadPubkey
	}
	if entry.AddedAt == 0 {
		entry.AddedAt = s.now().Unix()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, upsertAllowEntrySql,
		entry.Pubkey,
		entry.Cohorts,
		entry.AddedAt,
		entry.AddedBy,
		entry.ExpiresAt,
		entry.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to save whitelist entry: %w", err)
	}
	return nil
}

// RemoveAllowEntry deletes the entry and returns ErrNotFound when there was
// none.
func (s *Store) RemoveAllowEntry(ctx context.Context, pubkey string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM whitelist WHERE pubkey = ?", pubkey)
	if err != nil {
		return fmt.Errorf("failed to remove whitelist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAllowEntry returns the live entry for pubkey. Expired entries are
// reported as ErrNotFound.
func (s *Store) GetAllowEntry(ctx context.Context, pubkey string) (*AllowEntry, error) {
	var entry AllowEntry
	err := s.db.GetContext(ctx, &entry, selectAllowColumns+" WHERE pubkey = ?", pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load whitelist entry: %w", err)
	}
	if entry.Expired(s.now().Unix()) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// IsAllowed reports whether pubkey has a live dynamic entry.
func (s *Store) IsAllowed(ctx context.Context, pubkey string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM whitelist WHERE pubkey = ? AND (expires_at IS NULL OR expires_at > ?)",
		pubkey, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to check whitelist: %w", err)
	}
	return n > 0, nil
}

// ListAllowEntries returns live entries, newest first. includeExpired also
// returns entries past their expiry.
func (s *Store) ListAllowEntries(ctx context.Context, includeExpired bool) ([]AllowEntry, error) {
	query := selectAllowColumns
	var args []any
	if !includeExpired {
		query += " WHERE expires_at IS NULL OR expires_at > ?"
		args = append(args, s.now().Unix())
	}
	query += " ORDER BY added_at DESC, pubkey ASC"

	entries := []AllowEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list whitelist: %w", err)
	}
	return entries, nil
}
