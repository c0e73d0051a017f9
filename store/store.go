// Package store is the relay's embedded SQLite storage: the event table with
// its decomposed tag index, and the dynamic allow-list.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	DatabaseFile = "nostr.db"

	DefaultQueryLimit = 500
	MaxQueryLimit     = 5000
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNotStored = errors.New("ephemeral events are not stored")
	ErrBadPubkey = errors.New("pubkey must be 64 lowercase hex characters")
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY NOT NULL,
	pubkey TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	tags TEXT NOT NULL,
	content TEXT NOT NULL,
	sig TEXT NOT NULL,
	replace_key TEXT,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_pubkey_kind ON events(pubkey, kind);
CREATE INDEX IF NOT EXISTS idx_events_replace_key ON events(replace_key) WHERE replace_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS event_tags (
	event_id TEXT NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_tags_name_value ON event_tags(name, value);
CREATE INDEX IF NOT EXISTS idx_event_tags_event_id ON event_tags(event_id);

CREATE TABLE IF NOT EXISTS whitelist (
	pubkey TEXT PRIMARY KEY NOT NULL,
	cohorts TEXT NOT NULL DEFAULT '[]',
	added_at INTEGER NOT NULL,
	added_by TEXT NOT NULL DEFAULT '',
	expires_at INTEGER,
	notes TEXT NOT NULL DEFAULT ''
);
`

// Stats summarizes the database for the health endpoint.
type Stats struct {
	EventCount     int64 `json:"events"`
	WhitelistCount int64 `json:"whitelist"`
	DBSizeBytes    int64 `json:"dbSizeBytes"`
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for expiry checks and received_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithQueryLimits sets the default and maximum per-filter result counts.
func WithQueryLimits(defaultLimit, maxLimit int) Option {
	return func(s *Store) {
		if defaultLimit > 0 {
			s.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			s.maxLimit = maxLimit
		}
	}
}

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time

	defaultLimit int
	maxLimit     int

	// writeMu serializes writers so the replace step for one key never
	// interleaves with another.
	writeMu sync.Mutex
}

// Open creates dataDir if needed and opens <dataDir>/nostr.db.
func Open(dataDir string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dsn := filepath.Join(dataDir, DatabaseFile) +
		"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA temp_store=MEMORY;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set temp_store: %w", err)
	}
	s, err := New(db, logger, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Opened event store", zap.String("path", filepath.Join(dataDir, DatabaseFile)))
	return s, nil
}

// New wraps an already open database and ensures the schema exists.
func New(db *sqlx.DB, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:           db,
		logger:       logger,
		now:          time.Now,
		defaultLimit: DefaultQueryLimit,
		maxLimit:     MaxQueryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the handle so other tables (audit) can share the file.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Stats counts stored events and allow-list rows and reports the database
// size in bytes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.EventCount, "SELECT COUNT(*) FROM events"); err != nil {
		return Stats{}, fmt.Errorf("failed to count events: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.WhitelistCount, "SELECT COUNT(*) FROM whitelist"); err != nil {
		return Stats{}, fmt.Errorf("failed to count whitelist: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.db.GetContext(ctx, &pageCount, "PRAGMA page_count"); err != nil {
		return Stats{}, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return Stats{}, fmt.Errorf("failed to read page size: %w", err)
	}
	st.DBSizeBytes = pageCount * pageSize
	return st, nil
}
