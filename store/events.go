package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/events"
)

const insertEventSql = `
INSERT OR IGNORE INTO events (id, pubkey, created_at, kind, tags, content, sig, replace_key, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const insertEventTagSql = `
INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?);
`

const countNewerOrEqualSql = `
SELECT COUNT(*) FROM events WHERE replace_key = ? AND created_at >= ?;
`

const deleteOlderTagsSql = `
DELETE FROM event_tags WHERE event_id IN (
	SELECT id FROM events WHERE replace_key = ? AND created_at < ?
);
`

const deleteOlderEventsSql = `
DELETE FROM events WHERE replace_key = ? AND created_at < ?;
`

const selectEventColumns = `SELECT id, pubkey, created_at, kind, tags, content, sig FROM events`

type eventRow struct {
	ID        string `db:"id"`
	PubKey    string `db:"pubkey"`
	CreatedAt int64  `db:"created_at"`
	Kind      int    `db:"kind"`
	Tags      string `db:"tags"`
	Content   string `db:"content"`
	Sig       string `db:"sig"`
}

func (r *eventRow) toEvent() (*nostr.Event, error) {
	tags := nostr.Tags{}
	if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for event %s: %w", r.ID, err)
	}
	return &nostr.Event{
		ID:        r.ID,
		PubKey:    r.PubKey,
		CreatedAt: nostr.Timestamp(r.CreatedAt),
		Kind:      r.Kind,
		Tags:      tags,
		Content:   r.Content,
		Sig:       r.Sig,
	}, nil
}

// Save persists an accepted event according to its treatment and reports
// whether it was stored.
//
// Regular events are inserted if absent; a duplicate id returns false. For
// replaceable and parameterized replaceable events the check for a stored
// event with the same key and created_at >= the incoming one, the deletion of
// older events and the insert run in one transaction. Ties favor the stored
// event. Ephemeral events return ErrNotStored.
func (s *Store) Save(ctx context.Context, evt *nostr.Event, treatment events.Treatment) (bool, error) {
	if !treatment.Stored() {
		return false, ErrNotStored
	}
	tagsJSON, err := json.Marshal(nonNilTags(evt.Tags))
	if err != nil {
		return false, fmt.Errorf("failed to encode tags: %w", err)
	}
	var replaceKey sql.NullString
	if key, ok := events.ReplacementKey(evt); ok {
		replaceKey = sql.NullString{String: key, Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if replaceKey.Valid {
		var newer int
		if err := tx.GetContext(ctx, &newer, countNewerOrEqualSql, replaceKey.String, int64(evt.CreatedAt)); err != nil {
			return false, fmt.Errorf("failed to check replaceable event: %w", err)
		}
		if newer > 0 {
			s.logger.Debug("Rejected superseded replaceable event",
				zap.String("id", evt.ID),
				zap.String("replace_key", replaceKey.String))
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, deleteOlderTagsSql, replaceKey.String, int64(evt.CreatedAt)); err != nil {
			return false, fmt.Errorf("failed to delete replaced tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteOlderEventsSql, replaceKey.String, int64(evt.CreatedAt)); err != nil {
			return false, fmt.Errorf("failed to delete replaced events: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, insertEventSql,
		evt.ID,
		evt.PubKey,
		int64(evt.CreatedAt),
		evt.Kind,
		string(tagsJSON),
		evt.Content,
		evt.Sig,
		replaceKey,
		s.now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx, insertEventTagSql, evt.ID, tag[0], tag[1]); err != nil {
			return false, fmt.Errorf("failed to index tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit event: %w", err)
	}
	return true, nil
}

// Query evaluates each filter of the group independently and returns the
// union, each filter's results ordered by created_at descending and capped
// by its clamped limit. An event matched by several filters is returned once.
// Filters with an unusable tag key are skipped, and so is a filter whose
// query fails; the error is logged and the other filters still answer.
func (s *Store) Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	var out []*nostr.Event
	seen := make(map[string]struct{})

	for i, f := range filters {
		if !events.ValidFilter(f) {
			s.logger.Debug("Skipping filter with invalid tag name", zap.Int("filter", i))
			continue
		}
		found, err := s.queryFilter(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Error("Skipping filter that failed to query", zap.Int("filter", i), zap.Error(err))
			continue
		}
		for _, evt := range found {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			out = append(out, evt)
		}
	}
	return out, nil
}

// ClampLimit applies the default and ceiling to a requested limit.
func (s *Store) ClampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

func (s *Store) queryFilter(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	var conds []string
	var args []any

	if len(f.IDs) > 0 {
		conds = append(conds, "id IN (?)")
		args = append(args, f.IDs)
	}
	if len(f.Authors) > 0 {
		conds = append(conds, "pubkey IN (?)")
		args = append(args, f.Authors)
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "kind IN (?)")
		args = append(args, f.Kinds)
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, int64(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, int64(*f.Until))
	}
	for _, name := range events.SortedTagNames(f) {
		values := events.TagValues(f.Tags[name])
		if len(values) == 0 {
			continue
		}
		conds = append(conds,
			"EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND t.name = ? AND t.value IN (?))")
		args = append(args, name, values)
	}

	query := selectEventColumns
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, s.ClampLimit(f.Limit))

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return rowsToEvents(rows)
}

// Latest returns the newest stored event of kind by pubkey.
func (s *Store) Latest(ctx context.Context, pubkey string, kind int) (*nostr.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row,
		selectEventColumns+" WHERE pubkey = ? AND kind = ? ORDER BY created_at DESC LIMIT 1",
		pubkey, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return row.toEvent()
}

func rowsToEvents(rows []eventRow) ([]*nostr.Event, error) {
	out := make([]*nostr.Event, 0, len(rows))
	for i := range rows {
		evt, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func nonNilTags(tags nostr.Tags) nostr.Tags {
	if tags == nil {
		return nostr.Tags{}
	}
	return tags
}
