package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const changeSelectCols = `SELECT id, path, old_path, kind, hash, size, mtime,
	detected_at, source, device_id
 FROM changes `

// Append inserts a change entry and returns its assigned id. The id is
// the SQLite auto-increment rowid, so per-device ids are strictly
// increasing and contiguous. Entries are never mutated after insert.
func (s *Store) Append(ctx context.Context, e *Entry) (int64, error) {
	if e.DetectedAt == 0 {
		e.DetectedAt = s.nowMilli()
	}

	if e.DeviceID == "" {
		e.DeviceID = s.deviceID
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO changes (path, old_path, kind, hash, size, mtime, detected_at, source, device_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Path, nullString(e.OldPath), string(e.Kind),
		nullString(e.Hash), nullInt64(e.Size, e.Kind == KindDelete),
		nullInt64(e.Mtime, e.Kind == KindDelete),
		e.DetectedAt, string(e.Source), e.DeviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("journal: appending change for %s: %w", e.Path, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: change insert id: %w", err)
	}

	e.ID = id

	s.logger.Debug("change appended",
		slog.Int64("id", id),
		slog.String("path", e.Path),
		slog.String("kind", string(e.Kind)),
		slog.String("source", string(e.Source)),
	)

	return id, nil
}

// After returns up to limit changes with id greater than cursor, in
// ascending id order. Every journal consumer reads through this window.
func (s *Store) After(ctx context.Context, cursor int64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		changeSelectCols+`WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying changes after %d: %w", cursor, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// UnsyncedChanges returns up to limit changes originating from the local
// device that have not yet been sent to peer, in ascending id order.
func (s *Store) UnsyncedChanges(ctx context.Context, peer string, limit int) ([]Entry, error) {
	sent, err := s.PeerCursor(ctx, peer, DirectionSent)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		changeSelectCols+`WHERE id > ? AND device_id = ? ORDER BY id LIMIT ?`,
		sent, s.deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying unsynced changes for %s: %w", peer, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LatestChangeID returns the highest change id in the journal, or 0 for
// an empty journal.
func (s *Store) LatestChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64

	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM changes`).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("journal: querying latest change id: %w", err)
	}

	return id.Int64, nil
}

// Compact deletes change entries older than the retention window. The
// journal is append-only otherwise; compaction is the single sanctioned
// destructive operation and is operator-triggered.
func (s *Store) Compact(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("journal: compact retention must be positive, got %d", days)
	}

	cutoff := s.nowFunc().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	result, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE detected_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: compacting changes: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: compact rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("journal compacted",
			slog.Int64("deleted", n),
			slog.Int("retention_days", days),
		)
	}

	return n, nil
}

// scanEntries reads all rows into Entry values, handling nullable columns.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry

	for rows.Next() {
		var (
			e       Entry
			oldPath sql.NullString
			hash    sql.NullString
			size    sql.NullInt64
			mtime   sql.NullInt64
			kind    string
			source  string
		)

		err := rows.Scan(&e.ID, &e.Path, &oldPath, &kind, &hash, &size, &mtime,
			&e.DetectedAt, &source, &e.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("journal: scanning change row: %w", err)
		}

		e.OldPath = oldPath.String
		e.Hash = hash.String
		e.Size = size.Int64
		e.Mtime = mtime.Int64
		e.Kind = Kind(kind)
		e.Source = Source(source)

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating change rows: %w", err)
	}

	return entries, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt64 maps the value to NULL when isNull is set (delete entries
// carry no hash, size or mtime).
func nullInt64(v int64, isNull bool) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: !isNull}
}
