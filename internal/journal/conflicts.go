package journal

import (
	"context"
	"database/sql"
	"fmt"
)

// ConflictRecord documents a detected divergence between a local file and
// a remote change, and its eventual resolution. Winner is "local" or
// "remote"; ResolvedBy is "auto" or "manual". Unresolved records have a
// nil ResolvedAt.
type ConflictRecord struct {
	ID             int64
	Path           string
	LocalHash      string
	RemoteHash     string
	RemoteDeviceID string
	DetectedAt     int64
	Strategy       string
	Winner         string
	LoserPath      string
	ResolvedAt     *int64
	ResolvedBy     string
}

// RecordConflict inserts a conflict record and returns its id. Resolution
// fields may be zero for manual-strategy conflicts awaiting an operator.
func (s *Store) RecordConflict(ctx context.Context, c *ConflictRecord) (int64, error) {
	if c.DetectedAt == 0 {
		c.DetectedAt = s.nowMilli()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (path, local_hash, remote_hash, remote_device_id,
		  detected_at, strategy, winner, loser_path, resolved_at, resolved_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Path, c.LocalHash, c.RemoteHash, c.RemoteDeviceID, c.DetectedAt,
		c.Strategy, nullString(c.Winner), nullString(c.LoserPath),
		nullableInt64Ptr(c.ResolvedAt), nullString(c.ResolvedBy))
	if err != nil {
		return 0, fmt.Errorf("journal: recording conflict for %s: %w", c.Path, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: conflict insert id: %w", err)
	}

	c.ID = id

	return id, nil
}

// UnresolvedConflicts lists conflicts awaiting resolution, oldest first.
func (s *Store) UnresolvedConflicts(ctx context.Context) ([]ConflictRecord, error) {
	return s.queryConflicts(ctx, `WHERE resolved_at IS NULL ORDER BY id`)
}

// AllConflicts lists every conflict record, oldest first.
func (s *Store) AllConflicts(ctx context.Context) ([]ConflictRecord, error) {
	return s.queryConflicts(ctx, `ORDER BY id`)
}

// ResolveConflict marks a conflict resolved with the given winner.
func (s *Store) ResolveConflict(ctx context.Context, id int64, winner, loserPath, resolvedBy string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET winner = ?, loser_path = ?, resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		winner, nullString(loserPath), s.nowMilli(), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("journal: resolving conflict %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: conflict resolve rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("journal: conflict %d not found or already resolved", id)
	}

	return nil
}

func (s *Store) queryConflicts(ctx context.Context, tail string) ([]ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, local_hash, remote_hash, remote_device_id, detected_at,
		  strategy, winner, loser_path, resolved_at, resolved_by
		 FROM conflicts `+tail)
	if err != nil {
		return nil, fmt.Errorf("journal: querying conflicts: %w", err)
	}
	defer rows.Close()

	var records []ConflictRecord

	for rows.Next() {
		var (
			c          ConflictRecord
			winner     sql.NullString
			loserPath  sql.NullString
			resolvedAt sql.NullInt64
			resolvedBy sql.NullString
		)

		err := rows.Scan(&c.ID, &c.Path, &c.LocalHash, &c.RemoteHash,
			&c.RemoteDeviceID, &c.DetectedAt, &c.Strategy,
			&winner, &loserPath, &resolvedAt, &resolvedBy)
		if err != nil {
			return nil, fmt.Errorf("journal: scanning conflict row: %w", err)
		}

		c.Winner = winner.String
		c.LoserPath = loserPath.String
		c.ResolvedBy = resolvedBy.String

		if resolvedAt.Valid {
			v := resolvedAt.Int64
			c.ResolvedAt = &v
		}

		records = append(records, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating conflict rows: %w", err)
	}

	return records, nil
}

// nullableInt64Ptr maps a nil pointer to SQL NULL.
func nullableInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}
