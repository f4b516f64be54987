package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrVersionNotFound is returned when no version row exists for a path.
var ErrVersionNotFound = errors.New("journal: no version recorded for path")

const versionSelectCols = `SELECT path, version, hash, size, mtime, recorded_at, device_id
 FROM versions `

// UpsertVersion records a new version for a path. The per-file version
// counter advances monotonically: the inserted row gets the current
// maximum plus one. The insert and the max lookup run in one transaction
// so concurrent writers cannot collide on (path, version).
func (s *Store) UpsertVersion(ctx context.Context, path, hash string, size, mtime int64, deviceID string) (int64, error) {
	if deviceID == "" {
		deviceID = s.deviceID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("journal: begin version upsert: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM versions WHERE path = ?`, path).Scan(&current); err != nil {
		return 0, fmt.Errorf("journal: reading current version for %s: %w", path, err)
	}

	next := current.Int64 + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (path, version, hash, size, mtime, recorded_at, device_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		path, next, hash, size, mtime, s.nowMilli(), deviceID)
	if err != nil {
		return 0, fmt.Errorf("journal: inserting version %d for %s: %w", next, path, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: committing version upsert: %w", err)
	}

	return next, nil
}

// Version returns the canonical (highest-version) row for a path, or
// ErrVersionNotFound.
func (s *Store) Version(ctx context.Context, path string) (*Version, error) {
	row := s.db.QueryRowContext(ctx,
		versionSelectCols+`WHERE path = ? ORDER BY version DESC LIMIT 1`, path)

	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}

	if err != nil {
		return nil, err
	}

	return v, nil
}

// CurrentVersions returns the canonical row for every known path, keyed
// by path. The scanner uses this as its mtime+size pre-filter and for
// deletion detection.
func (s *Store) CurrentVersions(ctx context.Context) (map[string]*Version, error) {
	rows, err := s.db.QueryContext(ctx,
		versionSelectCols+`WHERE (path, version) IN
			(SELECT path, MAX(version) FROM versions GROUP BY path)`)
	if err != nil {
		return nil, fmt.Errorf("journal: querying current versions: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Version)

	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Path, &v.Version, &v.Hash, &v.Size, &v.Mtime,
			&v.RecordedAt, &v.DeviceID); err != nil {
			return nil, fmt.Errorf("journal: scanning version row: %w", err)
		}

		result[v.Path] = &v
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating version rows: %w", err)
	}

	return result, nil
}

// AllVersions returns the full version history for a path, oldest first.
func (s *Store) AllVersions(ctx context.Context, path string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		versionSelectCols+`WHERE path = ? ORDER BY version`, path)
	if err != nil {
		return nil, fmt.Errorf("journal: querying version history for %s: %w", path, err)
	}
	defer rows.Close()

	var history []Version

	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Path, &v.Version, &v.Hash, &v.Size, &v.Mtime,
			&v.RecordedAt, &v.DeviceID); err != nil {
			return nil, fmt.Errorf("journal: scanning version row: %w", err)
		}

		history = append(history, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating version rows: %w", err)
	}

	return history, nil
}

// DeleteVersions removes all version history for a path. Called when the
// file is deleted so the scanner stops re-detecting it.
func (s *Store) DeleteVersions(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM versions WHERE path = ?`, path); err != nil {
		return fmt.Errorf("journal: deleting versions for %s: %w", path, err)
	}

	return nil
}

// RenameVersions migrates version history from oldPath to newPath.
func (s *Store) RenameVersions(ctx context.Context, oldPath, newPath string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE versions SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		return fmt.Errorf("journal: renaming versions %s -> %s: %w", oldPath, newPath, err)
	}

	return nil
}

// scanVersion scans a single version row.
func scanVersion(row *sql.Row) (*Version, error) {
	var v Version

	err := row.Scan(&v.Path, &v.Version, &v.Hash, &v.Size, &v.Mtime,
		&v.RecordedAt, &v.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("journal: scanning version row: %w", err)
	}

	return &v, nil
}
