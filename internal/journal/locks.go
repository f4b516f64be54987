package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultLockTTL bounds how long an advisory lock may be held before any
// holder can reclaim it.
const DefaultLockTTL = 30 * time.Second

// ErrLockHeld is returned when a non-expired lock is held by another
// holder. Use errors.As with *HeldError to learn the holder.
var ErrLockHeld = errors.New("journal: lock held")

// HeldError names the current holder of a contested lock.
type HeldError struct {
	Path     string
	HolderID string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("journal: lock on %q held by %s", e.Path, e.HolderID)
}

func (e *HeldError) Unwrap() error {
	return ErrLockHeld
}

// AcquireLock takes the advisory lock on a path for holderID with the
// given TTL. Acquisition succeeds when no row exists, when the existing
// lock has expired, or when the same holder is refreshing. Otherwise a
// *HeldError names the current holder.
func (s *Store) AcquireLock(ctx context.Context, path, holderID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	now := s.nowMilli()
	expires := now + ttl.Milliseconds()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (path, holder_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		  holder_id = excluded.holder_id,
		  acquired_at = excluded.acquired_at,
		  expires_at = excluded.expires_at
		 WHERE locks.expires_at <= excluded.acquired_at
		    OR locks.holder_id = excluded.holder_id`,
		path, holderID, now, expires)
	if err != nil {
		return fmt.Errorf("journal: acquiring lock on %s: %w", path, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: lock rows affected: %w", err)
	}

	if n == 0 {
		holder, holderErr := s.lockHolder(ctx, path)
		if holderErr != nil {
			return holderErr
		}

		return &HeldError{Path: path, HolderID: holder}
	}

	return nil
}

// ReleaseLock drops the lock on path if holderID owns it. Releasing a
// lock that expired and was reclaimed is a no-op, not an error.
func (s *Store) ReleaseLock(ctx context.Context, path, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE path = ? AND holder_id = ?`, path, holderID)
	if err != nil {
		return fmt.Errorf("journal: releasing lock on %s: %w", path, err)
	}

	return nil
}

// WithLock acquires the lock, runs fn, and releases on every exit path
// including panics. The fn error is returned unchanged; a release failure
// is logged, not returned, so it cannot mask fn's result.
func (s *Store) WithLock(ctx context.Context, path string, fn func() error) error {
	if err := s.AcquireLock(ctx, path, s.deviceID, DefaultLockTTL); err != nil {
		return err
	}

	defer func() {
		if err := s.ReleaseLock(ctx, path, s.deviceID); err != nil {
			s.logger.Warn("lock release failed",
				"path", path,
				"error", err.Error(),
			)
		}
	}()

	return fn()
}

// lockHolder reads the holder of the lock row for path.
func (s *Store) lockHolder(ctx context.Context, path string) (string, error) {
	var holder string

	err := s.db.QueryRowContext(ctx,
		`SELECT holder_id FROM locks WHERE path = ?`, path).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Lock vanished between the failed upsert and this read.
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("journal: reading lock holder for %s: %w", path, err)
	}

	return holder, nil
}
