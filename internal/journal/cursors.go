package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Direction distinguishes the two peer cursors kept per peer device.
type Direction string

// Peer cursor directions.
const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// ErrCursorRegression is returned when an update would move a cursor
// backwards. Cursor values only increase.
var ErrCursorRegression = errors.New("journal: cursor update would decrease value")

// Cursor returns the last-processed change id for a consumer, or 0 if
// the consumer has never checkpointed.
func (s *Store) Cursor(ctx context.Context, consumer string) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx,
		`SELECT last_change_id FROM cursors WHERE consumer = ?`, consumer).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("journal: reading cursor for %s: %w", consumer, err)
	}

	return id, nil
}

// UpdateCursor upserts a consumer cursor. The upsert's WHERE clause makes
// decreases a no-op at the SQL level; a zero rows-affected on an existing
// row surfaces as ErrCursorRegression.
func (s *Store) UpdateCursor(ctx context.Context, consumer string, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (consumer, last_change_id) VALUES (?, ?)
		 ON CONFLICT(consumer) DO UPDATE SET last_change_id = excluded.last_change_id
		 WHERE excluded.last_change_id >= cursors.last_change_id`,
		consumer, id)
	if err != nil {
		return fmt.Errorf("journal: updating cursor for %s: %w", consumer, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: cursor rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: consumer %s, id %d", ErrCursorRegression, consumer, id)
	}

	return nil
}

// PeerCursor returns the last change id exchanged with a peer in the
// given direction, or 0 when no exchange has happened yet.
func (s *Store) PeerCursor(ctx context.Context, peer string, dir Direction) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx,
		`SELECT last_change_id FROM peer_cursors WHERE peer_device_id = ? AND direction = ?`,
		peer, string(dir)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("journal: reading peer cursor %s/%s: %w", peer, dir, err)
	}

	return id, nil
}

// UpdatePeerCursor upserts a peer cursor with the same monotonicity
// contract as consumer cursors.
func (s *Store) UpdatePeerCursor(ctx context.Context, peer string, dir Direction, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_cursors (peer_device_id, direction, last_change_id) VALUES (?, ?, ?)
		 ON CONFLICT(peer_device_id, direction) DO UPDATE SET last_change_id = excluded.last_change_id
		 WHERE excluded.last_change_id >= peer_cursors.last_change_id`,
		peer, string(dir), id)
	if err != nil {
		return fmt.Errorf("journal: updating peer cursor %s/%s: %w", peer, dir, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: peer cursor rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: peer %s/%s, id %d", ErrCursorRegression, peer, dir, id)
	}

	return nil
}
