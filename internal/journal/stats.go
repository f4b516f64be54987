package journal

import (
	"context"
	"fmt"
)

// Stats summarizes journal state for the status command.
type Stats struct {
	Changes             int64
	LatestChangeID      int64
	TrackedFiles        int64
	UnresolvedConflicts int64
	Cursors             map[string]int64
}

// Stats collects row counts and cursor positions in one pass.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Cursors: make(map[string]int64)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(id), 0) FROM changes`).Scan(&st.Changes, &st.LatestChangeID); err != nil {
		return nil, fmt.Errorf("journal: counting changes: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT path) FROM versions`).Scan(&st.TrackedFiles); err != nil {
		return nil, fmt.Errorf("journal: counting versions: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL`).Scan(&st.UnresolvedConflicts); err != nil {
		return nil, fmt.Errorf("journal: counting conflicts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT consumer, last_change_id FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("journal: listing cursors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			consumer string
			id       int64
		)

		if err := rows.Scan(&consumer, &id); err != nil {
			return nil, fmt.Errorf("journal: scanning cursor row: %w", err)
		}

		st.Cursors[consumer] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating cursor rows: %w", err)
	}

	return st, nil
}
