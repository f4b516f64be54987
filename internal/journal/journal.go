// Package journal is the per-device persistent state store: an append-only
// change log, a per-file version cache, consumer and peer cursors, advisory
// locks, and conflict records. It is a single SQLite file in WAL mode,
// private to one process; every other process reaches this state through
// the sync protocol, never through the database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Source identifies the producer of a change entry.
type Source string

// Change sources.
const (
	SourceWatcher Source = "watcher"
	SourceScan    Source = "scan"
	SourceAPI     Source = "api"
	SourceRemote  Source = "remote"
)

// Kind enumerates change kinds. Values match the wire protocol.
type Kind string

// Change kinds.
const (
	KindCreate Kind = "create"
	KindModify Kind = "modify"
	KindDelete Kind = "delete"
	KindRename Kind = "rename"
)

// Entry is one record in the append-only change log. Hash, Size and Mtime
// are zero for deletes. Times are epoch milliseconds.
type Entry struct {
	ID         int64
	Path       string
	OldPath    string
	Kind       Kind
	Hash       string
	Size       int64
	Mtime      int64
	DetectedAt int64
	Source     Source
	DeviceID   string
}

// Version is the recorded state of one file. The (Path, Version) pair is
// unique; the highest Version per path is the canonical local state.
type Version struct {
	Path       string
	Version    int64
	Hash       string
	Size       int64
	Mtime      int64
	RecordedAt int64
	DeviceID   string
}

// Store owns the journal database. All writes go through the single
// pooled connection (sole-writer pattern); WAL mode plus a 5s busy
// timeout make concurrent readers safe.
type Store struct {
	db       *sql.DB
	deviceID string
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable for deterministic tests
}

// Open opens (or creates) the journal database at dbPath and applies
// pending migrations. deviceID stamps locally-originated rows.
func Open(dbPath, deviceID string, logger *slog.Logger) (*Store, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("journal opened",
		slog.String("db_path", dbPath),
		slog.String("device_id", deviceID),
	)

	return &Store{
		db:       db,
		deviceID: deviceID,
		logger:   logger,
		nowFunc:  time.Now,
	}, nil
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("journal: closing database: %w", err)
	}

	return nil
}

// DeviceID returns the local device id this store stamps on entries.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("journal: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("journal: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// nowMilli returns the store's current wall clock in epoch milliseconds.
func (s *Store) nowMilli() int64 {
	return s.nowFunc().UnixMilli()
}
