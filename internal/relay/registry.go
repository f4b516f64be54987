// Package relay is the rendezvous server of the sync fabric. It
// authenticates devices with HMAC tokens, groups their connections into
// per-vault rooms, buffers deltas for offline peers, and routes frames
// without ever decrypting, persisting, or logging payload bytes.
package relay

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const serverSecretKey = "server_secret"

// Device is one registry row.
type Device struct {
	VaultID    string
	DeviceID   string
	DeviceName string
	FirstSeen  int64
	LastSeen   int64
}

// Registry is the relay's persistent device store. It records which
// devices belong to which vault and when they were last seen; payloads
// never touch it. The HMAC server secret lives in its meta table so
// tokens survive restarts.
type Registry struct {
	db      *sql.DB
	secret  []byte
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenRegistry opens (or creates) the registry database and loads the
// server secret, generating one on first boot.
func OpenRegistry(dbPath string, logger *slog.Logger) (*Registry, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("relay: opening registry %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	r := &Registry{db: db, logger: logger, nowFunc: time.Now}

	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	if err := r.loadOrCreateSecret(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("relay: closing registry: %w", err)
	}

	return nil
}

// Secret returns the HMAC key used to mint and verify device tokens.
func (r *Registry) Secret() []byte {
	return r.secret
}

// UpsertDevice records a device for a vault, preserving first_seen.
func (r *Registry) UpsertDevice(ctx context.Context, vaultID, deviceID, deviceName string) error {
	now := r.nowFunc().UnixMilli()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (vault_id, device_id, device_name, first_seen, last_seen, paired)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT (vault_id, device_id) DO UPDATE SET
		   device_name = excluded.device_name,
		   last_seen = excluded.last_seen,
		   paired = 1`,
		vaultID, deviceID, deviceName, now, now)
	if err != nil {
		return fmt.Errorf("relay: upserting device %s: %w", deviceID, err)
	}

	return nil
}

// TouchLastSeen refreshes a device's last_seen timestamp.
func (r *Registry) TouchLastSeen(ctx context.Context, vaultID, deviceID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE vault_id = ? AND device_id = ?`,
		r.nowFunc().UnixMilli(), vaultID, deviceID)
	if err != nil {
		return fmt.Errorf("relay: touching last seen for %s: %w", deviceID, err)
	}

	return nil
}

// DevicesForVault lists all registered devices of a vault.
func (r *Registry) DevicesForVault(ctx context.Context, vaultID string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT vault_id, device_id, device_name, first_seen, last_seen
		 FROM devices WHERE vault_id = ? ORDER BY first_seen`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("relay: querying devices for vault: %w", err)
	}
	defer rows.Close()

	var devices []Device

	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.VaultID, &d.DeviceID, &d.DeviceName,
			&d.FirstSeen, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("relay: scanning device row: %w", err)
		}

		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay: iterating device rows: %w", err)
	}

	return devices, nil
}

// CountDevices returns how many devices a vault has registered.
func (r *Registry) CountDevices(ctx context.Context, vaultID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE vault_id = ?`, vaultID).Scan(&n); err != nil {
		return 0, fmt.Errorf("relay: counting devices for vault: %w", err)
	}

	return n, nil
}

// KnownDevice reports whether (vaultID, deviceID) is already registered.
func (r *Registry) KnownDevice(ctx context.Context, vaultID, deviceID string) (bool, error) {
	var one int

	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM devices WHERE vault_id = ? AND device_id = ?`,
		vaultID, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("relay: looking up device %s: %w", deviceID, err)
	}

	return true, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("relay: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, r.db, subFS)
	if err != nil {
		return fmt.Errorf("relay: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("relay: running migrations: %w", err)
	}

	for _, res := range results {
		r.logger.Info("applied registry migration",
			slog.String("source", res.Source.Path),
		)
	}

	return nil
}

// loadOrCreateSecret reads the token-signing secret from meta, minting a
// fresh 32-byte one on first boot.
func (r *Registry) loadOrCreateSecret(ctx context.Context) error {
	var encoded string

	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, serverSecretKey).Scan(&encoded)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("relay: generating server secret: %w", err)
		}

		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)`,
			serverSecretKey, hex.EncodeToString(raw)); err != nil {
			return fmt.Errorf("relay: storing server secret: %w", err)
		}

		r.secret = raw
		r.logger.Info("generated new server secret")

		return nil

	case err != nil:
		return fmt.Errorf("relay: loading server secret: %w", err)
	}

	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("relay: decoding server secret: %w", err)
	}

	r.secret = raw

	return nil
}
