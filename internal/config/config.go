// Package config resolves vaultsync configuration from a three-layer
// override chain: TOML config file, environment variables, CLI flags.
// Later layers win. A missing file is valid; every knob has a default.
package config

import "time"

// Sync holds the client sync engine configuration.
type Sync struct {
	// Server is the relay WebSocket URL, e.g. "ws://127.0.0.1:18800".
	Server string `toml:"server"`
	// VaultDir is the directory of Markdown files to synchronize.
	VaultDir string `toml:"vault_dir"`
	// DeviceName is the human-readable name shown in device lists.
	DeviceName string `toml:"device_name"`
	// PassphraseFile points at a file whose first line is the vault
	// passphrase. Empty disables end-to-end encryption.
	PassphraseFile string `toml:"passphrase_file"`
	// ConflictStrategy is one of newer-wins, merge-frontmatter, manual.
	ConflictStrategy string `toml:"conflict_strategy"`
	// Ignore lists extra glob patterns excluded from sync, on top of the
	// built-in ignore set.
	Ignore []string `toml:"ignore"`
	// ScanIntervalMinutes is the period of the full safety-net scan.
	ScanIntervalMinutes int `toml:"scan_interval_minutes"`
	// CompactDays is the journal retention window for compaction.
	// Zero disables compaction.
	CompactDays int `toml:"compact_days"`
}

// Relay holds the relay server configuration.
type Relay struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	DBPath  string `toml:"db"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
	// MaxDevicesPerVault caps how many devices may register per vault id.
	MaxDevicesPerVault int `toml:"max_devices_per_vault"`
}

// Config is the root of the TOML file.
type Config struct {
	LogLevel string `toml:"log_level"`
	Sync     Sync   `toml:"sync"`
	Relay    Relay  `toml:"relay"`
}

// Defaults.
const (
	DefaultPort             = 18800
	DefaultHost             = "127.0.0.1"
	DefaultMaxDevices       = 10
	DefaultConflictStrategy = "newer-wins"
	DefaultScanInterval     = time.Hour
	DefaultRelayDBName      = "relay.db"
	DefaultJournalSubdir    = "_embeddings"
	DefaultJournalDBName    = "sync.db"
)

// Defaults returns a fully-populated baseline config.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Sync: Sync{
			Server:              "ws://127.0.0.1:18800",
			ConflictStrategy:    DefaultConflictStrategy,
			ScanIntervalMinutes: int(DefaultScanInterval.Minutes()),
		},
		Relay: Relay{
			Host:               DefaultHost,
			Port:               DefaultPort,
			DBPath:             DefaultRelayDBName,
			MaxDevicesPerVault: DefaultMaxDevices,
		},
	}
}

// ScanInterval returns the configured scan period as a duration.
func (s *Sync) ScanInterval() time.Duration {
	if s.ScanIntervalMinutes <= 0 {
		return DefaultScanInterval
	}

	return time.Duration(s.ScanIntervalMinutes) * time.Minute
}
