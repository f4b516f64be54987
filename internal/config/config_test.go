package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	// Not parallel: Load falls back to the real default path when the
	// explicit path is empty, so pass a nonexistent explicit path instead.
	t.Parallel()

	cfg := Defaults()

	if cfg.Relay.Port != 18800 || cfg.Relay.Host != "127.0.0.1" {
		t.Errorf("relay defaults = %s:%d", cfg.Relay.Host, cfg.Relay.Port)
	}

	if cfg.Sync.ConflictStrategy != "newer-wins" {
		t.Errorf("strategy default = %q", cfg.Sync.ConflictStrategy)
	}

	if cfg.Sync.ScanInterval() != time.Hour {
		t.Errorf("scan interval default = %v", cfg.Sync.ScanInterval())
	}
}

func TestLoad_FileValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log_level = "debug"

[sync]
server = "wss://relay.example.com:443"
vault_dir = "/vault"
conflict_strategy = "manual"
ignore = ["drafts/**"]
scan_interval_minutes = 30

[relay]
port = 9900
max_devices_per_vault = 3
`)

	cfg, err := Load(path, EnvOverrides{})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}

	if cfg.Sync.Server != "wss://relay.example.com:443" {
		t.Errorf("Server = %q", cfg.Sync.Server)
	}

	if cfg.Sync.ScanInterval() != 30*time.Minute {
		t.Errorf("ScanInterval = %v", cfg.Sync.ScanInterval())
	}

	if cfg.Relay.Port != 9900 || cfg.Relay.MaxDevicesPerVault != 3 {
		t.Errorf("relay = %+v", cfg.Relay)
	}

	// Unset keys keep defaults.
	if cfg.Relay.Host != DefaultHost {
		t.Errorf("Host = %q, want default", cfg.Relay.Host)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[sync]
server = "ws://file-layer:18800"
`)

	cfg, err := Load(path, EnvOverrides{Server: "ws://env-layer:18800", LogLevel: "warn"})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Sync.Server != "ws://env-layer:18800" {
		t.Errorf("env did not override file: %q", cfg.Sync.Server)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[sync]
serverr = "typo"
`)

	_, err := Load(path, EnvOverrides{})
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Errorf("err = %v, want unknown key error", err)
	}
}

func TestLoad_ExplicitMissingPathErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml"), EnvOverrides{}); err == nil {
		t.Error("missing explicit config file accepted")
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad strategy", func(c *Config) { c.Sync.ConflictStrategy = "coin-flip" }},
		{"bad port", func(c *Config) { c.Relay.Port = 0 }},
		{"zero device cap", func(c *Config) { c.Relay.MaxDevicesPerVault = 0 }},
		{"cert without key", func(c *Config) { c.Relay.TLSCert = "/tmp/cert.pem" }},
		{"bad ignore glob", func(c *Config) { c.Sync.Ignore = []string{"[unterminated"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := Defaults()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}
