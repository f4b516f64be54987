package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// EnvOverrides carries the environment-variable layer. Empty fields mean
// "not set".
type EnvOverrides struct {
	Server         string
	VaultDir       string
	PassphraseFile string
	LogLevel       string
}

// ReadEnvOverrides snapshots the VAULTSYNC_* environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		Server:         os.Getenv("VAULTSYNC_SERVER"),
		VaultDir:       os.Getenv("VAULTSYNC_VAULT_DIR"),
		PassphraseFile: os.Getenv("VAULTSYNC_PASSPHRASE_FILE"),
		LogLevel:       os.Getenv("VAULTSYNC_LOG_LEVEL"),
	}
}

// DefaultPath returns the default config file location,
// ~/.config/vaultsync/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}

	return filepath.Join(home, ".config", "vaultsync", "config.toml"), nil
}

// Load reads the config file at path (or the default location when path
// is empty), applies defaults for unset keys, then layers environment
// overrides on top. A missing file at the default location is not an
// error; a missing file at an explicit path is.
func Load(path string, env EnvOverrides) (*Config, error) {
	explicit := path != ""

	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg := Defaults()

	meta, err := toml.DecodeFile(path, cfg)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// No config file; defaults plus env is a complete config.
	case err != nil:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	default:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}

	applyEnv(cfg, env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv layers environment overrides onto the config.
func applyEnv(cfg *Config, env EnvOverrides) {
	if env.Server != "" {
		cfg.Sync.Server = env.Server
	}

	if env.VaultDir != "" {
		cfg.Sync.VaultDir = env.VaultDir
	}

	if env.PassphraseFile != "" {
		cfg.Sync.PassphraseFile = env.PassphraseFile
	}

	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
}
