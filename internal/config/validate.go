package config

import (
	"fmt"

	"github.com/gobwas/glob"
)

// validStrategies enumerates the accepted conflict strategies.
var validStrategies = map[string]bool{
	"newer-wins":        true,
	"merge-frontmatter": true,
	"manual":            true,
}

// validLogLevels enumerates the accepted log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks cross-field constraints and value domains. It does not
// check that paths exist; commands verify the paths they actually use.
func (c *Config) Validate() error {
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log_level %q (debug, info, warn, error)", c.LogLevel)
	}

	if !validStrategies[c.Sync.ConflictStrategy] {
		return fmt.Errorf("config: invalid conflict_strategy %q (newer-wins, merge-frontmatter, manual)",
			c.Sync.ConflictStrategy)
	}

	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("config: invalid relay port %d", c.Relay.Port)
	}

	if c.Relay.MaxDevicesPerVault < 1 {
		return fmt.Errorf("config: max_devices_per_vault must be at least 1, got %d",
			c.Relay.MaxDevicesPerVault)
	}

	if (c.Relay.TLSCert == "") != (c.Relay.TLSKey == "") {
		return fmt.Errorf("config: tls_cert and tls_key must be set together")
	}

	for _, pattern := range c.Sync.Ignore {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("config: invalid ignore pattern %q: %w", pattern, err)
		}
	}

	return nil
}
