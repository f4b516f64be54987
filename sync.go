package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/conflict"
	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/engine"
	"github.com/vaultsync/vaultsync/internal/journal"
)

func newSyncCmd() *cobra.Command {
	var (
		flagVaultDir       string
		flagServer         string
		flagPassphraseFile string
		flagDeviceName     string
		flagStrategy       string
		flagCompactDays    int
		flagOnce           bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the sync engine for a vault",
		Long:  "Watches the vault for changes, pushes them to the relay, and applies changes from other devices. Runs until interrupted, or performs a single pass with --once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := resolvedCfg.Sync

			if cmd.Flags().Changed("vault") {
				cfg.VaultDir = flagVaultDir
			}

			if cmd.Flags().Changed("server") {
				cfg.Server = flagServer
			}

			if cmd.Flags().Changed("passphrase-file") {
				cfg.PassphraseFile = flagPassphraseFile
			}

			if cmd.Flags().Changed("device-name") {
				cfg.DeviceName = flagDeviceName
			}

			if cmd.Flags().Changed("conflict-strategy") {
				cfg.ConflictStrategy = flagStrategy
			}

			if cmd.Flags().Changed("compact-days") {
				cfg.CompactDays = flagCompactDays
			}

			logger := buildLogger()

			return runSync(cfg, flagOnce, logger)
		},
	}

	cmd.Flags().StringVar(&flagVaultDir, "vault", "", "vault directory to synchronize")
	cmd.Flags().StringVar(&flagServer, "server", "", "relay WebSocket URL")
	cmd.Flags().StringVar(&flagPassphraseFile, "passphrase-file", "", "file whose first line is the vault passphrase")
	cmd.Flags().StringVar(&flagDeviceName, "device-name", "", "device name shown to other devices")
	cmd.Flags().StringVar(&flagStrategy, "conflict-strategy", "", "newer-wins, merge-frontmatter, or manual")
	cmd.Flags().IntVar(&flagCompactDays, "compact-days", 0, "compact journal entries older than this many days at startup")
	cmd.Flags().BoolVar(&flagOnce, "once", false, "run a single sync pass and exit")

	return cmd
}

func runSync(cfg config.Sync, once bool, logger *slog.Logger) error {
	vaultDir, err := resolveVaultDir(cfg.VaultDir)
	if err != nil {
		return err
	}

	key, vaultID, err := vaultIdentity(cfg.PassphraseFile)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}

	deviceID := e2ee.DeviceID(hostname, vaultDir)

	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = hostname
	}

	stateDir := filepath.Join(vaultDir, config.DefaultJournalSubdir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	store, err := journal.Open(filepath.Join(stateDir, config.DefaultJournalDBName), deviceID, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := shutdownContext(context.Background(), logger)

	if cfg.CompactDays > 0 {
		pruned, err := store.Compact(ctx, cfg.CompactDays)
		if err != nil {
			return err
		}

		if pruned > 0 {
			logger.Info("compacted journal",
				slog.Int64("pruned", pruned),
				slog.Int("retention_days", cfg.CompactDays))
		}
	}

	eng, err := engine.New(engine.Options{
		VaultDir:      vaultDir,
		ServerURL:     cfg.Server,
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		VaultID:       vaultID,
		Key:           key,
		Strategy:      conflict.Strategy(cfg.ConflictStrategy),
		Ignore:        cfg.Ignore,
		ScanInterval:  cfg.ScanInterval(),
		ClientVersion: version,
		TokenPath:     filepath.Join(stateDir, "token"),
	}, store, logger)
	if err != nil {
		return err
	}

	logger.Info("sync engine starting",
		slog.String("vault", vaultDir),
		slog.String("device_id", deviceID),
		slog.String("server", cfg.Server),
		slog.Bool("once", once))

	if once {
		return eng.SyncOnce(ctx)
	}

	return eng.Serve(ctx)
}

// resolveVaultDir validates and absolutizes the configured vault path.
func resolveVaultDir(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("no vault directory configured; set sync.vault_dir or pass --vault")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving vault path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("vault directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("vault path %s is not a directory", abs)
	}

	return abs, nil
}

// vaultIdentity derives the encryption key and vault id from the
// passphrase file. The vault id is a fingerprint of the key, so every
// device with the same passphrase lands in the same relay room.
func vaultIdentity(passphraseFile string) ([]byte, string, error) {
	if passphraseFile == "" {
		return nil, "", errors.New("no passphrase configured; set sync.passphrase_file")
	}

	passphrase, err := readPassphrase(passphraseFile)
	if err != nil {
		return nil, "", err
	}

	key := e2ee.DeriveKey(passphrase)

	return key, e2ee.VaultID(key), nil
}

// readPassphrase returns the first non-empty line of the file.
func readPassphrase(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening passphrase file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			return line, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading passphrase file: %w", err)
	}

	return "", fmt.Errorf("passphrase file %s is empty", path)
}
