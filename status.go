package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/journal"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state for the configured vault",
		Long:  "Reads the vault's local journal and reports change counts, tracked files, cursors, and unresolved conflicts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), resolvedCfg.Sync)
		},
	}
}

// statusReport is the JSON shape of the status command output.
type statusReport struct {
	VaultDir            string           `json:"vaultDir"`
	DeviceID            string           `json:"deviceId"`
	Changes             int64            `json:"changes"`
	LatestChangeID      int64            `json:"latestChangeId"`
	TrackedFiles        int64            `json:"trackedFiles"`
	UnresolvedConflicts int64            `json:"unresolvedConflicts"`
	Cursors             map[string]int64 `json:"cursors"`
}

func runStatus(ctx context.Context, cfg config.Sync) error {
	if ctx == nil {
		ctx = context.Background()
	}

	vaultDir, err := resolveVaultDir(cfg.VaultDir)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}

	deviceID := e2ee.DeviceID(hostname, vaultDir)

	store, err := openJournal(vaultDir, deviceID)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	report := statusReport{
		VaultDir:            vaultDir,
		DeviceID:            deviceID,
		Changes:             stats.Changes,
		LatestChangeID:      stats.LatestChangeID,
		TrackedFiles:        stats.TrackedFiles,
		UnresolvedConflicts: stats.UnresolvedConflicts,
		Cursors:             stats.Cursors,
	}

	if flagJSON {
		return printJSON(report)
	}

	fmt.Printf("Vault:                %s\n", report.VaultDir)
	fmt.Printf("Device ID:            %s\n", report.DeviceID)
	fmt.Printf("Journal changes:      %d (latest id %d)\n", report.Changes, report.LatestChangeID)
	fmt.Printf("Tracked files:        %d\n", report.TrackedFiles)
	fmt.Printf("Unresolved conflicts: %d\n", report.UnresolvedConflicts)

	names := make([]string, 0, len(report.Cursors))
	for name := range report.Cursors {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("Cursor %-14s %d\n", name+":", report.Cursors[name])
	}

	if report.UnresolvedConflicts > 0 && stdoutIsTTY() {
		fmt.Println("\nRun \"vaultsync conflicts list\" to inspect unresolved conflicts.")
	}

	return nil
}

// openJournal opens the vault's journal at its standard location inside
// the vault state directory.
func openJournal(vaultDir, deviceID string) (*journal.Store, error) {
	path := filepath.Join(vaultDir, config.DefaultJournalSubdir, config.DefaultJournalDBName)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no journal at %s; has sync run for this vault? (%w)", path, err)
	}

	return journal.Open(path, deviceID, buildLogger())
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// stdoutIsTTY reports whether stdout is an interactive terminal, which
// gates hints that would pollute piped output.
func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
