package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/journal"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsResolveCmd())

	return cmd
}

func newConflictsListCmd() *cobra.Command {
	var flagAll bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConflictsList(cmd.Context(), resolvedCfg.Sync, flagAll)
		},
	}

	cmd.Flags().BoolVar(&flagAll, "all", false, "include resolved conflicts")

	return cmd
}

func newConflictsResolveCmd() *cobra.Command {
	var flagWinner string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Mark a manual conflict resolved",
		Long:  "Marks an open conflict as resolved. The winner names whose content the operator kept; the loser's sibling copy stays on disk for reference.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}

			if flagWinner != "local" && flagWinner != "remote" {
				return fmt.Errorf("invalid winner %q; use local or remote", flagWinner)
			}

			return runConflictsResolve(cmd.Context(), resolvedCfg.Sync, id, flagWinner)
		},
	}

	cmd.Flags().StringVar(&flagWinner, "winner", "local", "which side the operator kept (local or remote)")

	return cmd
}

// conflictReport is the JSON shape of one conflict in list output.
type conflictReport struct {
	ID             int64  `json:"id"`
	Path           string `json:"path"`
	RemoteDeviceID string `json:"remoteDeviceId"`
	Strategy       string `json:"strategy"`
	DetectedAt     string `json:"detectedAt"`
	Winner         string `json:"winner,omitempty"`
	LoserPath      string `json:"loserPath,omitempty"`
	ResolvedAt     string `json:"resolvedAt,omitempty"`
	ResolvedBy     string `json:"resolvedBy,omitempty"`
}

func runConflictsList(ctx context.Context, cfg config.Sync, all bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openVaultJournal(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var records []journal.ConflictRecord
	if all {
		records, err = store.AllConflicts(ctx)
	} else {
		records, err = store.UnresolvedConflicts(ctx)
	}

	if err != nil {
		return err
	}

	reports := make([]conflictReport, 0, len(records))
	for _, c := range records {
		reports = append(reports, toConflictReport(c))
	}

	if flagJSON {
		return printJSON(reports)
	}

	if len(reports) == 0 {
		fmt.Println("No conflicts.")
		return nil
	}

	for _, r := range reports {
		fmt.Printf("#%d  %s\n", r.ID, r.Path)
		fmt.Printf("    from device %s at %s, strategy %s\n", r.RemoteDeviceID, r.DetectedAt, r.Strategy)

		if r.ResolvedAt != "" {
			fmt.Printf("    resolved %s by %s, winner %s\n", r.ResolvedAt, r.ResolvedBy, r.Winner)
		} else {
			fmt.Println("    UNRESOLVED")
		}

		if r.LoserPath != "" {
			fmt.Printf("    losing copy: %s\n", r.LoserPath)
		}
	}

	return nil
}

func runConflictsResolve(ctx context.Context, cfg config.Sync, id int64, winner string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openVaultJournal(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ResolveConflict(ctx, id, winner, "", "manual"); err != nil {
		return err
	}

	fmt.Printf("Conflict #%d resolved, winner %s.\n", id, winner)

	return nil
}

func toConflictReport(c journal.ConflictRecord) conflictReport {
	r := conflictReport{
		ID:             c.ID,
		Path:           c.Path,
		RemoteDeviceID: c.RemoteDeviceID,
		Strategy:       c.Strategy,
		DetectedAt:     formatMilli(c.DetectedAt),
		Winner:         c.Winner,
		LoserPath:      c.LoserPath,
		ResolvedBy:     c.ResolvedBy,
	}

	if c.ResolvedAt != nil {
		r.ResolvedAt = formatMilli(*c.ResolvedAt)
	}

	return r
}

func formatMilli(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// openVaultJournal opens the configured vault's journal for read-mostly
// command use.
func openVaultJournal(cfg config.Sync) (*journal.Store, error) {
	vaultDir, err := resolveVaultDir(cfg.VaultDir)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}

	return openJournal(vaultDir, e2ee.DeviceID(hostname, vaultDir))
}
