// Package conflict decides what happens when a remote change collides
// with diverged local content. Whatever the strategy, a loser copy is
// persisted on disk before any winner is written, so no edit is ever
// silently destroyed.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vaultsync/vaultsync/internal/journal"
)

// Strategy selects how divergence is resolved.
type Strategy string

// Resolution strategies.
const (
	// StrategyNewerWins applies the remote change iff its mtime is at
	// least the local file's; the loser survives as a sibling copy.
	StrategyNewerWins Strategy = "newer-wins"

	// StrategyMergeFrontmatter currently behaves like newer-wins.
	// Reserved for YAML-frontmatter-aware merging.
	StrategyMergeFrontmatter Strategy = "merge-frontmatter"

	// StrategyManual never overwrites. The remote copy is parked as a
	// sibling and the conflict stays open until an operator resolves it.
	StrategyManual Strategy = "manual"
)

// deviceIDPrefixLen is how much of a device id appears in conflict
// file names.
const deviceIDPrefixLen = 8

// ErrUnknownStrategy is returned for a strategy outside the enum.
var ErrUnknownStrategy = errors.New("conflict: unknown strategy")

// Incoming is the remote side of a divergence.
type Incoming struct {
	Path     string // vault-relative
	Content  []byte
	Hash     string
	Mtime    int64 // epoch ms
	DeviceID string
}

// Outcome reports what the resolver did.
type Outcome struct {
	// Winner is "local" or "remote"; empty while a manual conflict is
	// unresolved.
	Winner string

	// LoserPath is the vault-relative sibling holding the losing copy.
	LoserPath string

	// Applied is true when the remote content was written to Path.
	Applied bool

	// RecordID is the journal conflict record.
	RecordID int64
}

// Resolver applies a conflict strategy for one vault.
type Resolver struct {
	vaultDir string
	strategy Strategy
	store    *journal.Store
	logger   *slog.Logger
}

// New creates a Resolver. The strategy must be one of the enum values.
func New(vaultDir string, strategy Strategy, store *journal.Store, logger *slog.Logger) (*Resolver, error) {
	switch strategy {
	case StrategyNewerWins, StrategyMergeFrontmatter, StrategyManual:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	return &Resolver{
		vaultDir: vaultDir,
		strategy: strategy,
		store:    store,
		logger:   logger,
	}, nil
}

// Resolve handles a divergence between the local file at incoming.Path
// and the remote content. localHash is the hash the caller already
// computed for the local file. The loser copy is always written before
// the winner touches the original path.
func (r *Resolver) Resolve(ctx context.Context, incoming Incoming, localHash string) (*Outcome, error) {
	fsPath := filepath.Join(r.vaultDir, filepath.FromSlash(incoming.Path))

	localInfo, err := os.Stat(fsPath)
	if err != nil {
		return nil, fmt.Errorf("conflict: stat local %s: %w", incoming.Path, err)
	}

	localMtime := localInfo.ModTime().UnixMilli()

	record := journal.ConflictRecord{
		Path:           incoming.Path,
		LocalHash:      localHash,
		RemoteHash:     incoming.Hash,
		RemoteDeviceID: incoming.DeviceID,
		Strategy:       string(r.strategy),
	}

	switch r.strategy {
	case StrategyManual:
		return r.resolveManual(ctx, incoming, &record)
	case StrategyNewerWins, StrategyMergeFrontmatter:
		return r.resolveNewerWins(ctx, incoming, &record, fsPath, localMtime)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, r.strategy)
	}
}

// resolveNewerWins lets the higher mtime win; ties go to remote so both
// sides converge on the same winner.
func (r *Resolver) resolveNewerWins(ctx context.Context, incoming Incoming, record *journal.ConflictRecord, fsPath string, localMtime int64) (*Outcome, error) {
	remoteWins := incoming.Mtime >= localMtime

	var (
		loserPath string
		err       error
	)

	if remoteWins {
		// Local loses: copy it aside before overwriting.
		loserPath, err = r.preserveLocal(incoming.Path, fsPath, localMtime)
		if err != nil {
			return nil, err
		}

		if writeErr := os.WriteFile(fsPath, incoming.Content, 0o644); writeErr != nil {
			return nil, fmt.Errorf("conflict: writing winner %s: %w", incoming.Path, writeErr)
		}

		record.Winner = "remote"
	} else {
		// Remote loses: park its content as a sibling, local untouched.
		loserPath, err = r.preserveRemote(incoming)
		if err != nil {
			return nil, err
		}

		record.Winner = "local"
	}

	record.LoserPath = loserPath
	record.ResolvedBy = "auto"
	now := nowMilli()
	record.ResolvedAt = &now

	id, err := r.store.RecordConflict(ctx, record)
	if err != nil {
		return nil, err
	}

	r.logger.Info("conflict resolved",
		slog.String("path", incoming.Path),
		slog.String("winner", record.Winner),
		slog.String("loser_copy", loserPath),
		slog.String("strategy", string(r.strategy)),
	)

	return &Outcome{
		Winner:    record.Winner,
		LoserPath: loserPath,
		Applied:   remoteWins,
		RecordID:  id,
	}, nil
}

// resolveManual parks the remote content beside the local file and
// leaves the record unresolved for the operator.
func (r *Resolver) resolveManual(ctx context.Context, incoming Incoming, record *journal.ConflictRecord) (*Outcome, error) {
	loserPath, err := r.preserveRemote(incoming)
	if err != nil {
		return nil, err
	}

	record.LoserPath = loserPath

	id, err := r.store.RecordConflict(ctx, record)
	if err != nil {
		return nil, err
	}

	r.logger.Warn("conflict needs manual resolution",
		slog.String("path", incoming.Path),
		slog.String("remote_copy", loserPath),
	)

	return &Outcome{LoserPath: loserPath, Applied: false, RecordID: id}, nil
}

// preserveLocal copies the current local file to its conflict sibling.
func (r *Resolver) preserveLocal(relPath, fsPath string, localMtime int64) (string, error) {
	content, err := os.ReadFile(fsPath)
	if err != nil {
		return "", fmt.Errorf("conflict: reading local loser %s: %w", relPath, err)
	}

	return r.writeLoser(relPath, content, localMtime, r.store.DeviceID())
}

// preserveRemote writes the losing remote content to a conflict sibling.
func (r *Resolver) preserveRemote(incoming Incoming) (string, error) {
	return r.writeLoser(incoming.Path, incoming.Content, incoming.Mtime, incoming.DeviceID)
}

// writeLoser writes content to the deterministic conflict name, bumping
// a numeric suffix on collision.
func (r *Resolver) writeLoser(relPath string, content []byte, mtime int64, deviceID string) (string, error) {
	loserRel := ConflictName(relPath, mtime, deviceID)
	loserFs := filepath.Join(r.vaultDir, filepath.FromSlash(loserRel))

	for n := 1; ; n++ {
		if _, err := os.Stat(loserFs); errors.Is(err, os.ErrNotExist) {
			break
		}

		ext := filepath.Ext(loserRel)
		loserRel = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(ConflictName(relPath, mtime, deviceID), ext), n, ext)
		loserFs = filepath.Join(r.vaultDir, filepath.FromSlash(loserRel))
	}

	if err := os.WriteFile(loserFs, content, 0o644); err != nil {
		return "", fmt.Errorf("conflict: preserving loser copy %s: %w", loserRel, err)
	}

	return loserRel, nil
}

// ConflictName builds the deterministic sibling name for a losing copy:
// <base>.sync-conflict-<YYYYMMDD-HHMMSS>-<deviceIdPrefix><ext>, with the
// timestamp taken from the loser's mtime.
func ConflictName(relPath string, mtime int64, deviceID string) string {
	ext := filepath.Ext(relPath)
	base := strings.TrimSuffix(relPath, ext)

	stamp := time.UnixMilli(mtime).UTC().Format("20060102-150405")

	prefix := strings.ToLower(deviceID)
	if len(prefix) > deviceIDPrefixLen {
		prefix = prefix[:deviceIDPrefixLen]
	}

	return fmt.Sprintf("%s.sync-conflict-%s-%s%s", base, stamp, prefix, ext)
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
