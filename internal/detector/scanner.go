package detector

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/journal"
)

// scanHashConcurrency bounds parallel file hashing during a full scan.
const scanHashConcurrency = 4

// ScanResult summarizes one full scan pass.
type ScanResult struct {
	FilesSeen int
	Created   int
	Modified  int
	Deleted   int
	Skipped   int
}

// scanCandidate is a file that survived the mtime+size pre-filter and
// needs hashing to classify.
type scanCandidate struct {
	fsPath  string
	relPath string
	size    int64
	mtime   int64
	known   bool
	current *journal.Version

	hash    string
	hashErr error
}

// FullScan walks the vault and reconciles the filesystem against the
// version store. Files whose mtime and size both match their recorded
// version are skipped without hashing; the rest are hashed in a bounded
// worker pool. Recorded paths absent from the walk are journaled as
// deletes. A scan over an unchanged vault appends nothing, so repeated
// scans are idempotent.
func (d *Detector) FullScan(ctx context.Context) (*ScanResult, error) {
	known, err := d.store.CurrentVersions(ctx)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{}
	seen := make(map[string]bool, len(known))

	var candidates []*scanCandidate

	walkErr := filepath.WalkDir(d.vaultDir, func(fsPath string, entry fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			d.logger.Warn("walk error during scan",
				slog.String("path", fsPath), slog.String("error", err.Error()))

			return nil
		}

		rel, relErr := filepath.Rel(d.vaultDir, fsPath)
		if relErr != nil {
			return fmt.Errorf("detector: computing relative path for %s: %w", fsPath, relErr)
		}

		relPath := normalizeRel(rel)

		if entry.IsDir() {
			if rel != "." && d.filter.Ignored(relPath) {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.filter.Syncable(relPath) {
			return nil
		}

		seen[relPath] = true
		result.FilesSeen++

		if d.suppress.Suppressed(relPath) {
			result.Skipped++
			return nil
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			d.logger.Debug("stat failed during scan",
				slog.String("path", relPath), slog.String("error", infoErr.Error()))

			return nil
		}

		current, ok := known[relPath]
		if ok && current.Mtime == info.ModTime().UnixMilli() && current.Size == info.Size() {
			result.Skipped++
			return nil
		}

		candidates = append(candidates, &scanCandidate{
			fsPath:  fsPath,
			relPath: relPath,
			size:    info.Size(),
			mtime:   info.ModTime().UnixMilli(),
			known:   ok,
			current: current,
		})

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("detector: scanning vault: %w", walkErr)
	}

	// Hash candidates in parallel. Each worker writes only its own
	// candidate, so no locking is needed; journal writes stay serial
	// below because the store runs on a single connection.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanHashConcurrency)

	for _, c := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			c.hash, c.hashErr = e2ee.HashFile(c.fsPath)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("detector: scanning vault: %w", err)
	}

	for _, c := range candidates {
		if c.hashErr != nil {
			d.logger.Debug("hash failed during scan",
				slog.String("path", c.relPath), slog.String("error", c.hashErr.Error()))

			continue
		}

		if c.known && c.current.Hash == c.hash {
			// Touched but unchanged: refresh the stored mtime so the
			// next scan's pre-filter passes without hashing again.
			if _, upErr := d.store.UpsertVersion(ctx, c.relPath, c.hash,
				c.size, c.mtime, ""); upErr != nil {
				d.logger.Warn("refreshing version failed",
					slog.String("path", c.relPath), slog.String("error", upErr.Error()))
			}

			result.Skipped++

			continue
		}

		kind := journal.KindModify
		if !c.known {
			kind = journal.KindCreate
			result.Created++
		} else {
			result.Modified++
		}

		change := journal.Entry{
			Path:   c.relPath,
			Kind:   kind,
			Hash:   c.hash,
			Size:   c.size,
			Mtime:  c.mtime,
			Source: journal.SourceScan,
		}

		if _, appendErr := d.store.Append(ctx, &change); appendErr != nil {
			return nil, appendErr
		}

		if _, upErr := d.store.UpsertVersion(ctx, c.relPath, c.hash,
			c.size, c.mtime, ""); upErr != nil {
			return nil, upErr
		}
	}

	// Recorded files missing from the walk were deleted while the
	// watcher was not looking.
	for path := range known {
		if seen[path] || d.suppress.Suppressed(path) {
			continue
		}

		// A pending watcher delete for this path will journal it itself.
		d.mu.Lock()
		_, pending := d.pendingDeletes[path]
		d.mu.Unlock()

		if pending {
			continue
		}

		change := journal.Entry{
			Path:   path,
			Kind:   journal.KindDelete,
			Source: journal.SourceScan,
		}

		if _, err := d.store.Append(ctx, &change); err != nil {
			return nil, err
		}

		if err := d.store.DeleteVersions(ctx, path); err != nil {
			return nil, err
		}

		result.Deleted++
	}

	d.logger.Info("vault scan complete",
		slog.Int("files", result.FilesSeen),
		slog.Int("created", result.Created),
		slog.Int("modified", result.Modified),
		slog.Int("deleted", result.Deleted),
	)

	return result, nil
}

// statVault verifies the vault directory exists and is a directory.
func statVault(vaultDir string) error {
	info, err := os.Stat(vaultDir)
	if err != nil {
		return fmt.Errorf("detector: vault directory %s: %w", vaultDir, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("detector: vault path %s is not a directory", vaultDir)
	}

	return nil
}
