// Package detector turns filesystem activity into journal change entries.
// Two producers feed the same journal: an fsnotify watcher with per-path
// debounce for realtime detection, and a periodic full scan as a safety
// net for events the watcher missed. Ordering between them is established
// by journal change ids, never by wall clock.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/journal"
)

// Defaults and tuning constants.
const (
	DefaultDebounce = 300 * time.Millisecond

	// renameWindow is how long a delete is held back waiting for a
	// matching create before it is journaled as a plain delete.
	renameWindow = 500 * time.Millisecond

	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// Options tunes a Detector. Zero values select defaults.
type Options struct {
	Debounce     time.Duration
	ScanInterval time.Duration
	Ignore       []string
}

// Detector owns the watcher, the debounce timers, the suppression set,
// and the safety-net scanner for one vault directory. All detected
// changes are appended to the journal.
type Detector struct {
	vaultDir string
	store    *journal.Store
	filter   *Filter
	suppress *Suppressor
	opts     Options
	logger   *slog.Logger

	mu             sync.Mutex
	debounceTimers map[string]*time.Timer
	pendingDeletes map[string]*pendingDelete
}

// pendingDelete is a delete held back for renameWindow so a matching
// create can claim it as a rename.
type pendingDelete struct {
	hash  string
	timer *time.Timer
}

// New creates a Detector for vaultDir appending into store.
func New(vaultDir string, store *journal.Store, opts Options, logger *slog.Logger) (*Detector, error) {
	if err := statVault(vaultDir); err != nil {
		return nil, err
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Hour
	}

	filter, err := NewFilter(opts.Ignore)
	if err != nil {
		return nil, err
	}

	return &Detector{
		vaultDir:       vaultDir,
		store:          store,
		filter:         filter,
		suppress:       NewSuppressor(),
		opts:           opts,
		logger:         logger,
		debounceTimers: make(map[string]*time.Timer),
		pendingDeletes: make(map[string]*pendingDelete),
	}, nil
}

// Suppress excludes a vault-relative path from detection for ttl. The
// sync engine calls this immediately before writing a remote apply so
// the write does not bounce back as a local change.
func (d *Detector) Suppress(path string, ttl time.Duration) {
	d.suppress.Suppress(path, ttl)
}

// Suppressed reports whether a path is currently excluded from
// detection.
func (d *Detector) Suppressed(path string) bool {
	return d.suppress.Suppressed(path)
}

// Serve runs the watcher loop and the periodic safety scan until the
// context is canceled. An initial full scan runs first so offline edits
// are picked up before realtime events. Implements suture.Service.
func (d *Detector) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("detector: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := d.addWatchesRecursive(watcher, d.vaultDir); err != nil {
		return err
	}

	if _, err := d.FullScan(ctx); err != nil {
		// Startup scan failure is not fatal; the watcher still runs and
		// the next periodic scan retries.
		d.logger.Warn("initial scan failed", slog.String("error", err.Error()))
	}

	scanTicker := time.NewTicker(d.opts.ScanInterval)
	defer scanTicker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			d.flushPending()
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			d.handleFsEvent(ctx, watcher, ev)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			d.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Backoff prevents a tight loop under sustained errors
			// (e.g. kernel event queue overflow).
			select {
			case <-time.After(errBackoff):
			case <-ctx.Done():
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-scanTicker.C:
			if _, err := d.FullScan(ctx); err != nil {
				d.logger.Warn("safety scan failed", slog.String("error", err.Error()))
			}

			errBackoff = watchErrInitBackoff
		}
	}
}

// handleFsEvent routes one fsnotify event through filtering, suppression
// and debounce.
func (d *Detector) handleFsEvent(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	// Mode changes are not synced.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	rel, err := filepath.Rel(d.vaultDir, ev.Name)
	if err != nil {
		d.logger.Warn("failed to compute relative path",
			slog.String("path", ev.Name), slog.String("error", err.Error()))

		return
	}

	relPath := normalizeRel(rel)

	if d.filter.Ignored(relPath) {
		return
	}

	// New directories need a watch before their contents churn.
	if ev.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := d.addWatchesRecursive(watcher, ev.Name); addErr != nil {
				d.logger.Warn("failed to watch new directory",
					slog.String("path", relPath), slog.String("error", addErr.Error()))
			}

			return
		}
	}

	if !d.filter.Syncable(relPath) {
		return
	}

	if d.suppress.Suppressed(relPath) {
		d.logger.Debug("suppressed path skipped", slog.String("path", relPath))
		return
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		d.scheduleDelete(ctx, relPath)
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		d.debounce(ctx, relPath)
	}
}

// debounce (re)arms the per-path timer; the path is processed once the
// timer fires with no further events.
func (d *Detector) debounce(ctx context.Context, relPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.debounceTimers[relPath]; ok {
		t.Reset(d.opts.Debounce)
		return
	}

	d.debounceTimers[relPath] = time.AfterFunc(d.opts.Debounce, func() {
		d.mu.Lock()
		delete(d.debounceTimers, relPath)
		d.mu.Unlock()

		d.processMutation(ctx, relPath, journal.SourceWatcher)
	})
}

// processMutation stats and hashes a path, classifies it against the
// version store, and appends the resulting change. Hash failures (file
// vanished, permission denied) skip the event.
func (d *Detector) processMutation(ctx context.Context, relPath string, source journal.Source) {
	fsPath := filepath.Join(d.vaultDir, filepath.FromSlash(relPath))

	info, err := os.Stat(fsPath)
	if err != nil {
		d.logger.Debug("stat failed for changed path",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	}

	if info.IsDir() {
		return
	}

	hash, err := e2ee.HashFile(fsPath)
	if err != nil {
		d.logger.Debug("hash failed for changed path",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	}

	if oldPath, claimed := d.claimRename(relPath, hash); claimed {
		d.appendRename(ctx, oldPath, relPath, hash, info.Size(), info.ModTime().UnixMilli(), source)
		return
	}

	kind := journal.KindModify

	current, err := d.store.Version(ctx, relPath)
	switch {
	case errors.Is(err, journal.ErrVersionNotFound):
		kind = journal.KindCreate
	case err != nil:
		d.logger.Warn("version lookup failed",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	case current.Hash == hash:
		// Content unchanged; the write was a no-op.
		return
	}

	entry := journal.Entry{
		Path:   relPath,
		Kind:   kind,
		Hash:   hash,
		Size:   info.Size(),
		Mtime:  info.ModTime().UnixMilli(),
		Source: source,
	}

	if _, err := d.store.Append(ctx, &entry); err != nil {
		d.logger.Error("appending change failed",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	}

	if _, err := d.store.UpsertVersion(ctx, relPath, hash, entry.Size, entry.Mtime, ""); err != nil {
		d.logger.Error("recording version failed",
			slog.String("path", relPath), slog.String("error", err.Error()))
	}
}

// scheduleDelete holds a delete back for renameWindow so a matching
// create can claim it as a rename. Paths with no recorded version are
// dropped outright.
func (d *Detector) scheduleDelete(ctx context.Context, relPath string) {
	current, err := d.store.Version(ctx, relPath)
	if errors.Is(err, journal.ErrVersionNotFound) {
		return
	}

	if err != nil {
		d.logger.Warn("version lookup failed for delete",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if pd, ok := d.pendingDeletes[relPath]; ok {
		pd.timer.Reset(renameWindow)
		return
	}

	pd := &pendingDelete{hash: current.Hash}
	pd.timer = time.AfterFunc(renameWindow, func() {
		d.mu.Lock()
		_, still := d.pendingDeletes[relPath]
		delete(d.pendingDeletes, relPath)
		d.mu.Unlock()

		if still {
			d.appendDelete(ctx, relPath)
		}
	})

	d.pendingDeletes[relPath] = pd
}

// claimRename matches a fresh create against a held-back delete with the
// same content hash. On a match the delete is canceled and its path
// returned as the rename source.
func (d *Detector) claimRename(newPath, hash string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for oldPath, pd := range d.pendingDeletes {
		if pd.hash != hash || oldPath == newPath {
			continue
		}

		pd.timer.Stop()
		delete(d.pendingDeletes, oldPath)

		return oldPath, true
	}

	return "", false
}

// appendRename journals a rename and migrates version history.
func (d *Detector) appendRename(ctx context.Context, oldPath, newPath, hash string, size, mtime int64, source journal.Source) {
	entry := journal.Entry{
		Path:    newPath,
		OldPath: oldPath,
		Kind:    journal.KindRename,
		Hash:    hash,
		Size:    size,
		Mtime:   mtime,
		Source:  source,
	}

	if _, err := d.store.Append(ctx, &entry); err != nil {
		d.logger.Error("appending rename failed",
			slog.String("path", newPath), slog.String("error", err.Error()))

		return
	}

	if err := d.store.RenameVersions(ctx, oldPath, newPath); err != nil {
		d.logger.Error("migrating versions for rename failed",
			slog.String("path", newPath), slog.String("error", err.Error()))
	}

	if _, err := d.store.UpsertVersion(ctx, newPath, hash, size, mtime, ""); err != nil {
		d.logger.Error("recording version failed",
			slog.String("path", newPath), slog.String("error", err.Error()))
	}
}

// appendDelete journals a delete and clears version history.
func (d *Detector) appendDelete(ctx context.Context, relPath string) {
	if d.suppress.Suppressed(relPath) {
		return
	}

	entry := journal.Entry{
		Path:   relPath,
		Kind:   journal.KindDelete,
		Source: journal.SourceWatcher,
	}

	if _, err := d.store.Append(ctx, &entry); err != nil {
		d.logger.Error("appending delete failed",
			slog.String("path", relPath), slog.String("error", err.Error()))

		return
	}

	if err := d.store.DeleteVersions(ctx, relPath); err != nil {
		d.logger.Error("clearing versions failed",
			slog.String("path", relPath), slog.String("error", err.Error()))
	}
}

// flushPending fires all held-back deletes immediately. Called on
// shutdown so a rename-in-progress is not lost, only degraded to a
// delete+create pair.
func (d *Detector) flushPending() {
	d.mu.Lock()

	paths := make([]string, 0, len(d.pendingDeletes))
	for path, pd := range d.pendingDeletes {
		pd.timer.Stop()
		paths = append(paths, path)
	}

	d.pendingDeletes = make(map[string]*pendingDelete)
	d.mu.Unlock()

	for _, path := range paths {
		d.appendDelete(context.Background(), path)
	}
}

// addWatchesRecursive registers watches on dir and every non-ignored
// subdirectory beneath it.
func (d *Detector) addWatchesRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(fsPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			d.logger.Warn("walk error during watch registration",
				slog.String("path", fsPath), slog.String("error", walkErr.Error()))

			return nil
		}

		if !entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(d.vaultDir, fsPath)
		if err != nil {
			return fmt.Errorf("detector: computing relative path for %s: %w", fsPath, err)
		}

		if rel != "." && d.filter.Ignored(normalizeRel(rel)) {
			return filepath.SkipDir
		}

		if err := watcher.Add(fsPath); err != nil {
			d.logger.Warn("failed to add watch",
				slog.String("path", fsPath), slog.String("error", err.Error()))
		}

		return nil
	})
}
