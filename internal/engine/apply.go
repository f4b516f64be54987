package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vaultsync/vaultsync/internal/conflict"
	"github.com/vaultsync/vaultsync/internal/detector"
	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/journal"
	"github.com/vaultsync/vaultsync/internal/protocol"
)

// inboundLoop dispatches every message the transport delivers. Applies
// block on file fetches, so they run on the applyLoop worker; this loop
// must stay free to deliver the file-responses those fetches wait for.
func (e *Engine) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-e.transport.Inbound():
			e.dispatch(ctx, msg)
		}
	}
}

// applyLoop is the single worker that applies remote changes, keeping
// them in arrival order.
func (e *Engine) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-e.applyCh:
			switch m := msg.(type) {
			case *protocol.DeltaPush:
				if e.applyChange(ctx, m.Change) {
					e.advanceLastSync(ctx, m.Change.ChangeID)

					if err := e.transport.Send(ctx, &protocol.DeltaAck{
						DeviceID: e.opts.DeviceID,
						ChangeID: m.Change.ChangeID,
					}); err != nil {
						e.logger.Debug("delta-ack not sent", slog.String("error", err.Error()))
					}
				}

			case *protocol.IndexResponse:
				e.applyIndexResponse(ctx, m)
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg protocol.Message) {
	e.touchActivity()

	switch m := msg.(type) {
	case *protocol.DeltaPush, *protocol.IndexResponse:
		select {
		case e.applyCh <- msg:
		case <-ctx.Done():
		}

	case *protocol.IndexRequest:
		e.serveIndexRequest(ctx, m)

	case *protocol.FileRequest:
		e.serveFileRequest(ctx, m)

	case *protocol.FileResponse:
		content, err := base64.StdEncoding.DecodeString(m.Content)
		if err != nil {
			e.logger.Warn("file-response content undecodable",
				slog.String("path", m.Path), slog.String("error", err.Error()))

			return
		}

		e.fetches.fulfill(m.Path, m.ContentHash, content, m.Found)

	case *protocol.DeviceList:
		e.peersMu.Lock()
		e.peers = m.Devices
		e.peersMu.Unlock()

	case *protocol.DeltaAck:
		e.logger.Debug("peer applied change",
			slog.String("device_id", m.DeviceID),
			slog.Int64("change_id", m.ChangeID),
		)

	case *protocol.Error:
		e.logger.Warn("relay error",
			slog.String("code", m.Code),
			slog.String("message", m.Message),
		)
	}
}

// applyIndexResponse applies a catchup batch in change-id order, then
// advances lastSyncChangeId and chains the next batch while hasMore.
func (e *Engine) applyIndexResponse(ctx context.Context, m *protocol.IndexResponse) {
	for _, change := range m.Changes {
		e.applyChange(ctx, change)
	}

	e.advanceLastSync(ctx, m.LatestChangeID)

	if m.HasMore {
		if err := e.transport.Send(ctx, &protocol.IndexRequest{
			DeviceID:      e.opts.DeviceID,
			SinceChangeID: m.LatestChangeID,
		}); err != nil {
			e.logger.Warn("next catchup batch not requested", slog.String("error", err.Error()))
		}
	}
}

// serveIndexRequest answers a peer's catchup with this device's local
// changes after their cursor, batched with hasMore chaining.
func (e *Engine) serveIndexRequest(ctx context.Context, m *protocol.IndexRequest) {
	if m.DeviceID == e.opts.DeviceID {
		return
	}

	entries, err := e.store.After(ctx, m.SinceChangeID, outboundBatch+1)
	if err != nil {
		e.logger.Warn("index request query failed", slog.String("error", err.Error()))
		return
	}

	hasMore := len(entries) > outboundBatch
	if hasMore {
		entries = entries[:outboundBatch]
	}

	changes := make([]protocol.Change, 0, len(entries))

	var latest int64 = m.SinceChangeID

	for _, entry := range entries {
		if entry.ID > latest {
			latest = entry.ID
		}

		// Peers catch up on this device's own edits; applies of other
		// devices' changes are their history, not ours to rebroadcast.
		if entry.Source == journal.SourceRemote {
			continue
		}

		changes = append(changes, entryToChange(entry))
	}

	if err := e.transport.Send(ctx, &protocol.IndexResponse{
		DeviceID:       e.opts.DeviceID,
		Changes:        changes,
		LatestChangeID: latest,
		HasMore:        hasMore,
	}); err != nil {
		e.logger.Warn("index response not sent", slog.String("error", err.Error()))
	}
}

// serveFileRequest answers a fetch for local content.
func (e *Engine) serveFileRequest(ctx context.Context, m *protocol.FileRequest) {
	if m.TargetDeviceID != e.opts.DeviceID {
		return
	}

	response := &protocol.FileResponse{
		RequestID:   m.RequestID,
		DeviceID:    e.opts.DeviceID,
		Path:        m.Path,
		ContentHash: m.ContentHash,
	}

	fsPath := filepath.Join(e.opts.VaultDir, filepath.FromSlash(m.Path))

	content, err := os.ReadFile(fsPath)
	if err == nil && e2ee.ContentHash(content) == m.ContentHash {
		response.Found = true
		response.Content = base64.StdEncoding.EncodeToString(content)
	}

	if err := e.transport.Send(ctx, response); err != nil {
		e.logger.Warn("file response not sent",
			slog.String("path", m.Path), slog.String("error", err.Error()))
	}
}

// applyChange runs the inbound apply pipeline for one remote change.
// Returns true when the change was applied (including no-ops on already
// matching content), false when dropped or deferred.
func (e *Engine) applyChange(ctx context.Context, c protocol.Change) bool {
	// Own changes come back via room broadcast; drop the echo.
	if c.DeviceID == e.opts.DeviceID {
		return false
	}

	if !e.filter.Syncable(c.Path) {
		return false
	}

	switch c.Kind {
	case protocol.KindCreate, protocol.KindModify:
		return e.applyWrite(ctx, c)
	case protocol.KindDelete:
		return e.applyDelete(ctx, c)
	case protocol.KindRename:
		return e.applyRename(ctx, c)
	default:
		return false
	}
}

func (e *Engine) applyWrite(ctx context.Context, c protocol.Change) bool {
	e.setRemoteKnown(c.Path, c.Hash)

	local, exists := e.localHash(c.Path)
	if exists && local == c.Hash {
		// Already converged.
		return true
	}

	content, err := e.fetchContent(ctx, c)
	if err != nil {
		e.logger.Warn("fetch failed, apply aborted",
			slog.String("path", c.Path), slog.String("error", err.Error()))

		return false
	}

	if !exists {
		if err := e.writeRemote(ctx, c, content); err != nil {
			e.logger.Error("remote write failed",
				slog.String("path", c.Path), slog.String("error", err.Error()))

			return false
		}

		return true
	}

	return e.resolveDiverged(ctx, c, content, local)
}

// resolveDiverged hands a diverged write to the conflict resolver. The
// incoming path is suppressed before the resolver writes anything so the
// watcher never sees the winner or the sibling as a local change.
func (e *Engine) resolveDiverged(ctx context.Context, c protocol.Change, content []byte, local string) bool {
	e.det.Suppress(c.Path, detector.DefaultSuppressTTL)

	outcome, err := e.resolver.Resolve(ctx, conflict.Incoming{
		Path:     c.Path,
		Content:  content,
		Hash:     c.Hash,
		Mtime:    c.Mtime,
		DeviceID: c.DeviceID,
	}, local)
	if err != nil {
		e.logger.Error("conflict resolution failed",
			slog.String("path", c.Path), slog.String("error", err.Error()))

		return false
	}

	if outcome.LoserPath != "" {
		e.det.Suppress(outcome.LoserPath, detector.DefaultSuppressTTL)
	}

	if outcome.Applied {
		e.setLocalHash(c.Path, c.Hash)
		e.journalRemote(ctx, c)
	}

	return outcome.Applied
}

func (e *Engine) applyDelete(ctx context.Context, c protocol.Change) bool {
	local, exists := e.localHash(c.Path)
	if !exists {
		return true
	}

	// Only delete what the remote side actually saw; a locally modified
	// file wins this soft conflict by staying put.
	if known := e.remoteKnownHash(c.Path); known == "" || known != local {
		e.logger.Info("remote delete skipped, local content diverged",
			slog.String("path", c.Path))

		return false
	}

	fsPath := filepath.Join(e.opts.VaultDir, filepath.FromSlash(c.Path))

	e.det.Suppress(c.Path, detector.DefaultSuppressTTL)

	if err := os.Remove(fsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Error("remote delete failed",
			slog.String("path", c.Path), slog.String("error", err.Error()))

		return false
	}

	e.dropHashes(c.Path)

	if err := e.store.DeleteVersions(ctx, c.Path); err != nil {
		e.logger.Warn("version cleanup failed", slog.String("error", err.Error()))
	}

	e.journalRemote(ctx, c)

	return true
}

func (e *Engine) applyRename(ctx context.Context, c protocol.Change) bool {
	if c.OldPath == "" {
		return false
	}

	oldFs := filepath.Join(e.opts.VaultDir, filepath.FromSlash(c.OldPath))
	newFs := filepath.Join(e.opts.VaultDir, filepath.FromSlash(c.Path))

	e.det.Suppress(c.OldPath, detector.DefaultSuppressTTL)
	e.det.Suppress(c.Path, detector.DefaultSuppressTTL)

	if err := os.MkdirAll(filepath.Dir(newFs), 0o755); err != nil {
		e.logger.Error("rename target directory failed",
			slog.String("path", c.Path), slog.String("error", err.Error()))

		return false
	}

	if err := os.Rename(oldFs, newFs); err != nil {
		// The old path may never have existed locally; fall back to a
		// plain write of the new path.
		if errors.Is(err, os.ErrNotExist) {
			return e.applyWrite(ctx, protocol.Change{
				ChangeID: c.ChangeID, Path: c.Path, Kind: protocol.KindCreate,
				Hash: c.Hash, Size: c.Size, Mtime: c.Mtime,
				DetectedAt: c.DetectedAt, DeviceID: c.DeviceID,
			})
		}

		e.logger.Error("remote rename failed",
			slog.String("path", c.Path), slog.String("error", err.Error()))

		return false
	}

	e.migrateHashes(c.OldPath, c.Path)

	if err := e.store.RenameVersions(ctx, c.OldPath, c.Path); err != nil {
		e.logger.Warn("version migration failed", slog.String("error", err.Error()))
	}

	e.journalRemote(ctx, c)

	return true
}

// fetchContent requests file bytes from the originating device and
// verifies them against the advertised hash.
func (e *Engine) fetchContent(ctx context.Context, c protocol.Change) ([]byte, error) {
	ch := e.fetches.park(c.Path, c.Hash)

	if err := e.transport.Send(ctx, &protocol.FileRequest{
		RequestID:      uuid.NewString(),
		DeviceID:       e.opts.DeviceID,
		TargetDeviceID: c.DeviceID,
		Path:           c.Path,
		ContentHash:    c.Hash,
	}); err != nil {
		e.fetches.fulfill(c.Path, c.Hash, nil, false)
		<-ch

		return nil, err
	}

	content, err := e.fetches.await(ctx, c.Path, c.Hash, ch)
	if err != nil {
		return nil, err
	}

	if got := e2ee.ContentHash(content); got != c.Hash {
		return nil, fmt.Errorf("engine: fetched content hash mismatch for %s", c.Path)
	}

	return content, nil
}

// writeRemote writes fetched content under suppression and records the
// apply in the journal.
func (e *Engine) writeRemote(ctx context.Context, c protocol.Change, content []byte) error {
	fsPath := filepath.Join(e.opts.VaultDir, filepath.FromSlash(c.Path))

	if err := os.MkdirAll(filepath.Dir(fsPath), 0o755); err != nil {
		return fmt.Errorf("engine: creating directory for %s: %w", c.Path, err)
	}

	e.det.Suppress(c.Path, detector.DefaultSuppressTTL)

	if err := os.WriteFile(fsPath, content, 0o644); err != nil {
		return fmt.Errorf("engine: writing %s: %w", c.Path, err)
	}

	if c.Mtime > 0 {
		mt := time.UnixMilli(c.Mtime)
		if err := os.Chtimes(fsPath, mt, mt); err != nil {
			e.logger.Debug("mtime not preserved",
				slog.String("path", c.Path), slog.String("error", err.Error()))
		}
	}

	e.setLocalHash(c.Path, c.Hash)
	e.journalRemote(ctx, c)

	return nil
}

// journalRemote records an applied remote change with source=remote so
// the outbound pump never re-broadcasts it.
func (e *Engine) journalRemote(ctx context.Context, c protocol.Change) {
	entry := journal.Entry{
		Path:    c.Path,
		OldPath: c.OldPath,
		Kind:    journal.Kind(c.Kind),
		Hash:    c.Hash,
		Size:    c.Size,
		Mtime:   c.Mtime,
		Source:  journal.SourceRemote,
		// Preserve the originating device, not this one.
		DeviceID: c.DeviceID,
	}

	if _, err := e.store.Append(ctx, &entry); err != nil {
		e.logger.Warn("remote apply not journaled",
			slog.String("path", c.Path), slog.String("error", err.Error()))

		return
	}

	if c.Kind == protocol.KindCreate || c.Kind == protocol.KindModify || c.Kind == protocol.KindRename {
		if _, err := e.store.UpsertVersion(ctx, c.Path, c.Hash, c.Size, c.Mtime, c.DeviceID); err != nil {
			e.logger.Warn("remote version not recorded",
				slog.String("path", c.Path), slog.String("error", err.Error()))
		}
	}
}

// advanceLastSync moves the catchup cursor forward, ignoring regressions
// (cross-device ids are not totally ordered).
func (e *Engine) advanceLastSync(ctx context.Context, id int64) {
	if id <= 0 {
		return
	}

	err := e.store.UpdateCursor(ctx, lastSyncCursor, id)
	if err != nil && !errors.Is(err, journal.ErrCursorRegression) {
		e.logger.Warn("last-sync cursor not advanced", slog.String("error", err.Error()))
	}
}
