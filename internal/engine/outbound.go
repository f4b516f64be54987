package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vaultsync/vaultsync/internal/journal"
	"github.com/vaultsync/vaultsync/internal/protocol"
)

const outboundBatch = 500

// outboundLoop tails the journal for locally-originated changes and
// pushes them to the relay, queueing while offline. Its cursor persists,
// so nothing is lost across restarts.
func (e *Engine) outboundLoop(ctx context.Context) error {
	ticker := time.NewTicker(outboundPollInterval)
	defer ticker.Stop()

	for {
		if err := e.pushPending(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("outbound push failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) pushPending(ctx context.Context) error {
	for {
		cursor, err := e.store.Cursor(ctx, outboundCursor)
		if err != nil {
			return err
		}

		entries, err := e.store.After(ctx, cursor, outboundBatch)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			// Remote-sourced entries are journal records of applies, not
			// local edits; pushing them back would echo forever.
			if entry.Source == journal.SourceRemote {
				continue
			}

			change := entryToChange(entry)

			e.setLocalHash(entry.Path, entry.Hash)
			if entry.Kind == journal.KindDelete {
				e.dropHashes(entry.Path)
			}

			if err := e.transport.Send(ctx, &protocol.DeltaPush{Change: change}); err != nil {
				if errors.Is(err, ErrNotConnected) {
					e.queue.enqueue(change)
					continue
				}

				return err
			}

			// Peers now know this hash; a matching remote delete later
			// is safe to apply.
			e.setRemoteKnown(entry.Path, entry.Hash)
			e.touchActivity()
		}

		if err := e.store.UpdateCursor(ctx, outboundCursor, entries[len(entries)-1].ID); err != nil {
			return err
		}

		if len(entries) < outboundBatch {
			return nil
		}
	}
}

// entryToChange converts a journal entry to its wire form.
func entryToChange(e journal.Entry) protocol.Change {
	return protocol.Change{
		ChangeID:   e.ID,
		Path:       e.Path,
		OldPath:    e.OldPath,
		Kind:       protocol.ChangeKind(e.Kind),
		Hash:       e.Hash,
		Size:       e.Size,
		Mtime:      e.Mtime,
		DetectedAt: e.DetectedAt,
		DeviceID:   e.DeviceID,
	}
}
