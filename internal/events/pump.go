package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaultsync/vaultsync/internal/journal"
)

// Pump tuning.
const (
	// cursorName keys the pump's position in the journal cursor table.
	cursorName = "events"

	DefaultPollInterval = 250 * time.Millisecond
	batchSize           = 500
)

// Pump tails the journal and publishes each new change as a classified
// event. Its position survives restarts through a named journal cursor,
// so every change is delivered at least once in change-id order.
type Pump struct {
	store    *journal.Store
	bus      *Bus
	logger   *slog.Logger
	interval time.Duration
}

// NewPump wires a journal store to a bus. interval <= 0 selects the
// default poll interval.
func NewPump(store *journal.Store, bus *Bus, interval time.Duration, logger *slog.Logger) *Pump {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Pump{store: store, bus: bus, logger: logger, interval: interval}
}

// Serve polls the journal tail until the context is canceled.
// Implements suture.Service.
func (p *Pump) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			p.logger.Warn("event pump drain failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain publishes all changes past the cursor, advancing it batch by
// batch. Exported so tests and one-shot commands can pump synchronously.
func (p *Pump) Drain(ctx context.Context) error {
	return p.drain(ctx)
}

func (p *Pump) drain(ctx context.Context) error {
	for {
		cursor, err := p.store.Cursor(ctx, cursorName)
		if err != nil {
			return err
		}

		entries, err := p.store.After(ctx, cursor, batchSize)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			p.bus.Publish(Event{Type: Classify(entry), Change: entry})
		}

		if err := p.store.UpdateCursor(ctx, cursorName, entries[len(entries)-1].ID); err != nil {
			return err
		}

		// A full batch means more may be waiting.
		if len(entries) < batchSize {
			return nil
		}
	}
}
