package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
)

// One-shot mode timing.
const (
	onceConnectTimeout = 30 * time.Second
	onceQuietWindow    = 2 * time.Second
	onceMaxWait        = 5 * time.Minute
)

// ErrConnectTimeout is returned by SyncOnce when no relay session could
// be established in time.
var ErrConnectTimeout = errors.New("engine: relay connection timed out")

// SyncOnce runs a single synchronization pass: scan the vault for edits
// made while offline, connect to the relay, push pending local changes,
// catch up on remote ones, and return once the session goes quiet. The
// watcher never starts; this is the batch mode behind "sync --once".
func (e *Engine) SyncOnce(ctx context.Context) error {
	if _, err := e.det.FullScan(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sup := suture.New("engine-once", suture.Spec{
		EventHook: func(ev suture.Event) {
			e.logger.Warn("engine service event", slog.String("event", ev.String()))
		},
	})

	sup.Add(e.transport)
	sup.Add(serviceFunc{name: "inbound", run: e.inboundLoop})
	sup.Add(serviceFunc{name: "apply", run: e.applyLoop})

	errCh := sup.ServeBackground(runCtx)

	stop := func(result error) error {
		cancel()

		err := <-errCh
		if result == nil && err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine: one-shot supervisor: %w", err)
		}

		return result
	}

	if err := e.waitConnected(runCtx, onceConnectTimeout); err != nil {
		return stop(err)
	}

	e.touchActivity()

	if err := e.pushPending(runCtx); err != nil {
		return stop(err)
	}

	// onConnect already requested the catchup index; stay online until
	// the answers, and any fetches they trigger, go quiet.
	e.waitQuiet(runCtx, onceQuietWindow, onceMaxWait)

	return stop(nil)
}

// waitConnected polls until the transport has a handshaken session.
func (e *Engine) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if e.transport.Connected() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrConnectTimeout
		case <-ticker.C:
		}
	}
}

// waitQuiet blocks until no wire activity has happened for quiet, or
// maxWait elapsed, or the context ended.
func (e *Engine) waitQuiet(ctx context.Context, quiet, maxWait time.Duration) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if time.Since(time.UnixMilli(e.activity.Load())) >= quiet {
				return
			}
		}
	}
}
