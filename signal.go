package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext derives a context that ends on SIGINT or SIGTERM. The
// first signal starts a graceful stop, giving the sync engine time to
// flush suppressions and close its relay session (and the relay time to
// finish its HTTP shutdown); a second signal aborts the process for the
// cases where a drain hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()

		if parent.Err() != nil {
			return
		}

		logger.Info("shutting down; interrupt again to abort")

		abort := make(chan os.Signal, 1)
		signal.Notify(abort, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(abort)

		select {
		case sig := <-abort:
			logger.Warn("aborting without drain", slog.String("signal", sig.String()))
			os.Exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
