package main

import (
	"context"
	"log/slog"
)

type runner interface {
	Run(ctx context.Context) error
}

// startWorker runs w until ctx is done. The returned channel closes once Run
// has returned.
func startWorker(ctx context.Context, w runner) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			slog.Error("Lead worker stopped", "error", err)
		}
	}()
	return done
}

// waitForWorker blocks until done closes or ctx expires. A nil done means no
// worker was started.
func waitForWorker(ctx context.Context, done <-chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
