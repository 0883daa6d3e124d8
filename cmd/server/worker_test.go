package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type slowRunner struct {
	finished atomic.Bool
}

func (r *slowRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	// A pass still writing to the database when shutdown starts.
	time.Sleep(50 * time.Millisecond)
	r.finished.Store(true)
	return nil
}

type stuckRunner struct{ release chan struct{} }

func (r *stuckRunner) Run(context.Context) error {
	<-r.release
	return nil
}

func TestWaitForWorkerBlocksUntilRunReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &slowRunner{}
	done := startWorker(ctx, r)

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	if !waitForWorker(waitCtx, done) {
		t.Fatal("expected worker to stop before the deadline")
	}
	if !r.finished.Load() {
		t.Fatal("waitForWorker returned before Run finished")
	}
}

func TestWaitForWorkerGivesUpAtDeadline(t *testing.T) {
	r := &stuckRunner{release: make(chan struct{})}
	defer close(r.release)
	done := startWorker(context.Background(), r)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if waitForWorker(waitCtx, done) {
		t.Fatal("expected waitForWorker to report a timeout")
	}
}

func TestWaitForWorkerWithoutWorker(t *testing.T) {
	if !waitForWorker(context.Background(), nil) {
		t.Fatal("expected immediate success when no worker was started")
	}
}
