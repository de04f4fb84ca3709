// Package service implements the single cooperative scheduler (spec §5):
// claim_ready -> pipeline.Run -> complete_run, one goroutine per configured
// shard, all sharing one *queue.SessionObserverQueue behind its own mutex.
// Grounded on the teacher's internal/worker/worker.go Run/Stop loop shape
// (select-based run loop, panic recovery, graceful stop channel).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"mindops.dev/sidecar/internal/pipeline"
	"mindops.dev/sidecar/internal/queue"
)

// Config controls how often an idle shard polls the queue for ready work.
type Config struct {
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{PollInterval: 50 * time.Millisecond}
}

// Driver is one shard of the scheduler: it repeatedly claims the next ready
// run from the shared queue and executes it through the pipeline.
type Driver struct {
	queue    *queue.SessionObserverQueue
	pipeline *pipeline.Pipeline
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewDriver(q *queue.SessionObserverQueue, p *pipeline.Pipeline, cfg Config) *Driver {
	return &Driver{
		queue:     q,
		pipeline:  p,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called. Safe to run many
// Drivers concurrently over the same queue: ClaimReady's own mutex ensures
// no two shards ever claim the same session's run.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.stoppedCh)

	slog.InfoContext(ctx, "driver started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			slog.InfoContext(ctx, "driver stopping")
			return nil
		case <-ticker.C:
			d.drainReady(ctx)
		}
	}
}

// Stop requests a graceful shutdown and blocks until Run has returned.
func (d *Driver) Stop() {
	close(d.stopCh)
	<-d.stoppedCh
}

// drainReady claims and runs every currently-ready conversation, not just
// one, so a burst of debounce-expired sessions doesn't wait a full tick each.
func (d *Driver) drainReady(ctx context.Context) {
	for {
		run, ok := d.queue.ClaimReady(time.Now())
		if !ok {
			return
		}
		d.runSafe(ctx, run)
	}
}

func (d *Driver) runSafe(ctx context.Context, run queue.Run) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in pipeline run",
				"panic", r,
				"stack", string(debug.Stack()),
				"session_id", run.SessionID,
				"conversation_id", run.ConversationID)
		}
		d.queue.CompleteRun(run, time.Now())
	}()

	if err := d.pipeline.Run(ctx, run); err != nil {
		slog.ErrorContext(ctx, "pipeline run failed",
			"error", fmt.Errorf("driver: %w", err),
			"session_id", run.SessionID,
			"conversation_id", run.ConversationID)
	}
}
