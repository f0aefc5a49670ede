// Package scheduler repeats the digest run on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// RunFunc performs one digest run.
type RunFunc func(ctx context.Context) error

// Scheduler runs a RunFunc immediately and then once per interval.
// Runs never overlap; a slow run delays the next tick.
type Scheduler struct {
	run   RunFunc
	every time.Duration
	log   *slog.Logger
}

// New creates a Scheduler.
func New(run RunFunc, every time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{run: run, every: every, log: log}
}

// Run starts the loop, blocking until ctx is cancelled.
// A non-positive interval runs once.
func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx, 1)
	if s.every <= 0 {
		return
	}

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for n := 2; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, n)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, n int) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	s.log.Info("scheduled run starting", "run", n)

	if err := s.run(ctx); err != nil {
		s.log.Error("scheduled run failed", "run", n, "error", err, "elapsed", time.Since(start))
		return
	}
	if s.every > 0 {
		s.log.Info("scheduled run done", "run", n, "elapsed", time.Since(start), "next", time.Now().Add(s.every).Format(time.RFC3339))
	}
}
