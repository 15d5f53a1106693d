// Package services – background task runner.
//
// Side effects that must not block or fail an authorization decision
// (activity counters, opportunistic verification flips) go through the
// TaskRunner: they run on their own goroutine with a bounded timeout, and a
// failure is logged and swallowed, never surfaced to the sender.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskRunner executes fire-and-forget tasks with a per-task timeout.
// The zero value is not usable; call NewTaskRunner.
type TaskRunner struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

// NewTaskRunner constructs a TaskRunner. timeout bounds each task; values
// <= 0 fall back to ten seconds.
func NewTaskRunner(timeout time.Duration) *TaskRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TaskRunner{timeout: timeout}
}

// Go runs fn on its own goroutine with a detached, timeout-bounded context.
// Errors and panics are logged under the task name and swallowed.
func (r *TaskRunner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("task", name).Msg("background task panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("task", name).Msg("background task failed")
		}
	}()
}

// Wait blocks until all dispatched tasks finish. Used on shutdown and in
// tests that assert on task side effects.
func (r *TaskRunner) Wait() { r.wg.Wait() }
