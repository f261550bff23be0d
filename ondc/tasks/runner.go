// Package tasks runs the asynchronous continuation of a request after its
// synchronous acknowledgment has been returned.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Go once Shutdown has started.
var ErrClosed = errors.New("task runner is shut down")

// Runner supervises one unit of work per order workflow step. Failures and
// panics are logged and counted, never propagated to the submitter.
type Runner struct {
	name  string
	group errgroup.Group

	mu     sync.RWMutex
	closed bool

	inFlight atomic.Int64
	failed   atomic.Int64
}

// New creates a runner. name only labels log lines.
func New(name string) *Runner {
	return &Runner{name: name}
}

// Go starts fn in the background. The task context keeps the values of ctx
// (trace span, request ids) but not its cancellation.
func (r *Runner) Go(ctx context.Context, task string, fn func(ctx context.Context) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Printf("⚠️ [%s] task %s refused: runner is shutting down", r.name, task)
		return ErrClosed
	}

	taskCtx := context.WithoutCancel(ctx)
	r.inFlight.Add(1)
	r.group.Go(func() error {
		defer r.inFlight.Add(-1)
		if err := r.run(taskCtx, task, fn); err != nil {
			r.failed.Add(1)
			log.Printf("❌ [%s] task %s failed: %v", r.name, task, err)
		}
		return nil
	})
	return nil
}

func (r *Runner) run(ctx context.Context, task string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in task %s: %v", task, rec)
		}
	}()
	return fn(ctx)
}

// InFlight returns the number of running tasks.
func (r *Runner) InFlight() int64 {
	return r.inFlight.Load()
}

// Failed returns how many tasks returned an error or panicked.
func (r *Runner) Failed() int64 {
	return r.failed.Load()
}

// Wait blocks until every submitted task has finished.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// Shutdown stops accepting tasks and waits for the running ones, or for ctx
// to end, whichever comes first.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("✅ [%s] all tasks drained", r.name)
		return nil
	case <-ctx.Done():
		log.Printf("⚠️ [%s] shutdown timed out with %d tasks in flight", r.name, r.InFlight())
		return ctx.Err()
	}
}
