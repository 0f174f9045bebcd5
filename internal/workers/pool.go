// Package workers provides a small bounded-parallelism helper for fanning
// I/O-bound work (market data fetches) across a fixed number of goroutines.
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task func(ctx context.Context) error

// Pool runs tasks with at most Workers goroutines in flight.
type Pool struct {
	logger  *zap.Logger
	workers int

	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool. workers < 1 means serial execution.
func NewPool(logger *zap.Logger, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{logger: logger.Named("workers"), workers: workers}
}

// Run executes all tasks and blocks until every one has finished or the
// context is cancelled. The first error wins; remaining queued tasks are
// skipped once an error is recorded, tasks already in flight run to
// completion.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	queue := make(chan Task)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	hasErr := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	n := p.workers
	if n > len(tasks) {
		n = len(tasks)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if hasErr() || ctx.Err() != nil {
					continue
				}
				if err := task(ctx); err != nil {
					p.failed.Add(1)
					setErr(err)
					continue
				}
				p.completed.Add(1)
			}
		}()
	}

	for _, task := range tasks {
		queue <- task
	}
	close(queue)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return firstErr
}

// Completed returns the lifetime count of successful tasks.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Failed returns the lifetime count of failed tasks.
func (p *Pool) Failed() int64 { return p.failed.Load() }
