package dnsprox

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs units of work concurrently. Go must not block the caller.
type Scheduler interface {
	Go(func())
}

// GoScheduler starts a new goroutine for every unit of work.
type GoScheduler struct{}

var _ Scheduler = GoScheduler{}

// Go runs f in a new goroutine.
func (GoScheduler) Go(f func()) {
	go f()
}

// WorkerPool limits how many units of work run at the same time. Work submitted
// while the pool is full waits for a free slot, the caller doesn't.
type WorkerPool struct {
	sem *semaphore.Weighted
}

var _ Scheduler = &WorkerPool{}

// NewWorkerPool returns a pool running at most n units of work concurrently.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(n))}
}

// Go queues f for execution.
func (p *WorkerPool) Go(f func()) {
	go func() {
		// Can't fail, the context is never cancelled
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		f()
	}()
}
