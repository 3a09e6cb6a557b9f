// Package pool provides a bounded goroutine pool for controlled concurrency.
// This package is internal and should not be imported by external projects.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool queue is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context)

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// WorkerPool runs submitted tasks on a fixed set of workers behind a
// bounded queue.
type WorkerPool struct {
	queue  chan taskWrapper
	closed atomic.Bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// NewWorkerPool creates a pool with the given worker count and queue size.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &WorkerPool{queue: make(chan taskWrapper, queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for w := range p.queue {
		if w.ctx.Err() == nil {
			w.task(w.ctx)
		}
		p.completed.Add(1)
	}
}

// Submit enqueues a task. It never blocks: a full queue rejects the task.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.queue <- taskWrapper{task: task, ctx: ctx}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// Close stops accepting tasks and waits for in-flight work to drain.
func (p *WorkerPool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.queue)
	}
	p.wg.Wait()
}

// Stats returns submitted/completed/rejected counts.
func (p *WorkerPool) Stats() (submitted, completed, rejected int64) {
	return p.submitted.Load(), p.completed.Load(), p.rejected.Load()
}
