package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a deferred run is submitted after the
// pool has been shut down.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of the pool's counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many deferred actions run concurrently during a
// ProcessDue pass. Deferred runs absorb their own failures into log entries,
// so the pool tracks only completions and recovered panics.
type WorkerPool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	done   chan struct{}
	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool running at most size deferred actions at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit runs one deferred action on the pool. It blocks until a slot frees
// up, which backpressures large due batches, and respects cancellation while
// waiting. A panicking run is recovered and counted; it never takes down the
// poller.
func (p *WorkerPool) Submit(ctx context.Context, run func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check after taking the slot; wg.Add must happen under the lock so
	// Shutdown's wg.Wait cannot race it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	p.active.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
			} else {
				p.completed.Add(1)
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		run(ctx)
	}()

	return nil
}

// Shutdown stops accepting runs and waits for the in-flight ones to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
