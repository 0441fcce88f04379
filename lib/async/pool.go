// Package async provides the bounded dispatch pool the scheduler submits
// fetch work to.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/dropwire/dropwire/errs"
)

const errSource = "async"

// Task is one unit of work executed by a pool worker.
type Task func(context.Context) error

// Pool runs submitted tasks on a fixed set of workers. Submit never blocks:
// when the queue is full the caller gets an error and retries on its own
// cadence, which is how the scheduler applies backpressure per tick.
type Pool struct {
	queue   chan submission
	done    chan struct{}
	pending sync.WaitGroup
	closing sync.Once
	workers int
}

type submission struct {
	ctx context.Context
	run Task
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, depth int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(errSource, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if depth < 0 {
		depth = 0
	}
	p := new(Pool)
	p.workers = workers
	p.queue = make(chan submission, depth)
	p.done = make(chan struct{})
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p, nil
}

// Submit schedules the task for execution. It fails when the pool is closed,
// the caller's context has ended, or the queue is at capacity.
func (p *Pool) Submit(ctx context.Context, run Task) error {
	if run == nil {
		return errs.New(errSource, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return errs.New(errSource, errs.CodeUnavailable, errs.WithMessage("dispatch pool closed"))
	case <-ctx.Done():
		return fmt.Errorf("submit: %w", ctx.Err())
	default:
	}
	p.pending.Add(1)
	select {
	case p.queue <- submission{ctx: ctx, run: run}:
		return nil
	default:
		p.pending.Done()
		return errs.New(errSource, errs.CodeUnavailable, errs.WithMessage("dispatch queue full"))
	}
}

// Depth reports the number of queued, not-yet-started tasks.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Cap reports the queue capacity.
func (p *Pool) Cap() int {
	return cap(p.queue)
}

// Close stops accepting new tasks. Queued tasks are dropped; running tasks
// finish on their own.
func (p *Pool) Close() {
	p.closing.Do(func() {
		close(p.done)
	})
}

// Shutdown closes the pool and waits for in-flight tasks, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	drained := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	case <-drained:
		return nil
	}
}

func (p *Pool) work() {
	for {
		select {
		case <-p.done:
			p.discardQueued()
			return
		case s := <-p.queue:
			p.execute(s)
		}
	}
}

// discardQueued releases tasks that were queued but never started, so
// Shutdown does not wait on work that will never run.
func (p *Pool) discardQueued() {
	for {
		select {
		case <-p.queue:
			p.pending.Done()
		default:
			return
		}
	}
}

func (p *Pool) execute(s submission) {
	defer p.pending.Done()
	// A panicking task must not take its worker down with it.
	defer func() {
		_ = recover()
	}()
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// Tasks report their outcomes through their own channels; the pool only
	// guarantees execution.
	_ = s.run(ctx)
}
