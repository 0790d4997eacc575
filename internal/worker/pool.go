// Package worker runs blocking work (database queries, raster reads, image
// encoding) on a bounded set of goroutines and hands results back as futures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned by submissions made after Stop.
	ErrStopped = errors.New("worker pool stopped")
	// ErrPanic wraps a panic raised inside a task.
	ErrPanic = errors.New("task panicked")
)

// Config contains configuration for the pool.
type Config struct {
	Workers   int // goroutines (default 2 x NumCPU)
	QueueSize int // pending tasks before Submit blocks (default Workers x 4, min 8)
}

// Pool is a fixed set of workers reading from a bounded queue.
type Pool struct {
	cfg     Config
	queue   chan func()
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started sync.Once
	stopped sync.Once
	running atomic.Int64
	log     zerolog.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int
	Queued  int
	Running int
}

// NewPool creates a pool; call Start before submitting.
func NewPool(cfg Config, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2 * runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.QueueSize < 8 {
		cfg.QueueSize = 8
	}
	return &Pool{
		cfg:   cfg,
		queue: make(chan func(), cfg.QueueSize),
		log:   log.With().Str("component", "worker").Logger(),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.started.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		p.log.Info().Int("workers", p.cfg.Workers).Int("queue", p.cfg.QueueSize).Msg("worker pool started")
	})
}

// Stop refuses new work, lets queued tasks finish and waits for the workers.
func (p *Pool) Stop() {
	p.stopped.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
		p.log.Info().Msg("worker pool stopped")
	})
}

// Stats reports queue depth and busy workers.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers: p.cfg.Workers,
		Queued:  len(p.queue),
		Running: int(p.running.Load()),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for run := range p.queue {
		p.running.Add(1)
		run()
		p.running.Add(-1)
	}
}

// enqueue blocks while the queue is full, until ctx ends.
func (p *Pool) enqueue(ctx context.Context, run func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.queue <- run:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Future is the eventual result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the task finishes or ctx ends. When ctx ends first the
// task keeps its worker until it returns; its result is discarded.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit queues task on p. The task receives ctx; if ctx has already ended
// when a worker picks the task up, the task is skipped and the future
// resolves to ctx.Err().
func Submit[T any](ctx context.Context, p *Pool, task func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	run := func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.val, f.err = zero, fmt.Errorf("%w: %v", ErrPanic, r)
				p.log.Error().Interface("panic", r).Msg("task panicked")
			}
		}()
		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.val, f.err = task(ctx)
	}
	if err := p.enqueue(ctx, run); err != nil {
		f.err = err
		close(f.done)
	}
	return f
}

// Do submits task and awaits it.
func Do[T any](ctx context.Context, p *Pool, task func(context.Context) (T, error)) (T, error) {
	return Submit(ctx, p, task).Await(ctx)
}
