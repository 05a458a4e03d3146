// Package tasks runs detached work on a fixed set of workers fed by a
// bounded queue.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("task pool stopped")

// Func is a unit of detached work. ctx is the pool's context, not the
// submitter's, so work outlives the request that queued it.
type Func func(ctx context.Context)

type task struct {
	name string
	fn   Func
}

type Pool struct {
	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "tasks").Logger(),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues fn, blocking while the queue is full until ctx ends.
func (p *Pool) Submit(ctx context.Context, name string, fn Func) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- task{name: name, fn: fn}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", name, ctx.Err())
	}
}

// Stop refuses new work, waits for queued work to finish or ctx to end, then
// cancels the context handed to running tasks.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	defer p.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("task", t.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
		}
	}()
	t.fn(p.ctx)
}
