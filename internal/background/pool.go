// Package background runs work that must outlive the request that
// scheduled it, such as cache write-back and analytics updates.
package background

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Pool is a fixed set of workers draining a bounded queue.
type Pool struct {
	workers int
	queue   chan task

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.RWMutex // guards closed against concurrent Submit
	closed  bool
	started atomic.Bool
	wg      sync.WaitGroup

	dropped   atomic.Int64
	dropLimit *rate.Limiter

	// OnDrop, if set, is called for every rejected task.
	OnDrop func(name string)
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:    workers,
		queue:      make(chan task, queueSize),
		baseCtx:    ctx,
		baseCancel: cancel,
		dropLimit:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Start launches the workers. Calling Start more than once has no effect.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit queues fn without blocking. It returns false when the queue is
// full or the pool is stopping; the task is then dropped.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(name, "pool stopped")
		return false
	}
	select {
	case p.queue <- task{name: name, fn: fn}:
		return true
	default:
		p.drop(name, "queue full")
		return false
	}
}

// Dropped returns the number of rejected tasks.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Stop closes intake and waits for queued tasks to finish. If ctx ends
// first, the tasks' context is canceled and Stop returns ctx.Err().
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	if !p.started.Load() {
		// Nobody will drain the queue.
		p.baseCancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.baseCancel()
		return nil
	case <-ctx.Done():
		p.baseCancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[background] task %s panicked: %v\n%s", t.name, r, debug.Stack())
		}
	}()
	t.fn(p.baseCtx)
}

func (p *Pool) drop(name, reason string) {
	n := p.dropped.Add(1)
	if p.OnDrop != nil {
		p.OnDrop(name)
	}
	if p.dropLimit.Allow() {
		log.Printf("[background] dropped task %s: %s (%d dropped so far)", name, reason, n)
	}
}
