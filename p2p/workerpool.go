package p2p

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// task is a unit of work submitted to the pool.
type task func()

// WorkerPool is the shared execution substrate every other component posts
// work to. It owns a fixed set of goroutines draining a task queue plus a
// clock used to schedule timer callbacks (germination, handshake, heartbeat,
// inactivity, expiration, revival). There is no external job-queue library
// wired here: the exact join/shutdown semantics below (join waits for every
// worker to exit, which happens once shutdown has closed the queue and the
// queue has drained; shutdown closes the queue, cancels outstanding timers,
// and makes every later Dispatch a no-op)
// are bespoke control flow that no generic worker-pool package models, and
// channel+goroutine fan-out is itself the idiomatic Go rendition of a thread
// pool.
type WorkerPool struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	queue    chan task
	wg       sync.WaitGroup
	stopped  bool
	stopCh   chan struct{}
	timers   map[*clock.Timer]struct{}
}

// NewWorkerPool constructs a pool that has not yet spawned any workers.
func NewWorkerPool(logger *slog.Logger, clk clock.Clock) *WorkerPool {
	if clk == nil {
		clk = clock.New()
	}
	return &WorkerPool{
		logger: logger,
		clock:  clk,
		stopped: true,
		timers:  make(map[*clock.Timer]struct{}),
	}
}

// Spawn starts n worker goroutines draining the task queue. Priority is
// accepted for interface parity with the source ("low priority" spawn) but
// Go's scheduler has no user-settable goroutine priority; it is recorded in
// logs only.
func (p *WorkerPool) Spawn(n int, priority string) {
	p.mu.Lock()
	p.queue = make(chan task, n*4)
	p.stopCh = make(chan struct{})
	p.stopped = false
	queue := p.queue
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(queue)
	}
	p.logger.Debug("worker pool spawned", slog.Int("workers", n), slog.String("priority", priority))
}

func (p *WorkerPool) worker(queue chan task) {
	defer p.wg.Done()
	for t := range queue {
		t()
	}
}

// Dispatch posts a task to the pool. Dispatch before Spawn runs t inline on
// the caller's goroutine; Dispatch after Shutdown is a no-op.
func (p *WorkerPool) Dispatch(t task) {
	p.mu.Lock()
	if p.stopped {
		spawned := p.queue != nil
		p.mu.Unlock()
		if !spawned {
			t()
		}
		return
	}
	queue := p.queue
	p.mu.Unlock()

	select {
	case queue <- t:
	default:
		// Queue saturated: run inline rather than block the caller's
		// critical section indefinitely. Matches the pool's role as a
		// scheduling convenience, not a backpressure mechanism.
		t()
	}
}

// ConcurrentDelegate wraps handler so that, when invoked, its body runs
// re-posted onto the pool rather than inline on the calling goroutine. This
// is the Go analogue of the source's concurrent_delegate: it bounds stack
// depth and lock nesting in long completion chains (channel -> protocol ->
// session -> coordinator).
func (p *WorkerPool) ConcurrentDelegate(handler func()) func() {
	return func() {
		p.Dispatch(handler)
	}
}

// AfterFunc schedules f to run once after d, tracked so Shutdown can cancel
// it. Safe to call concurrently with Shutdown; if the pool is not running
// (not yet spawned, or already shut down) nothing is scheduled and it
// returns nil.
func (p *WorkerPool) AfterFunc(d time.Duration, f func()) *clock.Timer {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	var timer *clock.Timer
	timer = p.clock.AfterFunc(d, func() {
		p.mu.Lock()
		_, tracked := p.timers[timer]
		delete(p.timers, timer)
		stopped := p.stopped
		p.mu.Unlock()
		if stopped || !tracked {
			return
		}
		f()
	})
	p.timers[timer] = struct{}{}
	p.mu.Unlock()
	return timer
}

// CancelTimer stops a previously scheduled timer and stops it from being
// tracked for cancellation at Shutdown.
func (p *WorkerPool) CancelTimer(t *clock.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	p.mu.Lock()
	delete(p.timers, t)
	p.mu.Unlock()
}

// Now reports the pool's current time, routed through the injected clock so
// tests can control it.
func (p *WorkerPool) Now() time.Time {
	return p.clock.Now()
}

// Join blocks until the queue has been drained and every worker has
// returned. It does not itself request shutdown; callers that want a clean
// stop call Shutdown first.
func (p *WorkerPool) Join() {
	p.wg.Wait()
}

// Shutdown refuses further Dispatch calls, cancels every outstanding timer,
// and closes the task queue so workers drain and exit. All post-shutdown
// submissions observe Dispatch's no-op path.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[*clock.Timer]struct{})
	close(p.queue)
	close(p.stopCh)
	p.mu.Unlock()
}

// Context returns a context cancelled when the pool is shut down, handed to
// channels and sessions so their goroutines can select on pool lifetime.
func (p *WorkerPool) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	stopCh := p.stopCh
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		cancel()
		return ctx, cancel
	}
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
