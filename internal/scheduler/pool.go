package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolMetrics is a snapshot of the pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"`
}

// ErrPoolShutdown is returned by Submit once Shutdown has been called.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs at most size functions at once and at most one per key.
// Keys are execution IDs, so a slow execution is never stepped twice.
type WorkerPool struct {
	slots  *semaphore.Weighted
	stop   context.Context
	halt   context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	keys   map[string]struct{}

	active, completed, failed, panics, skipped atomic.Int64
}

func NewWorkerPool(size int) *WorkerPool {
	return newWorkerPool(size, nil)
}

func newWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	stop, halt := context.WithCancel(context.Background())
	return &WorkerPool{
		slots:  semaphore.NewWeighted(int64(size)),
		stop:   stop,
		halt:   halt,
		logger: logger,
		keys:   make(map[string]struct{}),
	}
}

// Submit starts fn for key and reports true. It reports false without
// running fn when key is already in flight. While every slot is taken it
// blocks until one frees up, ctx ends or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	if claimed, err := p.claim(key); !claimed {
		return false, err
	}

	if err := p.acquire(ctx); err != nil {
		p.release(key)
		return false, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		p.release(key)
		return false, ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.run(ctx, key, fn)
	return true, nil
}

// claim marks key busy. A key that is already busy is counted as skipped
// and left to its current owner.
func (p *WorkerPool) claim(key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrPoolShutdown
	}
	if _, busy := p.keys[key]; busy {
		p.skipped.Add(1)
		return false, nil
	}
	p.keys[key] = struct{}{}
	return true, nil
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	merged, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := context.AfterFunc(p.stop, cancel)
	defer stopped()

	if err := p.slots.Acquire(merged, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolShutdown
	}
	return nil
}

func (p *WorkerPool) run(ctx context.Context, key string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("pool task panicked", slog.String("key", key), slog.String("panic", fmt.Sprint(r)))
		}
		p.active.Add(-1)
		p.release(key)
		p.slots.Release(1)
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) release(key string) {
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
}

// InFlight reports whether key is queued or running.
func (p *WorkerPool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.keys[key]
	return ok
}

func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown rejects new work, unblocks waiting submitters and waits for the
// running functions. Calling it again is a no-op.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.halt()
	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Skipped:   p.skipped.Load(),
	}
}
