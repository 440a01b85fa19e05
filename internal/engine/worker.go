package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks dispatcher operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down dispatcher.
var ErrPoolShutdown = errors.New("dispatcher is shut down")

type task struct {
	ctx context.Context
	fn  func(ctx context.Context) error
}

// Dispatcher runs keyed work on a bounded number of goroutines. Work items
// sharing a key run one at a time in submission order; distinct keys run
// concurrently.
type Dispatcher struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string][]task
	done   chan struct{}
	closed bool
}

// NewDispatcher creates a dispatcher running at most size items at once.
func NewDispatcher(size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sem:    make(chan struct{}, size),
		logger: logger,
		queues: make(map[string][]task),
		done:   make(chan struct{}),
	}
}

// Submit queues fn behind earlier work with the same key. It never blocks.
// Returns ErrPoolShutdown after Shutdown.
func (d *Dispatcher) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrPoolShutdown
	}

	q := d.queues[key]
	d.queues[key] = append(q, task{ctx: ctx, fn: fn})
	d.wg.Add(1)
	atomic.AddInt64(&d.metrics.Queued, 1)
	if len(q) == 0 {
		go d.drain(key)
	}
	return nil
}

// drain runs the queue of one key until it is empty.
func (d *Dispatcher) drain(key string) {
	for {
		d.mu.Lock()
		t := d.queues[key][0]
		d.mu.Unlock()

		if !d.acquire() {
			// queued work is dropped on shutdown
			atomic.AddInt64(&d.metrics.Failed, 1)
		} else {
			d.run(key, t)
			<-d.sem
		}
		atomic.AddInt64(&d.metrics.Queued, -1)

		d.mu.Lock()
		rest := d.queues[key][1:]
		if len(rest) == 0 {
			delete(d.queues, key)
		} else {
			d.queues[key] = rest
		}
		d.mu.Unlock()
		d.wg.Done()

		if len(rest) == 0 {
			return
		}
	}
}

func (d *Dispatcher) acquire() bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.sem <- struct{}{}:
		return true
	case <-d.done:
		return false
	}
}

func (d *Dispatcher) run(key string, t task) {
	atomic.AddInt64(&d.metrics.Active, 1)
	defer atomic.AddInt64(&d.metrics.Active, -1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.metrics.Panics, 1)
			atomic.AddInt64(&d.metrics.Failed, 1)
			d.logger.Error("dispatched work panicked", slog.String("key", key), slog.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := t.fn(t.ctx); err != nil {
		atomic.AddInt64(&d.metrics.Failed, 1)
		d.logger.Warn("dispatched work failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	atomic.AddInt64(&d.metrics.Completed, 1)
}

// Wait blocks until all submitted work completes.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting work, drops work that has not started and waits
// for running work to finish.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
}

// Metrics returns a snapshot of the dispatcher metrics.
func (d *Dispatcher) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&d.metrics.Active),
		Queued:    atomic.LoadInt64(&d.metrics.Queued),
		Completed: atomic.LoadInt64(&d.metrics.Completed),
		Failed:    atomic.LoadInt64(&d.metrics.Failed),
		Panics:    atomic.LoadInt64(&d.metrics.Panics),
	}
}
