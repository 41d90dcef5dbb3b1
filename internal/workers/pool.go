// Package workers implements a fixed-size pool of workers, each fed by its own queue.
//
// Work is routed to a worker by the item's identifier, so every item with the same
// identifier is handled by the same worker in the order it was dispatched.
package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const DefaultQueueSize = 64

var (
	// ErrDispatchCancelled is returned by AssignConnection when the caller's context
	// is done before the item was delivered. The context's error is wrapped as well.
	ErrDispatchCancelled = errors.New("dispatch cancelled")

	// ErrPoolStopped is returned by AssignConnection when the target worker has been stopped.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Identifiable is implemented by items that can be routed to a worker.
type Identifiable interface {
	ID() uint64
}

// EntryFunc is the body of a worker. It receives items from queue until ctx is done
// and must return promptly once it is.
type EntryFunc[C any] func(ctx context.Context, worker int, queue <-chan C)

// Observer receives dispatch events. *metrics.Metrics satisfies it.
type Observer interface {
	RecordDispatch(worker int)
	RecordDispatchCancelled(worker int)
	SetQueueDepth(worker int, depth int)
}

type nopObserver struct{}

func (nopObserver) RecordDispatch(int)          {}
func (nopObserver) RecordDispatchCancelled(int) {}
func (nopObserver) SetQueueDepth(int, int)      {}

type options struct {
	queueSize int
	logger    *slog.Logger
	observer  Observer
}

type Option func(*options)

// WithQueueSize sets the capacity of each worker's queue.
// Values <= 0 select DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

type worker[C any] struct {
	queue  chan C
	ctx    context.Context
	cancel context.CancelFunc
}

// Pool is a fixed set of workers. It is safe for concurrent use.
type Pool[C Identifiable] struct {
	logger   *slog.Logger
	observer Observer
	workers  []*worker[C]

	// mu is held for reading while an item is sent and for writing once by Stop,
	// so no send can land in a queue after it was drained.
	mu      sync.RWMutex
	stopped bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New starts count workers, each running entry with its own queue and a context
// derived from ctx. Cancelling ctx stops the workers as Stop does, but only Stop
// waits for them to return.
func New[C Identifiable](ctx context.Context, entry EntryFunc[C], count int, opts ...Option) (*Pool[C], error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid worker count %d: must be positive", count)
	}
	if entry == nil {
		return nil, errors.New("invalid worker entry: cannot be nil")
	}
	o := options{
		queueSize: DefaultQueueSize,
		logger:    slog.New(slog.DiscardHandler),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	p := &Pool[C]{
		logger:   o.logger,
		observer: o.observer,
		workers:  make([]*worker[C], count),
		done:     make(chan struct{}),
	}
	for i := range p.workers {
		wctx, cancel := context.WithCancel(ctx)
		p.workers[i] = &worker[C]{
			queue:  make(chan C, o.queueSize),
			ctx:    wctx,
			cancel: cancel,
		}
	}

	p.logger.Debug("starting worker pool", "workers", count, "queueSize", o.queueSize)
	for i, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			entry(w.ctx, i, w.queue)
			p.logger.Debug("worker exited", "worker", i)
		}()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p, nil
}

// Size returns the number of workers.
func (p *Pool[C]) Size() int {
	return len(p.workers)
}

// WorkerIndex returns the worker that handles items with the given identifier.
func (p *Pool[C]) WorkerIndex(id uint64) int {
	return int(id % uint64(len(p.workers)))
}

// Pending returns the number of items waiting in a worker's queue.
func (p *Pool[C]) Pending(worker int) int {
	return len(p.workers[worker].queue)
}

// AssignConnection delivers c to the queue of the worker selected by c.ID(),
// blocking until the queue accepts it.
//
// It returns nil once c is queued. If ctx is done first the returned error wraps
// both ErrDispatchCancelled and ctx.Err(); if the worker was stopped it is
// ErrPoolStopped. In both cases c was not delivered and is still owned by the caller.
// A queued item the worker never takes is closed by Stop.
func (p *Pool[C]) AssignConnection(ctx context.Context, c C) error {
	idx := p.WorkerIndex(c.ID())
	w := p.workers[idx]

	// Cancellation takes precedence over a queue with free capacity.
	if err := ctx.Err(); err != nil {
		p.observer.RecordDispatchCancelled(idx)
		return fmt.Errorf("%w: %w", ErrDispatchCancelled, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped || w.ctx.Err() != nil {
		return ErrPoolStopped
	}

	select {
	case w.queue <- c:
		p.observer.RecordDispatch(idx)
		p.observer.SetQueueDepth(idx, len(w.queue))
		return nil
	case <-ctx.Done():
		p.observer.RecordDispatchCancelled(idx)
		return fmt.Errorf("%w: %w", ErrDispatchCancelled, ctx.Err())
	case <-w.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop cancels every worker and waits for all of them to return. Items left in the
// queues are discarded; those implementing io.Closer are closed.
// It is safe to call Stop more than once.
func (p *Pool[C]) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Debug("stopping worker pool", "workers", len(p.workers))
		for _, w := range p.workers {
			w.cancel()
		}
		// Wait for sends in flight; they return once their worker is cancelled.
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		<-p.done
		for i, w := range p.workers {
			if n := p.drain(w); n > 0 {
				p.logger.Warn("discarded queued items on stop", "worker", i, "count", n)
			}
			p.observer.SetQueueDepth(i, 0)
		}
	})
	<-p.done
}

// Done returns a channel that is closed once every worker has returned.
func (p *Pool[C]) Done() <-chan struct{} {
	return p.done
}

// drain empties a stopped worker's queue and returns the number of items removed.
func (p *Pool[C]) drain(w *worker[C]) int {
	var n int
	for {
		select {
		case c := <-w.queue:
			n++
			if closer, ok := any(c).(io.Closer); ok {
				if err := closer.Close(); err != nil {
					p.logger.Debug("failed to close discarded item", "error", err)
				}
			}
		default:
			return n
		}
	}
}
