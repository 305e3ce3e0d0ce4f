// Package background runs a queue of work items on at most one goroutine,
// started on demand and retired when the queue runs dry.
package background

import (
	"context"
	"sync"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

// State is the lifecycle state of a QueueWorker.
type State int

const (
	Idle State = iota
	Running
)

// String returns the state name.
func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Order decides which queued item is processed next.
type Order int

const (
	// LIFO processes the most recently queued item first.
	LIFO Order = iota
	// FIFO processes items in arrival order.
	FIFO
)

// ParseOrder maps "lifo" and "fifo" to an Order. Anything else is LIFO.
func ParseOrder(s string) Order {
	if s == "fifo" || s == "FIFO" {
		return FIFO
	}
	return LIFO
}

// Options configures a QueueWorker.
type Options[T any] struct {
	Name  string
	Order Order
	// MaxQueue bounds pending items. Zero means unbounded.
	MaxQueue int
	Logger   *logging.Logger
	// OnDepth is called with the queue depth after every change.
	OnDepth func(int)
	// OnDrop is called for every item still queued when Close gives up
	// waiting. It runs after the worker has stopped.
	OnDrop func(T)
}

// Stats is a point-in-time view of a QueueWorker.
type Stats struct {
	Queued    int
	Processed uint64
	Spawns    uint64
	State     State
}

// QueueWorker processes queued items one at a time on a goroutine that only
// exists while there is work.
type QueueWorker[T any] struct {
	opts    Options[T]
	process func(context.Context, T)
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []T
	state     State
	closed    bool
	done      chan struct{}
	processed uint64
	spawns    uint64
}

// New creates an idle worker that hands items to process.
func New[T any](process func(context.Context, T), opts Options[T]) *QueueWorker[T] {
	if opts.Name == "" {
		opts.Name = "background worker"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("background")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueWorker[T]{
		opts:    opts,
		process: process,
		logger:  logger.WithFields("worker", opts.Name),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue adds an item and makes sure a goroutine is draining the queue.
func (w *QueueWorker[T]) Enqueue(item T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrPoolClosed(w.opts.Name)
	}
	if w.opts.MaxQueue > 0 && len(w.queue) >= w.opts.MaxQueue {
		return errors.ErrQueueFull(w.opts.Name)
	}
	w.queue = append(w.queue, item)
	w.reportDepth()
	w.ensureRunning()
	return nil
}

// ensureRunning must be called with mu held. The previous goroutine is
// joined before a new one is spawned, so at most one is ever alive.
func (w *QueueWorker[T]) ensureRunning() {
	if w.state == Running {
		return
	}
	if w.done != nil {
		// the old goroutine set Idle under mu and only closes done afterwards
		<-w.done
	}
	w.done = make(chan struct{})
	w.state = Running
	w.spawns++
	go w.loop(w.done)
}

func (w *QueueWorker[T]) loop(done chan struct{}) {
	defer close(done)
	for {
		item, ok := w.next()
		if !ok {
			return
		}
		w.run(item)
	}
}

// next pops an item, or marks the worker idle when the queue is empty.
func (w *QueueWorker[T]) next() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var zero T
	if len(w.queue) == 0 {
		w.state = Idle
		return zero, false
	}

	var item T
	if w.opts.Order == FIFO {
		item = w.queue[0]
		w.queue[0] = zero
		w.queue = w.queue[1:]
	} else {
		last := len(w.queue) - 1
		item = w.queue[last]
		w.queue[last] = zero
		w.queue = w.queue[:last]
	}
	w.reportDepth()
	return item, true
}

func (w *QueueWorker[T]) run(item T) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Background item panicked", "panic", r)
		}
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
	}()
	w.process(w.ctx, item)
}

func (w *QueueWorker[T]) reportDepth() {
	if w.opts.OnDepth != nil {
		w.opts.OnDepth(len(w.queue))
	}
}

// State returns the current state.
func (w *QueueWorker[T]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns current counters.
func (w *QueueWorker[T]) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Queued:    len(w.queue),
		Processed: w.processed,
		Spawns:    w.spawns,
		State:     w.state,
	}
}

// Close stops accepting items and waits for the queue to drain. When ctx
// ends first the items still queued are discarded and handed to OnDrop, the
// context passed to process is canceled and ctx's error is returned.
func (w *QueueWorker[T]) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	done := w.done
	w.mu.Unlock()

	if done == nil {
		w.cancel()
		return nil
	}

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		dropped := w.queue
		w.queue = nil
		w.reportDepth()
		w.mu.Unlock()
		w.cancel()
		w.logger.Warn("Background worker closed with pending items", "dropped", len(dropped))
		<-done
		if w.opts.OnDrop != nil {
			for _, item := range dropped {
				w.opts.OnDrop(item)
			}
		}
		return ctx.Err()
	}
}
