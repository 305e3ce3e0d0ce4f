// Package workers provides the fixed-size worker pool that runs scan
// requests in camwatch. It supports bounded job queuing, rate limiting,
// graceful shutdown, and integrates with the structured logging and metrics
// systems.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
	"github.com/anstrom/camwatch/internal/scanning"
)

const component = "worker pool"

// Handler processes one request on a worker goroutine.
type Handler func(ctx context.Context, req scanning.ScanRequest)

// PanicHandler is told about a request whose handler panicked.
type PanicHandler func(req scanning.ScanRequest, recovered any)

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of requests that can be queued.
	QueueSize int
	// ShutdownTimeout bounds Shutdown when the caller's context has no deadline.
	ShutdownTimeout time.Duration
	// RateLimit is the maximum number of requests started per second (0 = no limit).
	RateLimit float64
	// Burst is the token bucket size used with RateLimit.
	Burst int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            8,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Queued    int
	InFlight  int64
	Completed uint64
	Rejected  uint64
	Panics    uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler installs a hook for recovered handler panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(p *Pool) {
		p.onPanic = h
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// Pool runs scan requests on a fixed set of goroutines.
type Pool struct {
	config  Config
	handler Handler
	onPanic PanicHandler
	jobs    chan scanning.ScanRequest
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics

	// ctx is handed to handlers. It is only canceled when a shutdown times out.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	wg        sync.WaitGroup
	startOnce sync.Once
	shutdown  atomic.Bool

	inFlight  atomic.Int64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

// New creates a new worker pool. Zero fields in config take defaults.
func New(config Config, handler Handler, opts ...Option) *Pool {
	def := DefaultConfig()
	if config.Size <= 0 {
		config.Size = def.Size
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		config:  config,
		handler: handler,
		jobs:    make(chan scanning.ScanRequest, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(pool)
	}
	if pool.logger == nil {
		pool.logger = logging.Default().WithComponent("workers")
	}
	if pool.metrics == nil {
		pool.metrics = metrics.Default()
	}
	return pool
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

// Submit queues a request. It never blocks: it fails with POOL_CLOSED after
// Shutdown and with QUEUE_FULL when the queue is saturated.
func (p *Pool) Submit(req scanning.ScanRequest) error {
	// the read lock keeps Shutdown from closing jobs mid-send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shutdown.Load() {
		p.reject("closed")
		return errors.ErrPoolClosed(component)
	}

	select {
	case p.jobs <- req:
		p.metrics.SetPoolQueued(len(p.jobs))
		p.logger.Debug("Request submitted to worker pool",
			"request_id", req.ID,
			"target", req.Target)
		return nil
	default:
		p.reject("full")
		return errors.ErrQueueFull(component)
	}
}

func (p *Pool) reject(reason string) {
	p.rejected.Add(1)
	p.metrics.PoolRejected(reason)
}

// Shutdown stops accepting requests and waits for the queued ones to finish.
// If ctx ends first, in-flight handlers see their context canceled and the
// context error is returned once the workers exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.shutdown.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	close(p.jobs)
	p.mu.Unlock()

	// a pool that never started still has to drain
	p.Start()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ShutdownTimeout)
		defer cancel()
	}

	p.logger.Info("Shutting down worker pool", "queued", len(p.jobs))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool shutdown completed", "completed", p.completed.Load())
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timeout, canceling in-flight requests")
		p.cancel()
		<-done
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.config.Size,
		Queued:    len(p.jobs),
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", "worker_id", id)
	defer p.logger.Debug("Worker stopped", "worker_id", id)

	for req := range p.jobs {
		p.metrics.SetPoolQueued(len(p.jobs))
		if p.limiter != nil {
			// a canceled pool context skips pacing but still runs the request
			_ = p.limiter.Wait(p.ctx)
		}
		p.execute(id, req)
	}
}

func (p *Pool) execute(id int, req scanning.ScanRequest) {
	p.inFlight.Add(1)
	p.metrics.PoolJobStarted()
	defer func() {
		p.inFlight.Add(-1)
		p.completed.Add(1)
		p.metrics.PoolJobFinished()

		if r := recover(); r != nil {
			p.panics.Add(1)
			p.metrics.PoolPanic()
			p.logger.Error("Worker recovered from handler panic",
				"worker_id", id,
				"request_id", req.ID,
				"target", req.Target,
				"panic", r)
			if p.onPanic != nil {
				p.onPanic(req, r)
			}
		}
	}()

	p.handler(p.ctx, req)
}
