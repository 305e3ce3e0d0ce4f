package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
	"github.com/anstrom/camwatch/internal/scanning"
)

// recorder is a Handler that counts executions and can block until released.
type recorder struct {
	mu       sync.Mutex
	targets  []string
	executed int32
	delay    time.Duration
	gate     chan struct{}
}

func (r *recorder) handle(ctx context.Context, req scanning.ScanRequest) {
	if r.gate != nil {
		<-r.gate
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}
	atomic.AddInt32(&r.executed, 1)
	r.mu.Lock()
	r.targets = append(r.targets, req.Target)
	r.mu.Unlock()
}

func (r *recorder) count() int32 {
	return atomic.LoadInt32(&r.executed)
}

func request(t *testing.T, i int) scanning.ScanRequest {
	t.Helper()
	req, err := scanning.NewScanRequest(fmt.Sprintf("10.0.0.%d", i))
	require.NoError(t, err)
	return req
}

func newTestPool(config Config, h Handler, opts ...Option) *Pool {
	opts = append([]Option{
		WithLogger(logging.NewDiscard()),
		WithMetrics(metrics.New()),
	}, opts...)
	return New(config, h, opts...)
}

func TestNewPool(t *testing.T) {
	t.Run("creates pool with valid configuration", func(t *testing.T) {
		config := Config{
			Size:            5,
			QueueSize:       100,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       10,
			Burst:           2,
		}

		pool := newTestPool(config, func(context.Context, scanning.ScanRequest) {})

		assert.NotNil(t, pool)
		assert.Equal(t, config.QueueSize, cap(pool.jobs))
		assert.NotNil(t, pool.limiter)
		assert.Equal(t, 2, pool.limiter.Burst())
	})

	t.Run("creates pool with default values", func(t *testing.T) {
		pool := newTestPool(Config{}, func(context.Context, scanning.ScanRequest) {})

		assert.Equal(t, 8, pool.config.Size)
		assert.Equal(t, 256, cap(pool.jobs))
		assert.Nil(t, pool.limiter)
	})
}

func TestSubmission(t *testing.T) {
	t.Run("submits and executes requests", func(t *testing.T) {
		rec := &recorder{}
		pool := newTestPool(Config{Size: 2, QueueSize: 10}, rec.handle)
		pool.Start()

		for i := 0; i < 5; i++ {
			require.NoError(t, pool.Submit(request(t, i)))
		}
		require.NoError(t, pool.Shutdown(context.Background()))

		assert.Equal(t, int32(5), rec.count())
		assert.Equal(t, uint64(5), pool.Stats().Completed)
	})

	t.Run("returns POOL_CLOSED after shutdown", func(t *testing.T) {
		pool := newTestPool(Config{Size: 1, QueueSize: 1}, func(context.Context, scanning.ScanRequest) {})
		pool.Start()
		require.NoError(t, pool.Shutdown(context.Background()))

		err := pool.Submit(request(t, 1))
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodePoolClosed))
		assert.Equal(t, uint64(1), pool.Stats().Rejected)
	})

	t.Run("returns QUEUE_FULL without blocking", func(t *testing.T) {
		rec := &recorder{gate: make(chan struct{})}
		pool := newTestPool(Config{Size: 1, QueueSize: 2}, rec.handle)
		pool.Start()

		// one in flight plus two queued saturates the pool
		require.NoError(t, pool.Submit(request(t, 0)))
		require.Eventually(t, func() bool { return pool.Stats().InFlight == 1 }, time.Second, time.Millisecond)
		require.NoError(t, pool.Submit(request(t, 1)))
		require.NoError(t, pool.Submit(request(t, 2)))

		start := time.Now()
		err := pool.Submit(request(t, 3))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeQueueFull))

		close(rec.gate)
		require.NoError(t, pool.Shutdown(context.Background()))
		assert.Equal(t, int32(3), rec.count())
	})
}

func TestConcurrentProcessing(t *testing.T) {
	t.Run("processes requests in parallel", func(t *testing.T) {
		var current, peak int32
		handler := func(context.Context, scanning.ScanRequest) {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
		}
		pool := newTestPool(Config{Size: 4, QueueSize: 20}, handler)
		pool.Start()

		for i := 0; i < 12; i++ {
			require.NoError(t, pool.Submit(request(t, i)))
		}
		require.NoError(t, pool.Shutdown(context.Background()))

		assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
		assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
	})

	t.Run("concurrent submitters", func(t *testing.T) {
		rec := &recorder{}
		pool := newTestPool(Config{Size: 4, QueueSize: 1000}, rec.handle)
		pool.Start()

		var wg sync.WaitGroup
		for g := 0; g < 10; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					assert.NoError(t, pool.Submit(request(t, g)))
				}
			}(g)
		}
		wg.Wait()
		require.NoError(t, pool.Shutdown(context.Background()))
		assert.Equal(t, int32(200), rec.count())
	})
}

func TestPanicRecovery(t *testing.T) {
	var mu sync.Mutex
	var recovered []string
	var ran int32

	handler := func(_ context.Context, req scanning.ScanRequest) {
		if req.Target == "http://10.0.0.1" {
			panic("boom")
		}
		atomic.AddInt32(&ran, 1)
	}
	pool := newTestPool(Config{Size: 1, QueueSize: 10}, handler,
		WithPanicHandler(func(req scanning.ScanRequest, r any) {
			mu.Lock()
			recovered = append(recovered, fmt.Sprintf("%s:%v", req.Target, r))
			mu.Unlock()
		}))
	pool.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(request(t, i)))
	}
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, []string{"http://10.0.0.1:boom"}, recovered)
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))
	assert.Equal(t, uint64(1), pool.Stats().Panics)
	assert.Equal(t, uint64(3), pool.Stats().Completed)
}

func TestGracefulShutdown(t *testing.T) {
	t.Run("drains queued requests", func(t *testing.T) {
		rec := &recorder{delay: 10 * time.Millisecond}
		pool := newTestPool(Config{Size: 1, QueueSize: 10}, rec.handle)
		pool.Start()

		for i := 0; i < 5; i++ {
			require.NoError(t, pool.Submit(request(t, i)))
		}
		require.NoError(t, pool.Shutdown(context.Background()))
		assert.Equal(t, int32(5), rec.count())
	})

	t.Run("respects shutdown context", func(t *testing.T) {
		rec := &recorder{delay: 5 * time.Second}
		pool := newTestPool(Config{Size: 1, QueueSize: 10}, rec.handle)
		pool.Start()
		require.NoError(t, pool.Submit(request(t, 1)))
		require.Eventually(t, func() bool { return pool.Stats().InFlight == 1 }, time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := pool.Shutdown(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		pool := newTestPool(Config{Size: 1}, func(context.Context, scanning.ScanRequest) {})
		pool.Start()
		require.NoError(t, pool.Shutdown(context.Background()))
		require.NoError(t, pool.Shutdown(context.Background()))
	})

	t.Run("unstarted pool drains on shutdown", func(t *testing.T) {
		rec := &recorder{}
		pool := newTestPool(Config{Size: 1, QueueSize: 4}, rec.handle)
		require.NoError(t, pool.Submit(request(t, 1)))
		require.NoError(t, pool.Shutdown(context.Background()))
		assert.Equal(t, int32(1), rec.count())
	})
}

func TestRateLimit(t *testing.T) {
	rec := &recorder{}
	pool := newTestPool(Config{Size: 4, QueueSize: 10, RateLimit: 20, Burst: 1}, rec.handle)
	pool.Start()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(request(t, i)))
	}
	require.NoError(t, pool.Shutdown(context.Background()))

	// five starts at 20/s with a burst of one need at least 200ms
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.Equal(t, int32(5), rec.count())
}
