package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainproof/verifier/internal/config"
)

func testPoolConfig() config.WorkerPoolConfig {
	return config.WorkerPoolConfig{
		MinWorkers:               2,
		MaxWorkers:               4,
		IdleTimeout:              50 * time.Millisecond,
		ConcurrentTasksPerWorker: 2,
	}
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(testPoolConfig())
	defer p.Close()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := p.Submit(Task{
			TraceID: "trace-1",
			Run: func(ctx context.Context) {
				defer wg.Done()
				ran.Add(1)
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(20), ran.Load())
}

func TestPoolPropagatesTraceID(t *testing.T) {
	p := NewPool(testPoolConfig())
	defer p.Close()

	got := make(chan string, 1)
	err := p.Submit(Task{
		TraceID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Run: func(ctx context.Context) {
			got <- TraceIDFromContext(ctx)
		},
	})
	require.NoError(t, err)

	select {
	case traceID := <-got:
		assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", traceID)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	cfg := testPoolConfig()
	p := NewPool(cfg)
	defer p.Close()

	limit := cfg.MaxWorkers * cfg.ConcurrentTasksPerWorker

	var active, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	submit := func() {
		defer wg.Done()
		_ = p.Submit(Task{Run: func(ctx context.Context) {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			active.Add(-1)
		}})
	}

	// More submitters than capacity; the excess must block in Submit.
	for i := 0; i < limit*2; i++ {
		wg.Add(1)
		go submit()
	}

	assert.Eventually(t, func() bool {
		return active.Load() == int32(limit)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(limit), peak.Load())

	close(release)
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestPoolGrowsAndRetiresWorkers(t *testing.T) {
	cfg := testPoolConfig()
	p := NewPool(cfg)
	defer p.Close()

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxWorkers*cfg.ConcurrentTasksPerWorker; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Submit(Task{Run: func(ctx context.Context) { <-release }})
		}()
	}

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.workers == cfg.MaxWorkers
	}, time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	// Idle workers above the minimum retire after the idle timeout.
	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.workers == cfg.MinWorkers
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := NewPool(testPoolConfig())
	p.Close()

	err := p.Submit(Task{Run: func(ctx context.Context) {}})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolCloseCancelsTaskContexts(t *testing.T) {
	p := NewPool(testPoolConfig())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	err := p.Submit(Task{Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}})
	require.NoError(t, err)

	<-started
	p.Close()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled on close")
	}
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	p := NewPool(testPoolConfig())
	p.Close()
	p.Close()
}
