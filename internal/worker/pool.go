// Package worker provides the bounded pool verification tasks execute on.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chainproof/verifier/internal/config"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

var (
	poolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verifier_worker_pool_workers",
		Help: "Current number of pool workers",
	})
	poolActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verifier_worker_pool_active_tasks",
		Help: "Tasks currently executing",
	})
	poolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verifier_worker_pool_queue_depth",
		Help: "Tasks waiting for a worker slot",
	})
)

type traceKey struct{}

// WithTraceID installs a trace id as ambient context for a task.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFromContext returns the ambient trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Task is one unit of verification work. The pool re-installs the trace id
// into the task's context so logs emitted on the worker correlate with the
// request that dispatched it.
type Task struct {
	TraceID string
	Run     func(ctx context.Context)
}

// Pool is a bounded parallel worker pool. Worker count floats between
// [MinWorkers, MaxWorkers]; each worker hosts up to ConcurrentTasksPerWorker
// tasks so I/O waits overlap. Idle workers above the minimum retire after
// IdleTimeout.
type Pool struct {
	cfg   config.WorkerPoolConfig
	tasks chan Task

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers int
	closed  bool

	wg sync.WaitGroup
}

// NewPool creates a pool from configuration. Zero min/max workers derive the
// bounds from host parallelism: [0.5 P, 1.5 P].
func NewPool(cfg config.WorkerPoolConfig) *Pool {
	p := runtime.GOMAXPROCS(0)
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = max(1, p/2)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = p + p/2
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ConcurrentTasksPerWorker <= 0 {
		cfg.ConcurrentTasksPerWorker = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		cfg:    cfg,
		tasks:  make(chan Task),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		pool.spawnWorker()
	}
	return pool
}

// Submit enqueues a task. It blocks only while the pool is saturated and no
// new worker can be spawned.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	canGrow := p.workers < p.cfg.MaxWorkers
	p.mu.Unlock()

	poolQueueDepth.Inc()
	defer poolQueueDepth.Dec()

	// Fast path: an idle worker picks it up immediately.
	select {
	case p.tasks <- task:
		return nil
	default:
	}

	if canGrow {
		p.spawnWorker()
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Close destroys the pool: in-flight task contexts are cancelled and workers
// drain. Callers are expected to await their own completion bookkeeping
// afterwards so error records are persisted before process exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) spawnWorker() {
	p.mu.Lock()
	if p.closed || p.workers >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return
	}
	p.workers++
	p.mu.Unlock()
	poolWorkers.Inc()

	p.wg.Add(1)
	go p.worker()
}

// worker hosts up to ConcurrentTasksPerWorker concurrent tasks. It retires
// after IdleTimeout if the pool is above its minimum size.
func (p *Pool) worker() {
	defer p.wg.Done()
	defer poolWorkers.Dec()
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()

	slots := make(chan struct{}, p.cfg.ConcurrentTasksPerWorker)
	var inner sync.WaitGroup
	defer inner.Wait()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		// Block while every slot of this worker is busy.
		select {
		case slots <- struct{}{}:
		case <-p.ctx.Done():
			return
		}

		select {
		case task := <-p.tasks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)

			inner.Add(1)
			go func(t Task) {
				defer inner.Done()
				defer func() { <-slots }()
				poolActiveTasks.Inc()
				defer poolActiveTasks.Dec()

				ctx := WithTraceID(p.ctx, t.TraceID)
				t.Run(ctx)
			}(task)

		case <-idle.C:
			<-slots
			if p.retireAllowed() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-p.ctx.Done():
			<-slots
			return
		}
	}
}

func (p *Pool) retireAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers > p.cfg.MinWorkers
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
