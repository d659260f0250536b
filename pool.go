package lanerunner

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-lane-runner/core"
)

// GoroutinePool manages a set of worker goroutines pulling closures from a
// shared FIFO WorkSource. It implements core.Executor,
// core.CancellableExecutor and core.DelayedExecutor.
type GoroutinePool struct {
	id        string
	workers   int
	source    *core.WorkSource
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

var (
	_ core.CancellableExecutor = (*GoroutinePool)(nil)
	_ core.DelayedExecutor     = (*GoroutinePool)(nil)
)

// DefaultWorkerCount sizes a pool relative to the available parallelism.
func DefaultWorkerCount() int {
	return 2 * runtime.NumCPU()
}

// NewGoroutinePool creates a new GoroutinePool with default handlers
func NewGoroutinePool(id string, workers int) *GoroutinePool {
	return NewGoroutinePoolWithConfig(id, workers, nil)
}

// NewGoroutinePoolWithConfig creates a pool with custom panic, metrics and
// rejection handlers. workers <= 0 means DefaultWorkerCount.
func NewGoroutinePoolWithConfig(id string, workers int, config *core.Config) *GoroutinePool {
	if workers <= 0 {
		workers = DefaultWorkerCount()
	}
	return &GoroutinePool{
		id:      id,
		workers: workers,
		source:  core.NewWorkSource(id, workers, config),
	}
}

// Start starts all worker goroutines
func (p *GoroutinePool) Start(ctx context.Context) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return // Already running
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i, p.ctx)
	}
}

// Stop stops the pool without waiting for queued closures.
// Closures still queued or delayed are dropped.
func (p *GoroutinePool) Stop() {
	// Always shutdown the source to release queued and delayed closures,
	// even if the pool was never started
	p.source.Shutdown()

	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.runningMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.Join()

	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()
}

// StopGraceful stops the pool after queued closures complete.
// Returns error if timeout is exceeded before they do.
func (p *GoroutinePool) StopGraceful(timeout time.Duration) error {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		p.source.Shutdown()
		return nil
	}
	p.runningMu.Unlock()

	err := p.source.ShutdownGraceful(timeout)

	if p.cancel != nil {
		p.cancel()
	}
	p.Join()

	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()

	return err
}

// ID returns the ID of the pool
func (p *GoroutinePool) ID() string {
	return p.id
}

// IsRunning returns whether the pool is running
func (p *GoroutinePool) IsRunning() bool {
	p.runningMu.RLock()
	defer p.runningMu.RUnlock()
	return p.running
}

// Post queues fn without a cancellation handle.
func (p *GoroutinePool) Post(fn core.TaskFunc) {
	p.source.PostInternal(fn)
}

// Submit queues fn and returns its Future. A rejected submission returns an
// already cancelled Future.
func (p *GoroutinePool) Submit(fn core.TaskFunc) core.Future {
	f := core.NewBasicFuture()
	if !p.source.PostInternal(futureJob(f, fn)) {
		return core.NewCancelledFuture()
	}
	return f
}

// SubmitDelayed queues fn once delay elapsed and returns its Future.
// Cancelling the Future before it fires drops the delayed entry.
func (p *GoroutinePool) SubmitDelayed(fn core.TaskFunc, delay time.Duration) core.Future {
	f := core.NewBasicFuture()
	item := p.source.PostDelayedInternal(futureJob(f, fn), delay)
	if item == nil {
		return core.NewCancelledFuture()
	}
	f.SetOnCancel(func() { p.source.CancelDelayed(item) })
	return f
}

func futureJob(f *core.BasicFuture, fn core.TaskFunc) core.TaskFunc {
	return func(ctx context.Context) {
		runCtx, ok := f.Begin(ctx)
		if !ok {
			return // cancelled before start
		}
		defer f.Finish()
		fn(runCtx)
	}
}

// workerLoop is the main loop for each worker
func (p *GoroutinePool) workerLoop(id int, ctx context.Context) {
	defer p.wg.Done()
	stopCh := ctx.Done()

	panicHandler := p.source.GetPanicHandler()
	metrics := p.source.GetMetrics()

	for {
		fn, ok := p.source.GetWork(stopCh)
		if !ok {
			// WorkSource closed or context canceled
			return
		}

		p.source.OnTaskStart()

		func() {
			start := time.Now()
			defer func() {
				p.source.OnTaskEnd()
				metrics.RecordTaskDuration(p.id, time.Since(start))
				if r := recover(); r != nil {
					metrics.RecordTaskPanic(p.id, r)
					panicHandler.HandlePanic(ctx, p.id, id, r, debug.Stack())
				}
			}()
			fn(ctx)
		}()
	}
}

// Join waits for all worker goroutines to finish
func (p *GoroutinePool) Join() {
	p.wg.Wait()
}

// WorkerCount returns the number of workers
func (p *GoroutinePool) WorkerCount() int {
	return p.workers
}

func (p *GoroutinePool) QueuedTaskCount() int {
	return p.source.QueuedTaskCount()
}

func (p *GoroutinePool) ActiveTaskCount() int {
	return p.source.ActiveTaskCount()
}

func (p *GoroutinePool) DelayedTaskCount() int {
	return p.source.DelayedTaskCount()
}

// Stats returns a snapshot of the pool state.
func (p *GoroutinePool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:       p.id,
		Workers:  p.workers,
		Queued:   p.source.QueuedTaskCount(),
		Active:   p.source.ActiveTaskCount(),
		Delayed:  p.source.DelayedTaskCount(),
		Rejected: p.source.RejectedTaskCount(),
		Running:  p.IsRunning(),
	}
}
