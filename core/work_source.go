package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// WorkSource is the ready queue shared by the workers of a pool, plus the
// delay manager feeding it.
type WorkSource struct {
	name        string
	queue       TaskQueue
	signal      chan struct{}
	workerCount int

	delayManager *DelayManager

	metricQueued int32 // Waiting in ReadyQueue
	metricActive int32 // Executing in Worker
	rejected     atomic.Int64

	// Handlers and Metrics
	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	// Lifecycle
	shuttingDown int32 // atomic flag
}

func NewWorkSource(name string, workerCount int, config *Config) *WorkSource {
	cfg := config.withDefaults()
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkSource{
		name:                name,
		queue:               NewFIFOTaskQueue(),
		signal:              make(chan struct{}, workerCount*2),
		workerCount:         workerCount,
		delayManager:        NewDelayManager(),
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
	}
}

// PostInternal queues fn for the next free worker.
// Returns false if the source is shutting down.
func (s *WorkSource) PostInternal(fn TaskFunc) bool {
	if s.IsShuttingDown() {
		s.reject("shutting down")
		return false
	}

	s.queue.Push(fn)
	depth := atomic.AddInt32(&s.metricQueued, 1)
	s.metrics.RecordQueueDepth(s.name, int(depth))

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
	}
	return true
}

// PostDelayedInternal queues fn once delay elapsed. The returned entry can be
// passed to CancelDelayed. Returns nil if the source is shutting down.
func (s *WorkSource) PostDelayedInternal(fn TaskFunc, delay time.Duration) *DelayedTask {
	if s.IsShuttingDown() {
		s.reject("shutting down")
		return nil
	}
	return s.delayManager.AddDelayedTask(func() { s.PostInternal(fn) }, delay)
}

// CancelDelayed drops a delayed entry that has not fired yet.
func (s *WorkSource) CancelDelayed(item *DelayedTask) bool {
	return s.delayManager.Remove(item)
}

// GetWork (Called by Worker)
func (s *WorkSource) GetWork(stopCh <-chan struct{}) (TaskFunc, bool) {
	for {
		if fn, ok := s.queue.Pop(); ok {
			atomic.AddInt32(&s.metricQueued, -1) // Metric-- (Left Queue)
			return fn, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

func (s *WorkSource) Shutdown() {
	// 1. Mark as shutting down to stop accepting new tasks
	atomic.StoreInt32(&s.shuttingDown, 1)

	// 2. Stop DelayManager (no more new tasks generated)
	s.delayManager.Stop()

	// 3. Clear queue to release all task references
	s.dropQueued()
}

// ShutdownGraceful waits for all queued and active tasks to complete.
// Delayed tasks that have not fired are dropped.
// Returns error if timeout is exceeded before tasks complete.
func (s *WorkSource) ShutdownGraceful(timeout time.Duration) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.delayManager.Stop()

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			s.dropQueued()
			return fmt.Errorf("shutdown graceful timeout after %v, forced clearing", timeout)
		case <-ticker.C:
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

// dropQueued clears the ready queue. Workers may pop concurrently, so the
// counter is reduced by what was actually dropped.
func (s *WorkSource) dropQueued() {
	if n := s.queue.Clear(); n > 0 {
		atomic.AddInt32(&s.metricQueued, -int32(n))
	}
}

func (s *WorkSource) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

func (s *WorkSource) reject(reason string) {
	s.rejected.Add(1)
	s.rejectedTaskHandler.HandleRejectedTask(s.name, reason)
	s.metrics.RecordTaskRejected(s.name, reason)
}

// Metrics
func (s *WorkSource) WorkerCount() int         { return s.workerCount }
func (s *WorkSource) QueuedTaskCount() int     { return int(atomic.LoadInt32(&s.metricQueued)) }
func (s *WorkSource) ActiveTaskCount() int     { return int(atomic.LoadInt32(&s.metricActive)) }
func (s *WorkSource) DelayedTaskCount() int    { return s.delayManager.TaskCount() }
func (s *WorkSource) RejectedTaskCount() int64 { return s.rejected.Load() }

func (s *WorkSource) OnTaskStart() {
	atomic.AddInt32(&s.metricActive, 1)
}

func (s *WorkSource) OnTaskEnd() {
	atomic.AddInt32(&s.metricActive, -1)
}

// GetPanicHandler returns the panic handler for this source
func (s *WorkSource) GetPanicHandler() PanicHandler {
	return s.panicHandler
}

// GetMetrics returns the metrics collector for this source
func (s *WorkSource) GetMetrics() Metrics {
	return s.metrics
}
