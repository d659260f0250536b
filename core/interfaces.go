package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// =============================================================================
// Executor: worker pool contract consumed by LaneScheduler
// =============================================================================

// Executor runs closures on some set of goroutines, fire-and-forget.
// Running fn inline on the caller's goroutine is allowed.
type Executor interface {
	Post(fn TaskFunc)
}

// CancellableExecutor can hand back a Future for an immediate submission.
type CancellableExecutor interface {
	Executor
	Submit(fn TaskFunc) Future
}

// DelayedExecutor can run a closure after a delay.
type DelayedExecutor interface {
	Executor
	SubmitDelayed(fn TaskFunc, delay time.Duration) Future
}

// Future is the cancellation handle of one executor submission.
type Future interface {
	// Cancel prevents the closure from starting. When the closure is already
	// running and mayInterrupt is true, its context is cancelled.
	// Returns true if the closure will not start because of this call.
	Cancel(mayInterrupt bool) bool

	IsCancelled() bool
	IsDone() bool

	// Done is closed when the closure finished or was cancelled before starting.
	Done() <-chan struct{}
}

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// It is the process-wide channel for failures that escape a task body.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task (carries the lane, if any)
	// - runnerName: The pool or looper where the panic occurred
	// - workerID: The worker ID (-1 for the affinity looper)
	// - panicInfo: The recovered value
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through the global zerolog logger.
type DefaultPanicHandler struct{}

// HandlePanic logs the panic at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	log.Error().
		Str("runner", runnerName).
		Int("worker", workerID).
		Str("lane", CurrentLane(ctx)).
		Interface("panic", panicInfo).
		Bytes("stack", stackTrace).
		Msg("Task panicked")
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Methods should be non-blocking and fast to avoid impacting task execution.
//
// name is the runner label: a lane for LaneScheduler tasks, a pool ID or a
// looper name otherwise.
type Metrics interface {
	// RecordTaskDuration records how long a task body took to execute.
	RecordTaskDuration(name string, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(name string, panicInfo any)

	// RecordQueueDepth records the current number of pending tasks.
	RecordQueueDepth(name string, depth int)

	// RecordTaskRejected records that a task was rejected (e.g., during shutdown).
	RecordTaskRejected(name string, reason string)

	// RecordTaskCancelled records a cancellation outcome
	// ("removed", "interrupted", "non_cancellable").
	RecordTaskCancelled(name string, outcome string)
}

// NilMetrics provides a no-op metrics implementation.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(name string, duration time.Duration) {}
func (m *NilMetrics) RecordTaskPanic(name string, panicInfo any)             {}
func (m *NilMetrics) RecordQueueDepth(name string, depth int)                {}
func (m *NilMetrics) RecordTaskRejected(name string, reason string)          {}
func (m *NilMetrics) RecordTaskCancelled(name string, outcome string)        {}

// ExecutionObserver is told about every task that reached a terminal state.
//
// ObserveExecution may be called with the scheduler lock held; it must not
// block or call back into the scheduler.
type ExecutionObserver interface {
	ObserveExecution(record TaskExecutionRecord)
}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a closure is rejected, typically because
// the pool is shutting down.
type RejectedTaskHandler interface {
	HandleRejectedTask(runnerName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at warn level.
type DefaultRejectedTaskHandler struct{}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(runnerName string, reason string) {
	log.Warn().Str("runner", runnerName).Str("reason", reason).Msg("Task rejected")
}

// =============================================================================
// Config
// =============================================================================

// Config holds the collaborators shared by pools, schedulers and loopers.
// All fields are optional; nil fields fall back to defaults.
type Config struct {
	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics records execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger receives diagnostics. Defaults to a ZerologLogger on the global logger.
	Logger Logger

	// Now is the clock used for delay bookkeeping. Defaults to time.Now.
	Now func() time.Time

	// HistoryCapacity bounds the execution history ring. Defaults to 100.
	HistoryCapacity int

	// Observers receive every terminal TaskExecutionRecord of a LaneScheduler.
	Observers []ExecutionObserver
}

// DefaultConfig returns a config with default handlers.
func DefaultConfig() *Config {
	return &Config{
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
		Logger:              NewZerologLogger(log.Logger),
		Now:                 time.Now,
		HistoryCapacity:     defaultTaskHistoryCapacity,
	}
}

// withDefaults returns a copy of c with nil fields filled in.
func (c *Config) withDefaults() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	if c.PanicHandler != nil {
		out.PanicHandler = c.PanicHandler
	}
	if c.Metrics != nil {
		out.Metrics = c.Metrics
	}
	if c.RejectedTaskHandler != nil {
		out.RejectedTaskHandler = c.RejectedTaskHandler
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	if c.Now != nil {
		out.Now = c.Now
	}
	if c.HistoryCapacity > 0 {
		out.HistoryCapacity = c.HistoryCapacity
	}
	out.Observers = append([]ExecutionObserver(nil), c.Observers...)
	return out
}

// Resolved returns a copy of c with defaults applied, for packages that build
// their own runners on top of core.
func (c *Config) Resolved() Config {
	return c.withDefaults()
}
