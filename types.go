package lanerunner

import "github.com/Swind/go-lane-runner/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the lanerunner package for most use cases.

// Task is the unit of deferred work
type Task = core.Task

// TaskFunc is the body of a Task
type TaskFunc = core.TaskFunc

// TaskState is the lifecycle state of a Task
type TaskState = core.TaskState

// LaneScheduler serializes tasks per lane and cancels them by id
type LaneScheduler = core.LaneScheduler

// AffinityDispatcher runs callbacks on one dedicated goroutine, cancellable by id
type AffinityDispatcher = core.AffinityDispatcher

// Looper is the dedicated goroutine behind an AffinityDispatcher
type Looper = core.Looper

// CancelReport is returned by LaneScheduler.CancelAll
type CancelReport = core.CancelReport

// Executor capabilities discovered by the LaneScheduler
type (
	Executor            = core.Executor
	CancellableExecutor = core.CancellableExecutor
	DelayedExecutor     = core.DelayedExecutor
	Future              = core.Future
)

// Config carries the handlers shared by pools, schedulers and loopers
type Config = core.Config

// TaskWithResult and ReplyWithResult for the generic SubmitAndReply pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

var (
	NewTask          = core.NewTask
	CurrentLane      = core.CurrentLane
	IsAffinityThread = core.IsAffinityThread
)

// NewLaneScheduler creates a LaneScheduler dispatching to executor.
func NewLaneScheduler(executor Executor) *LaneScheduler {
	return core.NewLaneScheduler(executor)
}

// NewAffinityDispatcher creates a dispatcher with its own Looper.
func NewAffinityDispatcher(name string) *AffinityDispatcher {
	return core.NewAffinityDispatcher(name)
}
