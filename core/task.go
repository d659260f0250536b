package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskFunc is the body of a unit of work (Closure).
// The context carries the lane the task runs under and is cancelled when
// the task is interrupted.
type TaskFunc func(ctx context.Context)

// =============================================================================
// TaskState: lifecycle of a Task inside a LaneScheduler
// =============================================================================

type TaskState int32

const (
	// TaskStateCreated: built but never submitted
	TaskStateCreated TaskState = iota

	// TaskStateQueued: registered, waiting for its lane to become free
	TaskStateQueued

	// TaskStateDispatched: handed to the worker pool, body not started yet
	TaskStateDispatched

	// TaskStateRunning: body is executing
	TaskStateRunning

	// TaskStateCompleted: body returned (or panicked)
	TaskStateCompleted

	// TaskStateCancelled: removed before running, or cancelled after dispatch
	TaskStateCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskStateCreated:
		return "created"
	case TaskStateQueued:
		return "queued"
	case TaskStateDispatched:
		return "dispatched"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateCancelled
}

// =============================================================================
// Task
// =============================================================================

// Task is a unit of deferred work submitted to a LaneScheduler.
//
// Tasks sharing a non-empty id can be cancelled together with CancelAll.
// Tasks sharing a non-empty lane run one at a time, in submission order.
// A Task is single-use: it can be submitted once.
type Task struct {
	id    string
	lane  string
	name  string
	fn    TaskFunc
	delay time.Duration

	// Guarded by the owning scheduler's mutex.
	remainingDelay time.Duration
	targetTime     time.Time
	executionAsked bool
	future         Future
	submittedAt    time.Time

	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
}

// NewTask creates a task with an optional id, an initial delay and an optional lane.
// A negative delay is treated as zero.
func NewTask(id string, delay time.Duration, lane string, fn TaskFunc) *Task {
	t := &Task{
		id:   id,
		lane: lane,
		fn:   fn,
		done: make(chan struct{}),
	}
	if delay > 0 {
		t.delay = delay
		t.remainingDelay = delay
	}
	return t
}

// WithName sets a human readable name used in logs and execution history.
func (t *Task) WithName(name string) *Task {
	t.name = name
	return t
}

func (t *Task) ID() string           { return t.id }
func (t *Task) Lane() string         { return t.lane }
func (t *Task) Name() string         { return t.name }
func (t *Task) Delay() time.Duration { return t.delay }

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Done returns a channel closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// tracked reports whether the task has to live in the pending registry.
func (t *Task) tracked() bool {
	return t.id != "" || t.lane != ""
}

func (t *Task) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *Task) transition(from, to TaskState) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

func (t *Task) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// =============================================================================
// Context Helper
// =============================================================================

type laneKeyType struct{}

var laneKey laneKeyType

// WithLane returns a context that reports lane from CurrentLane.
func WithLane(ctx context.Context, lane string) context.Context {
	return context.WithValue(ctx, laneKey, lane)
}

// CurrentLane returns the lane of the task whose body is running with ctx,
// or "" when the task has no lane.
func CurrentLane(ctx context.Context) string {
	if v, ok := ctx.Value(laneKey).(string); ok {
		return v
	}
	return ""
}
