package core

import "errors"

var (
	// ErrUnsupportedCapability is returned when a task asks for a delay but the
	// configured executor cannot schedule delayed work.
	ErrUnsupportedCapability = errors.New("executor does not support delayed scheduling")

	// ErrNonCancellable describes a dispatched task whose executor gave no
	// cancellation handle. It is reported as a diagnostic, never returned.
	ErrNonCancellable = errors.New("task cannot be cancelled: executor returned no future")

	// ErrNilTask is returned when Submit receives a nil task or a task without a body.
	ErrNilTask = errors.New("task is nil")

	// ErrTaskReused is returned when a task is submitted more than once.
	ErrTaskReused = errors.New("task was already submitted")

	// ErrSchedulerClosed is returned when submitting to a closed scheduler.
	ErrSchedulerClosed = errors.New("scheduler is closed")

	// ErrDispatcherClosed is returned when scheduling on a stopped dispatcher.
	ErrDispatcherClosed = errors.New("dispatcher is closed")

	// ErrLooperStopped is returned by Looper operations after Stop.
	ErrLooperStopped = errors.New("looper is stopped")
)
