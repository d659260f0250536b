package core

import (
	"context"
	"fmt"
	"time"
)

// TaskWithResult is a task body that produces a result.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the result of a TaskWithResult on the affinity looper.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// TaskSpec describes the Task SubmitAndReply builds.
type TaskSpec struct {
	ID    string
	Delay time.Duration
	Lane  string
	Name  string
}

// ReplySpec describes where and under which id the reply is delivered.
type ReplySpec struct {
	// ID tags the reply on the dispatcher so it can be cancelled with
	// AffinityDispatcher.CancelAll. Empty means untracked.
	ID string

	// Delay postpones the reply after the task finished.
	Delay time.Duration
}

// SubmitAndReply runs task on the LaneScheduler as described by spec and
// then schedules reply on the dispatcher's looper with the task's result.
//
// A panic in task is converted into an error for the reply and then re-raised
// so it still reaches the executor's panic handler. If the task is cancelled
// before running, the reply is never scheduled.
//
// Example:
//
//	SubmitAndReply(scheduler, ui, TaskSpec{ID: "thumbs", Lane: "decoder"},
//	    func(ctx context.Context) ([]Frame, error) {
//	        return extractFrames(ctx)
//	    },
//	    ReplySpec{ID: "thumbs"},
//	    func(ctx context.Context, frames []Frame, err error) {
//	        timeline.SetFrames(frames)
//	    },
//	)
func SubmitAndReply[T any](
	scheduler *LaneScheduler,
	dispatcher *AffinityDispatcher,
	spec TaskSpec,
	task TaskWithResult[T],
	replySpec ReplySpec,
	reply ReplyWithResult[T],
) (*Task, error) {
	if task == nil || reply == nil {
		return nil, ErrNilTask
	}

	// The result is written by the task body and read by the reply; the
	// dispatcher post happens after the write on the same goroutine.
	var result T
	var err error

	t := NewTask(spec.ID, spec.Delay, spec.Lane, func(ctx context.Context) {
		deliver := func() {
			r, e := result, err
			if schedErr := dispatcher.Schedule(replySpec.ID, func(ctx context.Context) {
				reply(ctx, r, e)
			}, replySpec.Delay); schedErr != nil {
				scheduler.logger.Warn("Reply dropped",
					F("id", spec.ID), F("lane", spec.Lane), F("error", schedErr))
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task panicked: %v", rec)
				deliver()
				panic(rec)
			}
		}()

		result, err = task(ctx)
		deliver()
	}).WithName(spec.Name)

	if err := scheduler.Submit(t); err != nil {
		return nil, err
	}
	return t, nil
}
