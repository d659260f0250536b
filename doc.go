// Package lanerunner provides deferred task execution with per-lane
// serialization and cancellation by id, plus a single-goroutine affinity
// dispatcher for work that must run on one designated thread.
//
// # Quick Start
//
// Create a pool and a scheduler on top of it:
//
//	pool := lanerunner.NewGoroutinePool("workers", 4)
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	scheduler := lanerunner.NewLaneScheduler(pool)
//	scheduler.Submit(lanerunner.NewTask("load", 0, "disk", func(ctx context.Context) {
//		// runs alone on lane "disk"
//	}))
//
// # Key Concepts
//
// Lane: tasks sharing a non-empty lane never overlap and run in submission
// order. Tasks with no lane run with whatever parallelism the pool offers.
//
// Id: tasks sharing a non-empty id can be cancelled together with
// LaneScheduler.CancelAll. Waiting tasks are dropped, dispatched ones have
// their Future cancelled and running ones can be interrupted through their
// context.
//
// Delay: a task's delay is measured from its submission. A task that waits for
// its lane only sleeps for whatever is left of its delay once the lane frees up.
//
// Affinity: AffinityDispatcher posts callbacks to a Looper, one dedicated
// goroutine. Callbacks scheduled under an id can be cancelled together; ones
// scheduled after a CancelAll are unaffected.
//
// # Example
//
//	import (
//		"context"
//		lanerunner "github.com/Swind/go-lane-runner"
//		"github.com/Swind/go-lane-runner/core"
//	)
//
//	func main() {
//		pool := lanerunner.NewGoroutinePool("workers", 4)
//		pool.Start(context.Background())
//		defer pool.Stop()
//
//		scheduler := lanerunner.NewLaneScheduler(pool)
//		ui := lanerunner.NewAffinityDispatcher("ui")
//		defer ui.Close()
//
//		core.SubmitAndReply(scheduler, ui,
//			core.TaskSpec{ID: "thumbs", Lane: "decoder"},
//			func(ctx context.Context) (int, error) { return 42, nil },
//			core.ReplySpec{ID: "thumbs"},
//			func(ctx context.Context, n int, err error) {
//				println("on ui thread:", n)
//			},
//		)
//	}
package lanerunner
