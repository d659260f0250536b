package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// LaneScheduler dispatches Tasks to an Executor while keeping two guarantees
// the executor knows nothing about:
//
//   - tasks sharing a lane run one at a time, in submission order;
//   - tasks sharing an id can be cancelled together with CancelAll.
//
// Every task carrying an id or a lane lives in an insertion-ordered registry
// until it completes. Submit, the completion hook and CancelAll mutate the
// registry under one mutex, so a lane handoff can never interleave with a new
// arrival on the same lane.
//
// A completion that finds the mutex taken is queued and run by the holder
// before it releases the mutex. This lets executors run closures inline on
// the submitting goroutine; such a body must not call back into the scheduler.
type LaneScheduler struct {
	name     string
	executor Executor

	mu       sync.Mutex
	registry registry
	closed   bool

	finishMu  sync.Mutex
	finishing []*Task // completions waiting for mu

	logger    Logger
	metrics   Metrics
	now       func() time.Time
	history   *executionHistory
	observers []ExecutionObserver

	completed atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64
}

// CancelReport is the result of LaneScheduler.CancelAll.
type CancelReport struct {
	// Removed counts tasks that were waiting for their lane and never dispatched.
	Removed int
	// Cancelled counts dispatched tasks whose body will never start.
	Cancelled int
	// Interrupted counts running tasks whose context was cancelled.
	Interrupted int
	// NonCancellable counts dispatched tasks the executor gave no future for;
	// they run to completion.
	NonCancellable int
}

// Total returns the number of tasks CancelAll matched.
func (r CancelReport) Total() int {
	return r.Removed + r.Cancelled + r.Interrupted + r.NonCancellable
}

// SchedulerStats is a point-in-time view of a LaneScheduler.
type SchedulerStats struct {
	Name       string
	Pending    int
	Queued     int
	Dispatched int
	BusyLanes  []string
	Completed  int64
	Cancelled  int64
	Rejected   int64
	Closed     bool
}

func NewLaneScheduler(executor Executor) *LaneScheduler {
	return NewLaneSchedulerWithConfig("lane-scheduler", executor, nil)
}

func NewLaneSchedulerWithConfig(name string, executor Executor, config *Config) *LaneScheduler {
	cfg := config.withDefaults()
	if name == "" {
		name = "lane-scheduler"
	}
	return &LaneScheduler{
		name:      name,
		executor:  executor,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		history:   newExecutionHistory(cfg.HistoryCapacity),
		observers: cfg.Observers,
	}
}

// Name returns the scheduler name used in logs and metrics.
func (s *LaneScheduler) Name() string {
	return s.name
}

// SubmitFunc builds a Task from its parts and submits it.
func (s *LaneScheduler) SubmitFunc(id string, delay time.Duration, lane string, fn TaskFunc) (*Task, error) {
	t := NewTask(id, delay, lane, fn)
	if err := s.Submit(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Submit hands t to the executor, or parks it behind the task currently
// holding its lane.
//
// A delayed task is rejected with ErrUnsupportedCapability when the executor is
// not a DelayedExecutor, even if it would first wait for its lane.
func (s *LaneScheduler) Submit(t *Task) error {
	if t == nil || t.fn == nil {
		return ErrNilTask
	}
	if t.delay > 0 {
		if _, ok := s.executor.(DelayedExecutor); !ok {
			return fmt.Errorf("submit task %q: %w", t.id, ErrUnsupportedCapability)
		}
	}

	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		s.rejected.Add(1)
		s.metrics.RecordTaskRejected(s.label(t), "closed")
		return ErrSchedulerClosed
	}
	if !t.transition(TaskStateCreated, TaskStateQueued) {
		return ErrTaskReused
	}

	now := s.now()
	t.submittedAt = now
	if t.delay > 0 {
		t.targetTime = now.Add(t.delay)
	}

	s.submitLocked(t)
	return nil
}

// submitLocked dispatches t when its lane is free and registers it when it
// carries an id or a lane. s.mu must be held.
func (s *LaneScheduler) submitLocked(t *Task) {
	if t.lane == "" || !s.registry.laneBusy(t.lane) {
		// Lane exclusion is based on "asked to run", not "confirmed running".
		t.executionAsked = true
		t.setState(TaskStateDispatched)
		t.future = s.dispatch(t)
		s.logger.Debug("Task dispatched",
			F("scheduler", s.name), F("id", t.id), F("lane", t.lane), F("delay", t.remainingDelay))
	} else {
		t.setState(TaskStateQueued)
		s.logger.Debug("Task waiting for lane",
			F("scheduler", s.name), F("id", t.id), F("lane", t.lane))
	}

	// An inline executor may already have finished t.
	if t.tracked() && !t.State().IsTerminal() {
		s.registry.add(t)
	}

	// A pool that refuses the closure hands back a cancelled future.
	if t.future != nil && t.future.IsCancelled() && t.transition(TaskStateDispatched, TaskStateCancelled) {
		s.rejected.Add(1)
		s.metrics.RecordTaskRejected(s.label(t), "executor_rejected")
		s.logger.Warn("Executor rejected task", F("scheduler", s.name), F("id", t.id), F("lane", t.lane))
		s.record(t, TaskStateCancelled, time.Time{}, s.now(), false)
		s.completeLocked(t)
	}

	s.metrics.RecordQueueDepth(s.name, s.registry.len())
}

// dispatch picks the richest executor capability available for t.
func (s *LaneScheduler) dispatch(t *Task) Future {
	run := func(ctx context.Context) { s.runTask(ctx, t) }

	if t.remainingDelay > 0 {
		// Submit already checked the capability; remainingDelay only shrinks.
		return s.executor.(DelayedExecutor).SubmitDelayed(run, t.remainingDelay)
	}
	if c, ok := s.executor.(CancellableExecutor); ok {
		return c.Submit(run)
	}
	s.executor.Post(run)
	return nil
}

// runTask is the closure the executor runs. A panic in the body propagates to
// the executor's panic handler after the completion hook ran.
func (s *LaneScheduler) runTask(ctx context.Context, t *Task) {
	if !t.transition(TaskStateDispatched, TaskStateRunning) {
		return // cancelled before it started
	}

	startedAt := s.now()
	panicked := true
	defer func() {
		t.setState(TaskStateCompleted)
		finishedAt := s.now()
		s.completed.Add(1)
		s.metrics.RecordTaskDuration(s.label(t), finishedAt.Sub(startedAt))
		s.record(t, TaskStateCompleted, startedAt, finishedAt, panicked)
		s.complete(t)
	}()

	t.fn(WithLane(ctx, t.lane))
	panicked = false
}

func (s *LaneScheduler) complete(t *Task) {
	if !t.tracked() {
		t.markDone()
		return
	}

	s.finishMu.Lock()
	s.finishing = append(s.finishing, t)
	s.finishMu.Unlock()

	// Whoever holds mu drains the queue before releasing it.
	if s.mu.TryLock() {
		s.unlock()
	}
}

// unlock runs queued completions and releases mu. A completion queued right
// after the release is picked up by retaking mu, unless someone else already
// holds it and will drain in turn.
func (s *LaneScheduler) unlock() {
	for {
		for t := s.nextFinishing(); t != nil; t = s.nextFinishing() {
			s.completeLocked(t)
		}
		s.mu.Unlock()

		if !s.hasFinishing() || !s.mu.TryLock() {
			return
		}
	}
}

func (s *LaneScheduler) nextFinishing() *Task {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()

	if len(s.finishing) == 0 {
		return nil
	}
	t := s.finishing[0]
	s.finishing[0] = nil
	s.finishing = s.finishing[1:]
	return t
}

func (s *LaneScheduler) hasFinishing() bool {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	return len(s.finishing) > 0
}

// completeLocked is the completion hook: it drops t from the registry and
// hands its lane to the first waiting task of that lane. It runs exactly once
// per task, guarded by the state transition that led to a terminal state.
func (s *LaneScheduler) completeLocked(t *Task) {
	t.markDone()
	if !t.tracked() {
		return
	}

	s.registry.remove(t)
	if t.lane == "" {
		return
	}

	next := s.registry.take(t.lane)
	if next == nil {
		return
	}

	// Honor the successor's delay as measured from its own submission.
	if next.delay != 0 {
		next.remainingDelay = max(0, next.targetTime.Sub(s.now()))
	}
	s.logger.Debug("Lane handoff",
		F("scheduler", s.name), F("lane", t.lane), F("from", t.id), F("to", next.id), F("delay", next.remainingDelay))
	s.submitLocked(next)
}

// CancelAll cancels every pending or running task carrying id.
//
// Tasks still waiting for their lane are dropped. Dispatched tasks have their
// future cancelled (interrupting the body if mayInterrupt) and, unless the body
// already started, their completion hook runs right away so the lane moves on.
// Tasks dispatched without a future cannot be stopped: they are reported as
// NonCancellable and run to completion.
//
// Unknown ids and repeated calls are no-ops.
func (s *LaneScheduler) CancelAll(id string, mayInterrupt bool) CancelReport {
	var report CancelReport
	if id == "" {
		return report
	}

	s.mu.Lock()
	defer s.unlock()

	// Newest first, so waiting successors are dropped before an older task
	// with the same id hands its lane over to them.
	for _, t := range s.registry.matchingReverse(id) {
		if !s.registry.contains(t) {
			continue
		}

		switch {
		case t.future != nil:
			t.future.Cancel(mayInterrupt)
			if t.transition(TaskStateDispatched, TaskStateCancelled) {
				report.Cancelled++
				s.cancelled.Add(1)
				s.metrics.RecordTaskCancelled(s.label(t), "cancelled")
				s.record(t, TaskStateCancelled, time.Time{}, s.now(), false)
				s.completeLocked(t)
			} else if mayInterrupt && t.State() == TaskStateRunning {
				report.Interrupted++
				s.metrics.RecordTaskCancelled(s.label(t), "interrupted")
			}

		case t.executionAsked:
			report.NonCancellable++
			s.metrics.RecordTaskCancelled(s.label(t), "non_cancellable")
			s.logger.Warn("Task cannot be cancelled",
				F("scheduler", s.name), F("id", t.id), F("lane", t.lane), F("error", ErrNonCancellable))

		default:
			s.registry.remove(t)
			t.setState(TaskStateCancelled)
			report.Removed++
			s.cancelled.Add(1)
			s.metrics.RecordTaskCancelled(s.label(t), "removed")
			s.record(t, TaskStateCancelled, time.Time{}, s.now(), false)
			t.markDone()
		}
	}

	if report.Total() > 0 {
		s.logger.Debug("Cancelled tasks",
			F("scheduler", s.name), F("id", id),
			F("removed", report.Removed), F("cancelled", report.Cancelled),
			F("interrupted", report.Interrupted), F("non_cancellable", report.NonCancellable))
	}
	s.metrics.RecordQueueDepth(s.name, s.registry.len())
	return report
}

// Close stops accepting tasks and drops every task still waiting for its lane.
// Dispatched tasks are left to finish.
func (s *LaneScheduler) Close() {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return
	}
	s.closed = true

	kept := s.registry.clear()
	dropped := 0
	for _, t := range kept {
		if t.transition(TaskStateQueued, TaskStateCancelled) {
			dropped++
			s.cancelled.Add(1)
			s.metrics.RecordTaskCancelled(s.label(t), "closed")
			s.record(t, TaskStateCancelled, time.Time{}, s.now(), false)
			t.markDone()
			continue
		}
		s.registry.add(t)
	}

	s.logger.Info("Lane scheduler closed", F("scheduler", s.name), F("dropped", dropped))
	s.metrics.RecordQueueDepth(s.name, s.registry.len())
}

// IsClosed returns true once Close has been called.
func (s *LaneScheduler) IsClosed() bool {
	s.mu.Lock()
	defer s.unlock()
	return s.closed
}

// Pending returns the number of registered tasks (waiting or dispatched).
func (s *LaneScheduler) Pending() int {
	s.mu.Lock()
	defer s.unlock()
	return s.registry.len()
}

// Stats returns a snapshot of the scheduler state.
func (s *LaneScheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.unlock()

	stats := SchedulerStats{
		Name:      s.name,
		Pending:   s.registry.len(),
		Completed: s.completed.Load(),
		Cancelled: s.cancelled.Load(),
		Rejected:  s.rejected.Load(),
		Closed:    s.closed,
	}
	for _, t := range s.registry.tasks {
		if t.executionAsked {
			stats.Dispatched++
			if t.lane != "" {
				stats.BusyLanes = append(stats.BusyLanes, t.lane)
			}
		} else {
			stats.Queued++
		}
	}
	return stats
}

// RecentExecutions returns up to limit terminal task records, newest first.
func (s *LaneScheduler) RecentExecutions(limit int) []TaskExecutionRecord {
	return s.history.Recent(limit)
}

// LaneExecutions returns up to limit terminal records of one lane, newest first.
func (s *LaneScheduler) LaneExecutions(lane string, limit int) []TaskExecutionRecord {
	return s.history.Matching(limit, func(r TaskExecutionRecord) bool { return r.Lane == lane })
}

// TaskExecutions returns up to limit terminal records carrying id, newest first.
func (s *LaneScheduler) TaskExecutions(id string, limit int) []TaskExecutionRecord {
	return s.history.Matching(limit, func(r TaskExecutionRecord) bool { return r.TaskID == id })
}

// LastExecution returns the most recent terminal task record.
func (s *LaneScheduler) LastExecution() (TaskExecutionRecord, bool) {
	return s.history.Last()
}

func (s *LaneScheduler) record(t *Task, state TaskState, startedAt, finishedAt time.Time, panicked bool) {
	rec := TaskExecutionRecord{
		RunID:       NewRunID(),
		TaskID:      t.id,
		Name:        t.name,
		Lane:        t.lane,
		State:       state,
		SubmittedAt: t.submittedAt,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Panicked:    panicked,
	}
	if !startedAt.IsZero() {
		rec.Duration = finishedAt.Sub(startedAt)
	}
	s.history.Add(rec)
	for _, o := range s.observers {
		o.ObserveExecution(rec)
	}
}

func (s *LaneScheduler) label(t *Task) string {
	if t.lane != "" {
		return t.lane
	}
	return s.name
}
