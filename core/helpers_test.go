package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Swind/go-lane-runner/core"
)

type manualJob struct {
	fn     core.TaskFunc
	delay  time.Duration
	future *core.BasicFuture
}

// manualExecutor records submitted closures and runs them only when the test
// calls RunNext, so lane handoffs can be observed step by step.
type manualExecutor struct {
	mu   sync.Mutex
	jobs []*manualJob
}

func (e *manualExecutor) Post(fn core.TaskFunc) {
	e.add(&manualJob{fn: fn})
}

func (e *manualExecutor) Submit(fn core.TaskFunc) core.Future {
	f := core.NewBasicFuture()
	e.add(&manualJob{fn: fn, future: f})
	return f
}

func (e *manualExecutor) SubmitDelayed(fn core.TaskFunc, delay time.Duration) core.Future {
	f := core.NewBasicFuture()
	e.add(&manualJob{fn: fn, delay: delay, future: f})
	return f
}

func (e *manualExecutor) add(j *manualJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, j)
}

func (e *manualExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *manualExecutor) Job(i int) *manualJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[i]
}

// RunNext pops the oldest closure and runs it on the calling goroutine,
// honoring its future. Returns false when nothing is queued.
func (e *manualExecutor) RunNext(ctx context.Context) bool {
	e.mu.Lock()
	if len(e.jobs) == 0 {
		e.mu.Unlock()
		return false
	}
	j := e.jobs[0]
	e.jobs = e.jobs[1:]
	e.mu.Unlock()

	if j.future == nil {
		j.fn(ctx)
		return true
	}
	runCtx, ok := j.future.Begin(ctx)
	if !ok {
		return true
	}
	defer j.future.Finish()
	j.fn(runCtx)
	return true
}

// RunAll drains the executor, including closures queued while draining.
func (e *manualExecutor) RunAll(ctx context.Context) int {
	n := 0
	for e.RunNext(ctx) {
		n++
	}
	return n
}

// postOnlyExecutor hides every capability but Post.
type postOnlyExecutor struct {
	inner *manualExecutor
}

func (e *postOnlyExecutor) Post(fn core.TaskFunc) { e.inner.Post(fn) }

// cancellableOnlyExecutor supports Submit but not SubmitDelayed.
type cancellableOnlyExecutor struct {
	inner *manualExecutor
}

func (e *cancellableOnlyExecutor) Post(fn core.TaskFunc)              { e.inner.Post(fn) }
func (e *cancellableOnlyExecutor) Submit(fn core.TaskFunc) core.Future { return e.inner.Submit(fn) }

// rejectingExecutor hands back an already cancelled future, like a pool
// that has been shut down.
type rejectingExecutor struct {
	posted int
}

func (e *rejectingExecutor) Post(fn core.TaskFunc) { e.posted++ }
func (e *rejectingExecutor) Submit(fn core.TaskFunc) core.Future {
	e.posted++
	return core.NewCancelledFuture()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietConfig() *core.Config {
	return &core.Config{Logger: core.NewNoOpLogger()}
}

func newTestScheduler(executor core.Executor, clock *fakeClock) *core.LaneScheduler {
	cfg := quietConfig()
	if clock != nil {
		cfg.Now = clock.Now
	}
	return core.NewLaneSchedulerWithConfig("test", executor, cfg)
}

// recorder collects labels from task bodies in execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(label string) core.TaskFunc {
	return func(ctx context.Context) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, label)
	}
}

func (r *recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// inlineExecutor runs every closure on the submitting goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Post(fn core.TaskFunc) { fn(context.Background()) }

// holdFirstExecutor keeps the first closure for the test to run and runs
// every later one inline.
type holdFirstExecutor struct {
	mu   sync.Mutex
	held core.TaskFunc
}

func (e *holdFirstExecutor) Post(fn core.TaskFunc) {
	e.mu.Lock()
	if e.held == nil {
		e.held = fn
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn(context.Background())
}

func (e *holdFirstExecutor) RunHeld() {
	e.mu.Lock()
	fn := e.held
	e.mu.Unlock()
	fn(context.Background())
}

// within fails the test if fn does not return before the timeout.
func within(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("call did not return")
	}
}

// cancelCounter counts RecordTaskCancelled calls by outcome.
type cancelCounter struct {
	core.NilMetrics
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *cancelCounter) RecordTaskCancelled(name string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

func (m *cancelCounter) Count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}
