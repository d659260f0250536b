package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Looper binds a dedicated goroutine that runs callbacks one at a time at their
// absolute deadline (Thread Affinity). It plays the role of a UI/event thread:
// every callback posted to a Looper runs on the same goroutine, in deadline
// order, ties broken by posting order.
//
// Callbacks may carry a tag; RemoveByTag drops every not-yet-run callback
// posted with that exact tag.
type Looper struct {
	name string

	mu     sync.Mutex
	queue  deadlineQueue[message]
	wakeup chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
	closed  atomic.Bool

	panicHandler PanicHandler
	metrics      Metrics
}

type message struct {
	fn  TaskFunc
	tag any
}

// NewLooper creates and starts a Looper with its dedicated goroutine.
func NewLooper(name string) *Looper {
	return NewLooperWithConfig(name, nil)
}

func NewLooperWithConfig(name string, config *Config) *Looper {
	cfg := config.withDefaults()
	if name == "" {
		name = "looper"
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Looper{
		name:         name,
		wakeup:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		panicHandler: cfg.PanicHandler,
		metrics:      cfg.Metrics,
	}

	go l.loop()
	return l
}

// Name returns the looper name.
func (l *Looper) Name() string {
	return l.name
}

// PostAt queues fn to run at the absolute time at, tagged with tag (may be nil).
func (l *Looper) PostAt(fn TaskFunc, at time.Time, tag any) error {
	if l.closed.Load() {
		return ErrLooperStopped
	}

	l.mu.Lock()
	_, head := l.queue.push(at, message{fn: fn, tag: tag})
	depth := l.queue.len()
	l.mu.Unlock()

	l.metrics.RecordQueueDepth(l.name, depth)
	if head {
		notify(l.wakeup)
	}
	return nil
}

// PostDelayed queues an untagged fn to run after delay.
func (l *Looper) PostDelayed(fn TaskFunc, delay time.Duration) error {
	return l.PostAt(fn, time.Now().Add(delay), nil)
}

// Post queues an untagged fn to run as soon as possible.
func (l *Looper) Post(fn TaskFunc) error {
	return l.PostAt(fn, time.Now(), nil)
}

// RemoveByTag drops every queued callback posted with tag and returns how
// many were dropped. A callback already running is not affected.
func (l *Looper) RemoveByTag(tag any) int {
	if tag == nil {
		return 0
	}

	l.mu.Lock()
	removed := l.queue.removeFunc(func(m message) bool { return m.tag == tag })
	depth := l.queue.len()
	l.mu.Unlock()

	if removed > 0 {
		l.metrics.RecordQueueDepth(l.name, depth)
		notify(l.wakeup)
	}
	return removed
}

// Len returns the number of queued callbacks.
func (l *Looper) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.len()
}

// WaitIdle blocks until every callback already due when WaitIdle is called
// has run. Callbacks scheduled for later are not waited for.
func (l *Looper) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	if err := l.Post(func(context.Context) { close(done) }); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrLooperStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsClosed returns true once Stop has been called.
func (l *Looper) IsClosed() bool {
	return l.closed.Load()
}

// Stop terminates the loop after the running callback (if any) returns and
// drops every queued callback. Calling Stop from a callback running on l
// deadlocks.
func (l *Looper) Stop() {
	l.once.Do(func() {
		l.closed.Store(true)
		l.cancel()
		<-l.stopped

		l.mu.Lock()
		l.queue.reset()
		l.mu.Unlock()
	})
}

func (l *Looper) loop() {
	defer close(l.stopped)

	runCtx := context.WithValue(l.ctx, looperKey, l)
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		m, wait, ok := l.next()
		if ok {
			l.run(runCtx, m)
			continue
		}

		resetTimer(timer, wait)
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		case <-l.wakeup:
		}
	}
}

// next pops the head message when due, or returns how long to wait for it.
func (l *Looper) next() (message, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ctx.Err() != nil {
		return message{}, idleWait, false
	}
	if e, ok := l.queue.popDue(time.Now()); ok {
		return e.value, 0, true
	}
	if head := l.queue.peek(); head != nil {
		return message{}, max(time.Until(head.at), 0), false
	}
	return message{}, idleWait, false
}

func (l *Looper) run(ctx context.Context, m message) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			l.metrics.RecordTaskPanic(l.name, rec)
			l.panicHandler.HandlePanic(ctx, l.name, -1, rec, debug.Stack())
		}
		l.metrics.RecordTaskDuration(l.name, time.Since(start))
	}()
	m.fn(ctx)
}

// =============================================================================
// Context Helper
// =============================================================================

type looperKeyType struct{}

var looperKey looperKeyType

// CurrentLooper returns the Looper running the callback that owns ctx, or nil.
func CurrentLooper(ctx context.Context) *Looper {
	if l, ok := ctx.Value(looperKey).(*Looper); ok {
		return l
	}
	return nil
}

// IsAffinityThread reports whether ctx belongs to a callback running on a Looper.
func IsAffinityThread(ctx context.Context) bool {
	return CurrentLooper(ctx) != nil
}
