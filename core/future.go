package core

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	futurePending int32 = iota
	futureRunning
	futureDone
	futureCancelled
)

// BasicFuture is the Future handed out by GoroutinePool.
// Executors call Begin before running the closure and Finish afterwards.
type BasicFuture struct {
	state atomic.Int32

	mu                 sync.Mutex
	interrupt          context.CancelFunc
	interruptRequested bool

	done     chan struct{}
	doneOnce sync.Once

	// onCancel runs once when the future is cancelled before starting,
	// e.g. to drop a delayed entry.
	onCancel func()
}

var _ Future = (*BasicFuture)(nil)

func NewBasicFuture() *BasicFuture {
	return &BasicFuture{done: make(chan struct{})}
}

// NewCancelledFuture returns a future that is already cancelled.
// Executors return it for rejected submissions.
func NewCancelledFuture() *BasicFuture {
	f := NewBasicFuture()
	f.state.Store(futureCancelled)
	f.closeDone()
	return f
}

// SetOnCancel registers the hook run when Cancel wins against Begin.
// Must be called before the future is published.
func (f *BasicFuture) SetOnCancel(fn func()) {
	f.onCancel = fn
}

// Begin moves the future to running and returns the context the closure must
// use. ok is false when the future was cancelled first.
func (f *BasicFuture) Begin(parent context.Context) (ctx context.Context, ok bool) {
	if !f.state.CompareAndSwap(futurePending, futureRunning) {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)

	f.mu.Lock()
	f.interrupt = cancel
	if f.interruptRequested {
		cancel()
	}
	f.mu.Unlock()
	return ctx, true
}

// Finish marks the closure as returned.
func (f *BasicFuture) Finish() {
	f.state.Store(futureDone)

	f.mu.Lock()
	if f.interrupt != nil {
		f.interrupt()
	}
	f.mu.Unlock()

	f.closeDone()
}

func (f *BasicFuture) Cancel(mayInterrupt bool) bool {
	if f.state.CompareAndSwap(futurePending, futureCancelled) {
		if f.onCancel != nil {
			f.onCancel()
		}
		f.closeDone()
		return true
	}

	if mayInterrupt && f.state.Load() == futureRunning {
		f.mu.Lock()
		f.interruptRequested = true
		if f.interrupt != nil {
			f.interrupt()
		}
		f.mu.Unlock()
	}
	return false
}

// IsCancelled reports whether the future was cancelled before starting or
// interrupted while running.
func (f *BasicFuture) IsCancelled() bool {
	if f.state.Load() == futureCancelled {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interruptRequested
}

func (f *BasicFuture) IsDone() bool {
	s := f.state.Load()
	return s == futureDone || s == futureCancelled
}

func (f *BasicFuture) Done() <-chan struct{} {
	return f.done
}

func (f *BasicFuture) closeDone() {
	f.doneOnce.Do(func() { close(f.done) })
}
