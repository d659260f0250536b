package core

import (
	"context"
	"sync"
	"time"
)

// DelayedTask is a handle to a closure waiting inside a DelayManager.
type DelayedTask = deadlineEntry[func()]

// idleWait is how long timer loops sleep when nothing is queued.
const idleWait = 1000 * time.Hour

// DelayManager fires closures at their deadline from a single timer goroutine.
// Fire callbacks run outside the manager's lock and must not block.
type DelayManager struct {
	mu     sync.Mutex
	queue  deadlineQueue[func()]
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDelayManager() *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	go dm.loop()
	return dm
}

// AddDelayedTask schedules fire to run after delay and returns the entry,
// which can be passed to Remove.
func (dm *DelayManager) AddDelayedTask(fire func(), delay time.Duration) *DelayedTask {
	return dm.AddAt(fire, time.Now().Add(delay))
}

// AddAt schedules fire to run at runAt.
func (dm *DelayManager) AddAt(fire func(), runAt time.Time) *DelayedTask {
	dm.mu.Lock()
	item, head := dm.queue.push(runAt, fire)
	dm.mu.Unlock()

	if head {
		notify(dm.wakeup)
	}
	return item
}

// Remove drops an entry that has not fired yet. Returns false if it already
// fired or was removed.
func (dm *DelayManager) Remove(item *DelayedTask) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.queue.remove(item)
}

func (dm *DelayManager) loop() {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := dm.takeDue(time.Now())
		for _, fire := range due {
			fire()
		}

		resetTimer(timer, wait)
		select {
		case <-dm.ctx.Done():
			return
		case <-timer.C:
		case <-dm.wakeup:
		}
	}
}

// takeDue pops every expired closure and reports how long until the next one.
func (dm *DelayManager) takeDue(now time.Time) ([]func(), time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var due []func()
	for {
		e, ok := dm.queue.popDue(now)
		if !ok {
			break
		}
		due = append(due, e.value)
	}

	head := dm.queue.peek()
	if head == nil {
		return due, idleWait
	}
	return due, max(time.Until(head.at), 0)
}

// Stop terminates the timer goroutine and drops every pending entry.
func (dm *DelayManager) Stop() {
	dm.cancel()

	dm.mu.Lock()
	dm.queue.reset()
	dm.mu.Unlock()
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.queue.len()
}

// notify performs a non-blocking send on a wakeup channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// resetTimer rearms t for d, draining a stale fire first.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
