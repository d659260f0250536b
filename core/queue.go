package core

import (
	"sync"
)

const (
	minRingSize = 16
	shrinkBelow = 256 // rings at or below this size are never shrunk
)

// TaskQueue is the ready queue of a worker pool.
type TaskQueue interface {
	Push(fn TaskFunc)
	Pop() (TaskFunc, bool)
	Len() int
	IsEmpty() bool
	MaybeCompact()
	// Clear drops every queued closure and returns how many were dropped.
	Clear() int
}

// FIFOTaskQueue is a mutex-guarded ring buffer. It doubles when full and
// halves once a drained burst leaves it at most a quarter used.
type FIFOTaskQueue struct {
	mu    sync.Mutex
	ring  []TaskFunc
	head  int
	count int
}

func NewFIFOTaskQueue() *FIFOTaskQueue {
	return &FIFOTaskQueue{ring: make([]TaskFunc, minRingSize)}
}

func (q *FIFOTaskQueue) Push(fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.ring) {
		q.resizeLocked(len(q.ring) * 2)
	}
	q.ring[(q.head+q.count)%len(q.ring)] = fn
	q.count++
}

func (q *FIFOTaskQueue) Pop() (TaskFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}

	fn := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.maybeShrinkLocked()

	return fn, true
}

func (q *FIFOTaskQueue) MaybeCompact() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maybeShrinkLocked()
}

func (q *FIFOTaskQueue) maybeShrinkLocked() {
	size := len(q.ring)
	if size <= shrinkBelow || q.count*4 > size {
		return
	}
	q.resizeLocked(max(size/2, minRingSize))
}

// resizeLocked copies the live window to a fresh ring starting at index 0.
func (q *FIFOTaskQueue) resizeLocked(size int) {
	next := make([]TaskFunc, size)
	for i := 0; i < q.count; i++ {
		next[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = next
	q.head = 0
}

func (q *FIFOTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *FIFOTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *FIFOTaskQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.count
	q.ring = make([]TaskFunc, minRingSize)
	q.head = 0
	q.count = 0
	return dropped
}
