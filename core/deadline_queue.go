package core

import (
	"container/heap"
	"time"
)

// deadlineEntry is one value waiting in a deadlineQueue.
type deadlineEntry[T any] struct {
	at    time.Time
	seq   uint64
	value T
	index int // -1 once popped or removed
}

// deadlineQueue orders values by deadline, ties broken by insertion order.
// It is not safe for concurrent use; owners guard it with their own mutex.
type deadlineQueue[T any] struct {
	entries deadlineHeap[T]
	nextSeq uint64
}

// push adds v due at at. head reports whether it became the earliest entry.
func (q *deadlineQueue[T]) push(at time.Time, v T) (e *deadlineEntry[T], head bool) {
	e = &deadlineEntry[T]{at: at, seq: q.nextSeq, value: v}
	q.nextSeq++
	heap.Push(&q.entries, e)
	return e, e.index == 0
}

// peek returns the earliest entry, or nil.
func (q *deadlineQueue[T]) peek() *deadlineEntry[T] {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// popDue removes and returns the earliest entry if its deadline is not after now.
func (q *deadlineQueue[T]) popDue(now time.Time) (*deadlineEntry[T], bool) {
	head := q.peek()
	if head == nil || head.at.After(now) {
		return nil, false
	}
	heap.Pop(&q.entries)
	return head, true
}

// remove drops e if it is still queued.
func (q *deadlineQueue[T]) remove(e *deadlineEntry[T]) bool {
	if e == nil || e.index < 0 || e.index >= len(q.entries) || q.entries[e.index] != e {
		return false
	}
	heap.Remove(&q.entries, e.index)
	return true
}

// removeFunc drops every entry whose value matches and returns the count.
func (q *deadlineQueue[T]) removeFunc(match func(T) bool) int {
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if match(e.value) {
			e.index = -1
			removed++
			continue
		}
		e.index = len(kept)
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	if removed > 0 {
		heap.Init(&q.entries)
	}
	return removed
}

// reset drops everything.
func (q *deadlineQueue[T]) reset() {
	for _, e := range q.entries {
		e.index = -1
	}
	q.entries = nil
}

func (q *deadlineQueue[T]) len() int { return len(q.entries) }

type deadlineHeap[T any] []*deadlineEntry[T]

func (h deadlineHeap[T]) Len() int { return len(h) }
func (h deadlineHeap[T]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h deadlineHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap[T]) Push(x any) {
	e := x.(*deadlineEntry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
