package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFIFOTaskQueue_FIFO verifies first-in-first-out behavior
// Given: A FIFO queue with 3 closures
// When: Closures are popped from the queue
// Then: They come back in insertion order
func TestFIFOTaskQueue_FIFO(t *testing.T) {
	// Arrange
	q := NewFIFOTaskQueue()
	var order []int
	push := func(i int) {
		q.Push(func(ctx context.Context) { order = append(order, i) })
	}

	// Act
	push(1)
	push(2)
	push(3)

	// Assert
	for !q.IsEmpty() {
		fn, ok := q.Pop()
		require.True(t, ok)
		fn(context.Background())
	}
	assert.Equal(t, []int{1, 2, 3}, order)

	_, ok := q.Pop()
	assert.False(t, ok, "Pop() on empty queue")
}

// TestFIFOTaskQueue_MaybeCompact verifies memory compaction functionality
// Given: A queue that has been emptied after a burst
// When: MaybeCompact is called
// Then: Capacity shrinks and the queue remains functional
func TestFIFOTaskQueue_MaybeCompact(t *testing.T) {
	// Arrange
	q := NewFIFOTaskQueue()
	noop := func(ctx context.Context) {}
	for i := 0; i < 1000; i++ {
		q.Push(noop)
	}
	for i := 0; i < 990; i++ {
		q.Pop()
	}

	// Act
	q.MaybeCompact()

	// Assert
	q.mu.Lock()
	capacity := len(q.ring)
	q.mu.Unlock()
	assert.Less(t, capacity, 1000)
	assert.Equal(t, 10, q.Len())

	q.Push(noop)
	assert.Equal(t, 11, q.Len())
}

// TestFIFOTaskQueue_Clear verifies Clear drops all closures and counts them
func TestFIFOTaskQueue_Clear(t *testing.T) {
	q := NewFIFOTaskQueue()
	for i := 0; i < 5; i++ {
		q.Push(func(ctx context.Context) {})
	}

	dropped := q.Clear()

	assert.Equal(t, 5, dropped)
	assert.True(t, q.IsEmpty())
	_, ok := q.Pop()
	assert.False(t, ok)
}

// TestFIFOTaskQueue_Wraparound verifies order survives growth mid-wrap
// Given: A ring whose head has advanced past the start
// When: Enough closures are pushed to force a resize while wrapped
// Then: Pop still yields insertion order
func TestFIFOTaskQueue_Wraparound(t *testing.T) {
	// Arrange
	q := NewFIFOTaskQueue()
	var order []int
	push := func(i int) {
		q.Push(func(ctx context.Context) { order = append(order, i) })
	}
	for i := 0; i < 10; i++ {
		push(-1)
	}
	for i := 0; i < 10; i++ {
		_, ok := q.Pop()
		require.True(t, ok)
	}

	// Act
	for i := 0; i < 40; i++ {
		push(i)
	}

	// Assert
	require.Equal(t, 40, q.Len())
	for !q.IsEmpty() {
		fn, _ := q.Pop()
		fn(context.Background())
	}
	require.Len(t, order, 40)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}
