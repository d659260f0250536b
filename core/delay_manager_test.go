package core_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-lane-runner/core"
)

// =============================================================================
// DelayManager Tests
// =============================================================================

func TestDelayManager_BatchProcessing(t *testing.T) {
	dm := core.NewDelayManager()
	defer dm.Stop()

	// Add 100 entries that all expire at approximately the same time
	var executed atomic.Int32
	for range 100 {
		dm.AddDelayedTask(func() { executed.Add(1) }, 50*time.Millisecond)
	}

	assert.Eventually(t, func() bool { return executed.Load() == 100 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, dm.TaskCount())
}

func TestDelayManager_ConcurrentAdd(t *testing.T) {
	dm := core.NewDelayManager()
	defer dm.Stop()

	const numTasks = 100
	var wg sync.WaitGroup
	var executed atomic.Int32

	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			delay := time.Duration(id%10)*10*time.Millisecond + 20*time.Millisecond
			dm.AddDelayedTask(func() { executed.Add(1) }, delay)
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return executed.Load() == numTasks }, 2*time.Second, 5*time.Millisecond)
}

// TestDelayManager_FiresInDeadlineOrder verifies ordering
// Given: Entries added in reverse deadline order
// When: They expire
// Then: They fire earliest deadline first
func TestDelayManager_FiresInDeadlineOrder(t *testing.T) {
	dm := core.NewDelayManager()
	defer dm.Stop()

	var mu sync.Mutex
	var fired []int
	for _, ms := range []int{80, 60, 40, 20} {
		ms := ms
		dm.AddDelayedTask(func() {
			mu.Lock()
			defer mu.Unlock()
			fired = append(fired, ms)
		}, time.Duration(ms)*time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{20, 40, 60, 80}, fired)
}

// TestDelayManager_Remove verifies cancelling an entry before it fires
func TestDelayManager_Remove(t *testing.T) {
	dm := core.NewDelayManager()
	defer dm.Stop()

	var fired atomic.Bool
	item := dm.AddDelayedTask(func() { fired.Store(true) }, 30*time.Millisecond)
	other := dm.AddDelayedTask(func() {}, time.Hour)

	require.Equal(t, 2, dm.TaskCount())
	assert.True(t, dm.Remove(item))
	assert.False(t, dm.Remove(item), "second removal is a no-op")
	assert.False(t, dm.Remove(nil))
	assert.Equal(t, 1, dm.TaskCount())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.True(t, dm.Remove(other))
}

// TestDelayManager_RemoveAfterFire verifies fired entries cannot be removed
func TestDelayManager_RemoveAfterFire(t *testing.T) {
	dm := core.NewDelayManager()
	defer dm.Stop()

	done := make(chan struct{})
	item := dm.AddDelayedTask(func() { close(done) }, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("entry did not fire")
	}
	assert.False(t, dm.Remove(item))
}

func TestDelayManager_AccurateTiming(t *testing.T) {
	dm := core.NewDelayManager()
	defer dm.Stop()

	firedAt := make(chan time.Time, 1)
	start := time.Now()
	dm.AddDelayedTask(func() { firedAt <- time.Now() }, 50*time.Millisecond)

	select {
	case at := <-firedAt:
		elapsed := at.Sub(start)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Less(t, elapsed, 150*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("entry did not fire")
	}
}

// TestDelayManager_StopDropsPending verifies Stop
func TestDelayManager_StopDropsPending(t *testing.T) {
	dm := core.NewDelayManager()

	var fired atomic.Bool
	dm.AddDelayedTask(func() { fired.Store(true) }, 20*time.Millisecond)
	dm.Stop()

	assert.Equal(t, 0, dm.TaskCount())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}
