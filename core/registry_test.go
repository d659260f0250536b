package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryTask(id, lane string, asked bool) *Task {
	t := NewTask(id, 0, lane, func(ctx context.Context) {})
	t.executionAsked = asked
	return t
}

// TestRegistry_TakeFirstOfLane verifies handoff order
// Given: A registry holding tasks of several lanes
// When: take is called for one lane
// Then: The earliest registered task of that lane is removed and returned
func TestRegistry_TakeFirstOfLane(t *testing.T) {
	var r registry
	head := newRegistryTask("a", "L", true)
	other := newRegistryTask("b", "M", false)
	first := newRegistryTask("c", "L", false)
	second := newRegistryTask("d", "L", false)
	for _, task := range []*Task{head, other, first, second} {
		r.add(task)
	}

	require.True(t, r.remove(head))
	assert.Same(t, first, r.take("L"))
	assert.Same(t, second, r.take("L"))
	assert.Nil(t, r.take("L"))
	assert.Equal(t, 1, r.len())
}

func TestRegistry_LaneBusy(t *testing.T) {
	var r registry
	r.add(newRegistryTask("", "L", false))
	assert.False(t, r.laneBusy("L"), "waiting tasks do not hold the lane")

	r.add(newRegistryTask("", "L", true))
	assert.True(t, r.laneBusy("L"))
	assert.False(t, r.laneBusy("M"))
}

func TestRegistry_MatchingReverse(t *testing.T) {
	var r registry
	a := newRegistryTask("x", "", true)
	b := newRegistryTask("y", "", true)
	c := newRegistryTask("x", "L", false)
	r.add(a)
	r.add(b)
	r.add(c)

	assert.Equal(t, []*Task{c, a}, r.matchingReverse("x"))
	assert.Empty(t, r.matchingReverse("z"))
	assert.False(t, r.remove(newRegistryTask("x", "", false)))
	assert.True(t, r.contains(b))
}
