package gc

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectedPair(t *testing.T) (*testGraph, *CycleSet) {
	g := newTestGraph(t)
	g.add("a", "b")
	g.link("a", "b")
	g.link("b", "a")
	g.drop("a")
	g.drop("b")
	res := g.scan("a")
	require.Len(t, res.Cycles, 1)
	return g, res.Cycles[0]
}

func TestMergeOrderPrefersLargerThenLowerID(t *testing.T) {
	small, big := newCycleSet(), newCycleSet()
	big.members[1] = nil
	big.members[2] = nil
	small.members[3] = nil

	survivor, absorbed := mergeOrder(small, big)
	assert.Same(t, big, survivor)
	assert.Same(t, small, absorbed)

	x, y := newCycleSet(), newCycleSet()
	require.Less(t, x.ID, y.ID)
	survivor, _ = mergeOrder(y, x)
	assert.Same(t, x, survivor, "tie goes to the lower ID")
}

func TestMergeUnionsMembership(t *testing.T) {
	g := newTestGraph(t)
	g.add("a", "b", "c")
	x, y := newCycleSet(), newCycleSet()
	x.members[g.p("a").ID] = g.p("a")
	y.members[g.p("b").ID] = g.p("b")
	y.members[g.p("c").ID] = g.p("c")

	survivor, absorbed := merge(x, y)
	assert.Same(t, y, survivor)
	assert.Same(t, x, absorbed)
	assert.Equal(t, 3, survivor.Len())
	assert.True(t, survivor.Contains(g.p("a")))
}

func TestCanDeletePreCheck(t *testing.T) {
	_, cs := collectedPair(t)

	assert.Equal(t, No, cs.CanDelete(2, 1))
	assert.True(t, cs.Valid(), "a failed pre-check leaves the set alone")

	assert.Equal(t, Yes, cs.CanDelete(1, 1))
	assert.Equal(t, AlreadyInvalid, cs.CanDelete(1, 1))
	assert.Equal(t, AlreadyInvalid, cs.canDeleteAll())
}

func TestCanDeleteRejectsInvalidMember(t *testing.T) {
	g, cs := collectedPair(t)
	members := cs.Members()
	require.Len(t, members, 2)

	// simulate destruction racing in: the member is marked invalid without
	// going through Invalidate, which would also drop the set
	g.p("b").valid.Store(false)
	assert.Equal(t, No, cs.CanDelete(1, 1))
	assert.True(t, cs.Valid())
}

func TestCanDeleteExactlyOneYes(t *testing.T) {
	_, cs := collectedPair(t)

	var yes, invalid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch cs.CanDelete(1, 1) {
			case Yes:
				yes.Add(1)
			case AlreadyInvalid:
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), yes.Load())
	assert.Equal(t, int32(15), invalid.Load())
	assert.Len(t, cs.Members(), 2, "reclaimed members stay readable")
}

func TestInvalidateReportsFirstCaller(t *testing.T) {
	cs := newCycleSet()
	assert.True(t, cs.invalidate())
	assert.False(t, cs.invalidate())
	assert.Nil(t, cs.memberIDs())
	assert.Equal(t, AlreadyInvalid, cs.CanDelete(0, 0))
}

func TestReleasedInvalidSetIsForgotten(t *testing.T) {
	g, cs := collectedPair(t)
	require.Equal(t, int64(1), g.c.Stats().LiveCycleSets)

	// shares are held by both members until they are reassigned
	require.Equal(t, Yes, cs.CanDelete(1, 1))
	assert.Equal(t, int64(1), g.c.Stats().LiveCycleSets)

	for _, m := range cs.Members() {
		m.Invalidate()
	}
	assert.Equal(t, int64(0), g.c.Stats().LiveCycleSets)
	assert.True(t, cs.forgotten.Load())
}

func TestReleaseWithoutSharePanics(t *testing.T) {
	cs := newCycleSet()
	assert.Panics(t, func() { cs.Release() })
}
