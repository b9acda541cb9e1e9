package heap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeReleaseFreesOwned(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	scope := h.NewScope(nil)
	v := scope.Adopt(h.NewStr("x"))
	assert.Equal(t, 1, scope.Len())

	scope.Close(ctx)
	assert.True(t, v.Destroyed())
	assert.Equal(t, 0, scope.Len())

	// closing twice is harmless
	scope.Close(ctx)
}

func TestScopeCollectsTriangleCycle(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	scope := h.NewScope(nil)
	a := scope.Adopt(h.NewHash())
	b := scope.Adopt(h.NewHash())
	c := scope.Adopt(h.NewHash())
	require.NoError(t, a.Set(ctx, "next", b))
	require.NoError(t, b.Set(ctx, "next", c))
	require.NoError(t, c.Set(ctx, "next", a))

	scope.Close(ctx)
	for _, v := range []*Value{a, b, c} {
		assert.True(t, v.Destroyed())
	}
	assert.Equal(t, int64(0), h.Live())
}

func TestNestedScopeKeepsSharedValue(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	outer := h.NewScope(nil)
	shared := outer.Adopt(h.NewHash())

	inner := h.NewScope(outer)
	assert.Same(t, outer, inner.Parent())
	local := inner.Adopt(h.NewHash())
	inner.Own(shared)
	require.NoError(t, local.Set(ctx, "shared", shared))
	require.NoError(t, shared.Set(ctx, "local", local))

	inner.Close(ctx)
	assert.False(t, local.Destroyed(), "reachable from a value the outer scope holds")
	assert.False(t, shared.Destroyed())

	outer.Close(ctx)
	assert.True(t, local.Destroyed())
	assert.True(t, shared.Destroyed())
	assert.Equal(t, int64(0), h.Live())
}

func TestAdoptIntoClosedScopePanics(t *testing.T) {
	h := newTestHeap(t)
	scope := h.NewScope(nil)
	scope.Close(context.Background())

	v := h.NewInt(1)
	assert.Panics(t, func() { scope.Adopt(v) })
	h.Release(context.Background(), v)
}
