package heap

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclegc/pkg/config"
	"cyclegc/pkg/gc"
)

func newTestHeap(t *testing.T, opts ...Option) *Heap {
	t.Helper()
	cfg := config.Default()
	cfg.Collector.AssertInvariants = true
	cfg.Collector.RetryJitter = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(gc.New(cfg, gc.WithLogger(logger)), opts...)
}

type destroyLog struct {
	mu    sync.Mutex
	names []string
}

func (l *destroyLog) hook(v *Value) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, v.DiagnosticName())
}

func (l *destroyLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

func TestLeafFreedByRefcount(t *testing.T) {
	var log destroyLog
	h := newTestHeap(t, WithDestroyHook(log.hook))
	ctx := context.Background()

	n := h.NewInt(7)
	assert.Equal(t, int64(1), h.Live())
	assert.Equal(t, "7", n.String())

	h.Retain(n)
	h.Release(ctx, n)
	assert.False(t, n.Destroyed())

	h.Release(ctx, n)
	assert.True(t, n.Destroyed())
	assert.Equal(t, int64(0), h.Live())
	assert.Equal(t, 1, log.count())
}

func TestAcyclicChainCascades(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	list := h.NewList()
	s := h.NewStr("x")
	require.NoError(t, list.Append(s))
	h.Release(ctx, s)
	assert.False(t, s.Destroyed(), "the list still holds it")

	h.Release(ctx, list)
	assert.True(t, list.Destroyed())
	assert.True(t, s.Destroyed())
	assert.Equal(t, int64(0), h.Live())
}

func TestTwoCycleCollectedOnLastRelease(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	a, b := h.NewHash(), h.NewHash()
	require.NoError(t, a.Set(ctx, "peer", b))
	require.NoError(t, b.Set(ctx, "peer", a))

	h.Release(ctx, a)
	assert.False(t, a.Destroyed(), "b is still externally held and reaches a")
	assert.False(t, b.Destroyed())
	require.NotNil(t, a.Participant().Cycle())

	h.Release(ctx, b)
	assert.True(t, a.Destroyed())
	assert.True(t, b.Destroyed())
	assert.Equal(t, int64(0), h.Live())
	assert.Equal(t, int64(1), h.Stats().CyclesDestroyed)
	assert.Empty(t, h.Collector().Violations())
}

func TestObjectSelfCycleWithLeaves(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	obj := h.NewObject("Node")
	name := h.NewStr("root")
	require.NoError(t, obj.SetMember(ctx, "self", obj))
	require.NoError(t, obj.SetMember(ctx, "name", name))
	h.Release(ctx, name)

	got, ok := obj.Member("name")
	require.True(t, ok)
	assert.Same(t, name, got)

	h.Release(ctx, obj)
	assert.True(t, obj.Destroyed())
	assert.True(t, name.Destroyed())
	assert.Equal(t, int64(0), h.Live())
}

func TestClosureCapturingItsEnvironment(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	env := h.NewHash()
	fn := h.NewClosure("counter", env)
	require.NoError(t, env.Set(ctx, "counter", fn))
	require.NoError(t, fn.Capture(h.Retain(env)))
	h.Release(ctx, env)
	h.Release(ctx, env)

	assert.Equal(t, 2, fn.Len())
	assert.False(t, fn.Destroyed())

	h.Release(ctx, fn)
	assert.True(t, fn.Destroyed())
	assert.True(t, env.Destroyed())
	assert.Equal(t, "closure:counter", fn.DiagnosticName())
}

func TestMergedCyclesCollectedTogether(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	a, b, c, d := h.NewHash(), h.NewHash(), h.NewHash(), h.NewHash()
	require.NoError(t, a.Set(ctx, "b", b))
	require.NoError(t, b.Set(ctx, "a", a))
	require.NoError(t, c.Set(ctx, "d", d))
	require.NoError(t, d.Set(ctx, "c", c))

	h.Release(ctx, a)
	h.Release(ctx, b)
	assert.True(t, a.Destroyed(), "{a,b} is garbage on its own")

	a2, b2 := h.NewHash(), h.NewHash()
	require.NoError(t, a2.Set(ctx, "b", b2))
	require.NoError(t, b2.Set(ctx, "a", a2))
	h.Release(ctx, a2)
	h.Release(ctx, b2)
	require.True(t, a2.Destroyed())

	// c -> d -> a3 <-> b3: releasing b3 alone must not collect anything
	a3, b3 := h.NewHash(), h.NewHash()
	require.NoError(t, a3.Set(ctx, "b", b3))
	require.NoError(t, b3.Set(ctx, "a", a3))
	require.NoError(t, d.Set(ctx, "a", a3))
	h.Release(ctx, b3)
	h.Release(ctx, a3)
	assert.False(t, a3.Destroyed(), "still reachable from d")

	h.Release(ctx, d)
	assert.False(t, d.Destroyed())
	h.Release(ctx, c)
	for _, v := range []*Value{a3, b3, c, d} {
		assert.True(t, v.Destroyed(), v.DiagnosticName())
	}
	assert.Equal(t, int64(0), h.Live())
	assert.Empty(t, h.Collector().Violations())
}

func TestDeleteBreaksCycle(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	a, b := h.NewHash(), h.NewHash()
	require.NoError(t, a.Set(ctx, "b", b))
	require.NoError(t, b.Set(ctx, "a", a))
	h.Release(ctx, b)
	require.NotNil(t, b.Participant().Cycle())

	require.NoError(t, a.Delete(ctx, "b"))
	assert.True(t, b.Destroyed(), "b was only held by a")
	require.NoError(t, a.Delete(ctx, "missing"))

	h.Release(ctx, a)
	assert.True(t, a.Destroyed())
	assert.Equal(t, int64(0), h.Live())
}

func TestReplaceReleasesDisplacedValue(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	hash := h.NewHash()
	first, second := h.NewInt(1), h.NewInt(2)
	require.NoError(t, hash.Set(ctx, "k", first))
	h.Release(ctx, first)
	require.NoError(t, hash.Set(ctx, "k", second))
	h.Release(ctx, second)

	assert.True(t, first.Destroyed())
	got, ok := hash.Get("k")
	require.True(t, ok)
	assert.Same(t, second, got)

	h.Release(ctx, hash)
	assert.Equal(t, int64(0), h.Live())
}

func TestListOperations(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	x, y := h.NewInt(1), h.NewInt(2)
	list := h.NewList(x)
	require.NoError(t, list.Append(y))
	require.NoError(t, list.Append(list))
	h.Release(ctx, x)
	h.Release(ctx, y)
	assert.Equal(t, 3, list.Len())

	require.ErrorIs(t, list.SetAt(ctx, 9, x), ErrIndex)
	require.ErrorIs(t, list.RemoveAt(ctx, -1), ErrIndex)
	assert.False(t, x.Destroyed(), "a failed SetAt hands its reference back")

	require.NoError(t, list.RemoveAt(ctx, 0))
	assert.True(t, x.Destroyed())
	first, ok := list.At(0)
	require.True(t, ok)
	assert.Same(t, y, first)

	h.Release(ctx, list)
	assert.True(t, list.Destroyed())
	assert.True(t, y.Destroyed())
	assert.Equal(t, int64(0), h.Live())
}

func TestWrongKindAndDestroyedErrors(t *testing.T) {
	h := newTestHeap(t)
	ctx := context.Background()

	n := h.NewInt(1)
	list := h.NewList()
	assert.ErrorIs(t, list.Set(ctx, "k", n), ErrKind)
	assert.ErrorIs(t, n.Append(list), ErrKind)
	assert.ErrorIs(t, list.Capture(n), ErrKind)

	h.Release(ctx, list)
	assert.ErrorIs(t, list.Append(n), ErrDestroyed)
	h.Release(ctx, n)
}

func TestDisabledCollectorLeaksCycles(t *testing.T) {
	cfg := config.Default()
	cfg.Collector.Disabled = true
	h := New(gc.New(cfg, gc.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))))
	ctx := context.Background()

	a, b := h.NewHash(), h.NewHash()
	require.NoError(t, a.Set(ctx, "b", b))
	require.NoError(t, b.Set(ctx, "a", a))
	h.Release(ctx, a)
	h.Release(ctx, b)

	assert.False(t, a.Destroyed(), "only plain refcounting runs")
	assert.Equal(t, int64(2), h.Live())
}

func TestTagNames(t *testing.T) {
	assert.Equal(t, "HASH", TagName(THash))
	assert.Equal(t, "UNKNOWN(99)", TagName(Tag(99)))
	assert.True(t, IsClosure(&Value{Tag: TClosure}))
	assert.False(t, IsList(nil))
}
