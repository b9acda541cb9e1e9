package heap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"cyclegc/pkg/gc"
)

var (
	// ErrKind is returned when an operation does not apply to a value's tag
	ErrKind = errors.New("heap: wrong value kind")
	// ErrIndex is returned for list positions out of range
	ErrIndex = errors.New("heap: index out of range")
	// ErrDestroyed is returned when mutating a value that was already torn down
	ErrDestroyed = errors.New("heap: value destroyed")
)

// Heap allocates values and runs the release protocol that feeds the cycle
// collector. Every value starts with one external reference owned by the
// caller of its constructor.
type Heap struct {
	c      *gc.Collector
	logger *slog.Logger

	live            atomic.Int64
	allocated       atomic.Int64
	destroyed       atomic.Int64
	cyclesDestroyed atomic.Int64

	onDestroy func(*Value)
}

// Option configures a Heap
type Option func(*Heap)

// WithDestroyHook registers fn to run after each value is torn down
func WithDestroyHook(fn func(*Value)) Option {
	return func(h *Heap) {
		h.onDestroy = fn
	}
}

// New creates a heap whose values are collected by c
func New(c *gc.Collector, opts ...Option) *Heap {
	h := &Heap{
		c:      c,
		logger: c.Logger().With(slog.String("component", "heap")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Collector returns the collector the heap reports to
func (h *Heap) Collector() *gc.Collector {
	return h.c
}

// Stats is a snapshot of heap accounting
type Stats struct {
	Live            int64
	Allocated       int64
	Destroyed       int64
	CyclesDestroyed int64
}

// Stats returns the heap counters
func (h *Heap) Stats() Stats {
	return Stats{
		Live:            h.live.Load(),
		Allocated:       h.allocated.Load(),
		Destroyed:       h.destroyed.Load(),
		CyclesDestroyed: h.cyclesDestroyed.Load(),
	}
}

// Live returns the number of values not yet destroyed
func (h *Heap) Live() int64 {
	return h.live.Load()
}

func (h *Heap) alloc(v *Value) *Value {
	v.heap = h
	v.p = gc.NewParticipant(v)
	h.allocated.Add(1)
	h.live.Add(1)
	return v
}

// NewInt allocates an integer leaf
func (h *Heap) NewInt(i int64) *Value {
	return h.alloc(&Value{Tag: TInt, Int: i})
}

// NewStr allocates a string leaf
func (h *Heap) NewStr(s string) *Value {
	return h.alloc(&Value{Tag: TStr, Str: s})
}

// NewHash allocates an empty hash
func (h *Heap) NewHash() *Value {
	return h.alloc(&Value{Tag: THash, hash: make(map[string]*Value)})
}

// NewList allocates a list. It takes a strong reference to every item; the
// caller keeps its own references.
func (h *Heap) NewList(items ...*Value) *Value {
	for _, it := range items {
		it.p.Ref(gc.Strong)
	}
	return h.alloc(&Value{Tag: TList, items: append([]*Value(nil), items...)})
}

// NewObject allocates an instance of class with no members
func (h *Heap) NewObject(class string) *Value {
	return h.alloc(&Value{Tag: TObject, Str: class, members: make(map[string]*Value)})
}

// NewClosure allocates a closure over captured
func (h *Heap) NewClosure(name string, captured ...*Value) *Value {
	for _, c := range captured {
		c.p.Ref(gc.Strong)
	}
	return h.alloc(&Value{Tag: TClosure, Str: name, captured: append([]*Value(nil), captured...)})
}

// Retain adds an external reference to v
func (h *Heap) Retain(v *Value) *Value {
	v.p.Ref(gc.External)
	return v
}

// Release drops an external reference to v
func (h *Heap) Release(ctx context.Context, v *Value) {
	h.drop(ctx, v, gc.External)
}

// drop is the collaborator side of the collector contract:
//
//  1. deref, and destroy outright when nothing references v any more
//  2. when external references ran out, scan from v
//  3. if v's cycle now looks like garbage, confirm it and destroy it whole
//
// A strong deref that leaves v held only by other values makes v a candidate
// root: its cycle is tried as recorded first and rescanned when that fails.
// DerefDone brackets the whole sequence.
func (h *Heap) drop(ctx context.Context, v *Value, kind gc.RefKind) {
	res := v.p.Deref(kind)
	if res.Remaining == 0 {
		v.p.DerefDone(true)
		h.destroy(ctx, v)
		return
	}

	var (
		cs *gc.CycleSet
		ok bool
	)
	switch {
	case res.ShouldScan || res.ShouldRescan:
		h.c.OnExternalRefsExhausted(ctx, v.p)
		cs, ok = h.c.TryCollect(v.p)
	case v.p.Candidate():
		if cs, ok = h.c.TryCollect(v.p); !ok {
			h.c.OnExternalRefsExhausted(ctx, v.p)
			cs, ok = h.c.TryCollect(v.p)
		}
	default:
		cs, ok = h.c.TryCollect(v.p)
	}
	v.p.DerefDone(false)

	if ok {
		h.destroyCycle(ctx, cs)
	}
}

// destroy tears down a single value whose count reached zero
func (h *Heap) destroy(ctx context.Context, v *Value) {
	if !v.destroyed.CompareAndSwap(false, true) {
		return
	}
	v.p.Invalidate()
	h.finish(ctx, v)
}

// destroyCycle tears down every member of a set CanDelete approved. All
// members are invalidated before any reference is dropped, so the cascade
// never sees a half-destroyed cycle as live.
func (h *Heap) destroyCycle(ctx context.Context, cs *gc.CycleSet) {
	members := cs.Members()
	doomed := make([]*Value, 0, len(members))
	for _, m := range members {
		v, ok := m.Object().(*Value)
		if !ok {
			panic(fmt.Sprintf("heap: cycle member %s is not a heap value", m))
		}
		if v.destroyed.CompareAndSwap(false, true) {
			m.Invalidate()
			doomed = append(doomed, v)
		}
	}
	h.cyclesDestroyed.Add(1)
	h.logger.DebugContext(ctx, "destroying cycle",
		slog.String("cycle", cs.String()),
		slog.Int("members", len(doomed)),
	)
	for _, v := range doomed {
		h.finish(ctx, v)
	}
}

// finish drops v's outgoing references and accounts for it
func (h *Heap) finish(ctx context.Context, v *Value) {
	for _, child := range v.detach() {
		h.drop(ctx, child, gc.Strong)
	}
	h.live.Add(-1)
	h.destroyed.Add(1)
	if h.onDestroy != nil {
		h.onDestroy(v)
	}
}
