package heap

import (
	"context"
	"sync"
)

// Scopes
//
// A scope stands in for a stack frame: it is an owner in the reference graph
// that is not itself a heap value. Everything it owns is held through an
// external reference, so closing the scope is what turns an orphaned cycle
// into a scan root.

// Scope owns external references until it is closed
type Scope struct {
	heap   *Heap
	parent *Scope

	mu     sync.Mutex
	owned  []*Value
	closed bool
}

// NewScope creates a scope nested in parent, which may be nil
func (h *Heap) NewScope(parent *Scope) *Scope {
	return &Scope{heap: h, parent: parent}
}

// Parent returns the enclosing scope
func (s *Scope) Parent() *Scope {
	return s.parent
}

// Own takes an additional external reference to v on behalf of the scope
func (s *Scope) Own(v *Value) *Value {
	s.heap.Retain(v)
	s.Adopt(v)
	return v
}

// Adopt hands the caller's external reference to the scope, typically the
// one a constructor returned.
func (s *Scope) Adopt(v *Value) *Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("heap: adopt into a closed scope")
	}
	s.owned = append(s.owned, v)
	return v
}

// Close releases every owned reference, newest first. Closing twice is a
// no-op.
func (s *Scope) Close(ctx context.Context) {
	s.mu.Lock()
	owned := s.owned
	s.owned = nil
	s.closed = true
	s.mu.Unlock()

	for i := len(owned) - 1; i >= 0; i-- {
		s.heap.Release(ctx, owned[i])
	}
}

// Len returns the number of references the scope holds
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned)
}
