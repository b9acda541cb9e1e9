package heap

import (
	"context"
	"fmt"

	"cyclegc/pkg/gc"
)

// Structural mutation
//
// Every write to a composite's references goes through its Participant's
// scan lock. Pure additions use Extend and keep the current cycle. Anything
// that removes a reference uses Mutate, which drops the cycle first since the
// removed edge may have been counted in a contribution. Displaced values are
// released only after the lock is gone: a release can start a scan that
// needs this very lock.

func (v *Value) check(tag Tag) error {
	if v.Tag != tag {
		return fmt.Errorf("%w: %s is not a %s", ErrKind, v.DiagnosticName(), TagName(tag))
	}
	if v.destroyed.Load() {
		return fmt.Errorf("%w: %s", ErrDestroyed, v.DiagnosticName())
	}
	return nil
}

// replace runs fn under Extend. fn reports whether it stored added; when it
// did not, the reference taken for added is handed straight back. When fn
// displaced a value, the cycle is dropped before that value is released.
func (v *Value) replace(ctx context.Context, added *Value, fn func() (displaced *Value, stored bool)) {
	added.p.Ref(gc.Strong)

	var (
		displaced *Value
		stored    bool
	)
	v.p.Extend(func() {
		v.mu.Lock()
		displaced, stored = fn()
		v.mu.Unlock()
	})
	if !stored {
		v.heap.drop(ctx, added, gc.Strong)
		return
	}
	if displaced == nil {
		return
	}
	v.p.Mutate(func() {})
	v.heap.drop(ctx, displaced, gc.Strong)
}

// remove runs fn under Mutate and releases whatever it took out
func (v *Value) remove(ctx context.Context, fn func() []*Value) {
	var removed []*Value
	v.p.Mutate(func() {
		v.mu.Lock()
		removed = fn()
		v.mu.Unlock()
	})
	for _, r := range removed {
		v.heap.drop(ctx, r, gc.Strong)
	}
}

// Set stores val under key, taking a strong reference to it
func (v *Value) Set(ctx context.Context, key string, val *Value) error {
	if err := v.check(THash); err != nil {
		return err
	}
	v.replace(ctx, val, func() (*Value, bool) {
		old := v.hash[key]
		v.hash[key] = val
		return old, true
	})
	return nil
}

// Get returns the value under key without taking a reference
func (v *Value) Get(key string) (*Value, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.hash[key]
	return val, ok
}

// Delete removes key. Missing keys are not an error.
func (v *Value) Delete(ctx context.Context, key string) error {
	if err := v.check(THash); err != nil {
		return err
	}
	v.remove(ctx, func() []*Value {
		old, ok := v.hash[key]
		if !ok {
			return nil
		}
		delete(v.hash, key)
		return []*Value{old}
	})
	return nil
}

// Append adds val to the end of a list
func (v *Value) Append(val *Value) error {
	if err := v.check(TList); err != nil {
		return err
	}
	val.p.Ref(gc.Strong)
	v.p.Extend(func() {
		v.mu.Lock()
		v.items = append(v.items, val)
		v.mu.Unlock()
	})
	return nil
}

// SetAt replaces the list item at i
func (v *Value) SetAt(ctx context.Context, i int, val *Value) error {
	if err := v.check(TList); err != nil {
		return err
	}
	var err error
	v.replace(ctx, val, func() (*Value, bool) {
		if i < 0 || i >= len(v.items) {
			err = fmt.Errorf("%w: %d of %d", ErrIndex, i, len(v.items))
			return nil, false
		}
		old := v.items[i]
		v.items[i] = val
		return old, true
	})
	return err
}

// RemoveAt deletes the list item at i
func (v *Value) RemoveAt(ctx context.Context, i int) error {
	if err := v.check(TList); err != nil {
		return err
	}
	var err error
	v.remove(ctx, func() []*Value {
		if i < 0 || i >= len(v.items) {
			err = fmt.Errorf("%w: %d of %d", ErrIndex, i, len(v.items))
			return nil
		}
		old := v.items[i]
		v.items = append(v.items[:i], v.items[i+1:]...)
		return []*Value{old}
	})
	return err
}

// At returns the list item at i without taking a reference
func (v *Value) At(i int) (*Value, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i < 0 || i >= len(v.items) {
		return nil, false
	}
	return v.items[i], true
}

// Len returns the number of children
func (v *Value) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	switch v.Tag {
	case THash:
		return len(v.hash)
	case TList:
		return len(v.items)
	case TObject:
		return len(v.members)
	case TClosure:
		return len(v.captured)
	}
	return 0
}

// SetMember assigns an object member
func (v *Value) SetMember(ctx context.Context, name string, val *Value) error {
	if err := v.check(TObject); err != nil {
		return err
	}
	v.replace(ctx, val, func() (*Value, bool) {
		old := v.members[name]
		v.members[name] = val
		return old, true
	})
	return nil
}

// Member returns an object member without taking a reference
func (v *Value) Member(name string) (*Value, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.members[name]
	return val, ok
}

// Capture adds val to a closure's environment
func (v *Value) Capture(val *Value) error {
	if err := v.check(TClosure); err != nil {
		return err
	}
	val.p.Ref(gc.Strong)
	v.p.Extend(func() {
		v.mu.Lock()
		v.captured = append(v.captured, val)
		v.mu.Unlock()
	})
	return nil
}
