package heap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"cyclegc/pkg/gc"
)

// Tag represents the kind of a Value
type Tag int

const (
	TInt     Tag = iota
	TStr         // string leaf
	THash        // string-keyed table
	TList        // ordered sequence
	TObject      // class instance with named members
	TClosure     // function value with captured variables
)

// Value is the tagged union for every heap value. Leaves (TInt, TStr) hold no
// references; composites hold strong references to their children, guarded
// by the Participant's scan lock for writes and by mu for readers.
type Value struct {
	Tag Tag

	// TInt
	Int int64

	// TStr payload, TObject class name, TClosure function name
	Str string

	mu sync.RWMutex

	// THash
	hash map[string]*Value

	// TList
	items []*Value

	// TObject
	members map[string]*Value

	// TClosure
	captured []*Value

	heap      *Heap
	p         *gc.Participant
	destroyed atomic.Bool
}

// IsLeaf reports whether the value can never hold references
func (v *Value) IsLeaf() bool {
	return v.Tag == TInt || v.Tag == TStr
}

// Participant returns the collector bookkeeping for v
func (v *Value) Participant() *gc.Participant {
	return v.p
}

// Destroyed reports whether v has been torn down
func (v *Value) Destroyed() bool {
	return v.destroyed.Load()
}

// NeedsScan implements gc.Capabilities
func (v *Value) NeedsScan() bool {
	return !v.IsLeaf()
}

// VisitChildren implements gc.Capabilities. The caller holds the scan lock,
// so the child set cannot change underneath it.
func (v *Value) VisitChildren(visit func(*gc.Participant) gc.VisitResult) gc.VisitResult {
	for _, child := range v.children() {
		if visit(child.p) == gc.Conflict {
			return gc.Conflict
		}
	}
	return gc.Done
}

// IsValid implements gc.Capabilities
func (v *Value) IsValid() bool {
	return !v.destroyed.Load()
}

// DiagnosticName implements gc.Capabilities
func (v *Value) DiagnosticName() string {
	switch v.Tag {
	case TObject, TClosure:
		return strings.ToLower(TagName(v.Tag)) + ":" + v.Str
	default:
		return strings.ToLower(TagName(v.Tag))
	}
}

// children returns a snapshot of the outgoing references in a stable order
func (v *Value) children() []*Value {
	v.mu.RLock()
	defer v.mu.RUnlock()

	switch v.Tag {
	case THash:
		return valuesByKey(v.hash)
	case TObject:
		return valuesByKey(v.members)
	case TList:
		out := make([]*Value, len(v.items))
		copy(out, v.items)
		return out
	case TClosure:
		out := make([]*Value, len(v.captured))
		copy(out, v.captured)
		return out
	}
	return nil
}

// detach empties v and returns what it referenced
func (v *Value) detach() []*Value {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []*Value
	switch v.Tag {
	case THash:
		out = valuesByKey(v.hash)
		v.hash = nil
	case TObject:
		out = valuesByKey(v.members)
		v.members = nil
	case TList:
		out = v.items
		v.items = nil
	case TClosure:
		out = v.captured
		v.captured = nil
	}
	return out
}

func valuesByKey(m map[string]*Value) []*Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// String returns a shallow representation; children print by name only so
// cyclic values terminate.
func (v *Value) String() string {
	if v == nil {
		return "nil"
	}
	switch v.Tag {
	case TInt:
		return strconv.FormatInt(v.Int, 10)
	case TStr:
		return strconv.Quote(v.Str)
	}
	if v.destroyed.Load() {
		return fmt.Sprintf("#<%s destroyed>", v.DiagnosticName())
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("#<")
	sb.WriteString(v.DiagnosticName())
	switch v.Tag {
	case THash:
		fmt.Fprintf(&sb, " %d keys", len(v.hash))
	case TList:
		fmt.Fprintf(&sb, " %d items", len(v.items))
	case TObject:
		fmt.Fprintf(&sb, " %d members", len(v.members))
	case TClosure:
		fmt.Fprintf(&sb, " %d captured", len(v.captured))
	}
	sb.WriteByte('>')
	return sb.String()
}

// TagName returns the name of a tag
func TagName(t Tag) string {
	switch t {
	case TInt:
		return "INT"
	case TStr:
		return "STR"
	case THash:
		return "HASH"
	case TList:
		return "LIST"
	case TObject:
		return "OBJECT"
	case TClosure:
		return "CLOSURE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// IsHash checks if a value is a hash
func IsHash(v *Value) bool {
	return v != nil && v.Tag == THash
}

// IsList checks if a value is a list
func IsList(v *Value) bool {
	return v != nil && v.Tag == TList
}

// IsObject checks if a value is an object
func IsObject(v *Value) bool {
	return v != nil && v.Tag == TObject
}

// IsClosure checks if a value is a closure
func IsClosure(v *Value) bool {
	return v != nil && v.Tag == TClosure
}
