package gc

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// CycleSetID identifies a CycleSet
type CycleSetID uint64

var nextCycleSetID atomic.Uint64

// CanDeleteResult is the verdict of CanDelete
type CanDeleteResult int

const (
	No CanDeleteResult = iota
	Yes
	AlreadyInvalid
)

func (r CanDeleteResult) String() string {
	switch r {
	case No:
		return "no"
	case Yes:
		return "yes"
	case AlreadyInvalid:
		return "already-invalid"
	}
	return fmt.Sprintf("CanDeleteResult(%d)", int(r))
}

// CycleSet names a group of Participants believed to reference each other.
// While valid, every member points back at the set and its contribution
// counts the references it receives from other members.
//
// Lock order: a set's mu may be held while taking a member's mu, never the
// other way round.
type CycleSet struct {
	ID CycleSetID

	mu        sync.Mutex
	members   map[ParticipantID]*Participant
	reclaimed []*Participant

	valid     atomic.Bool
	shares    atomic.Int32
	published atomic.Bool
	forgotten atomic.Bool
	onForget  func(*CycleSet)
}

func newCycleSet() *CycleSet {
	cs := &CycleSet{
		ID:      CycleSetID(nextCycleSetID.Add(1)),
		members: make(map[ParticipantID]*Participant),
	}
	cs.valid.Store(true)
	return cs
}

func (cs *CycleSet) String() string {
	return fmt.Sprintf("cycle#%d", cs.ID)
}

// Valid reports whether the set still describes a live candidate cycle
func (cs *CycleSet) Valid() bool {
	return cs.valid.Load()
}

// Len returns the current member count
func (cs *CycleSet) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.members == nil {
		return len(cs.reclaimed)
	}
	return len(cs.members)
}

// Contains reports current membership
func (cs *CycleSet) Contains(p *Participant) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.members[p.ID]
	return ok
}

// Members returns the members ordered by ID. After a Yes from CanDelete it
// returns the reclaimed members the collaborator has to destroy.
func (cs *CycleSet) Members() []*Participant {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.members == nil {
		out := make([]*Participant, len(cs.reclaimed))
		copy(out, cs.reclaimed)
		return out
	}
	return sortedMembers(cs.members)
}

func sortedMembers(m map[ParticipantID]*Participant) []*Participant {
	out := make([]*Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ref takes a share of the set
func (cs *CycleSet) Ref() {
	cs.shares.Add(1)
}

// Release drops a share. The record is forgotten once it is invalid and
// nobody holds a share any more.
func (cs *CycleSet) Release() {
	if cs.shares.Add(-1) < 0 {
		panic(fmt.Sprintf("gc: %s released more shares than taken", cs))
	}
	cs.maybeForget()
}

func (cs *CycleSet) maybeForget() {
	if cs.valid.Load() || cs.shares.Load() > 0 || !cs.published.Load() {
		return
	}
	if cs.forgotten.CompareAndSwap(false, true) && cs.onForget != nil {
		cs.onForget(cs)
	}
}

// CanDelete decides whether the whole set is garbage. The observed counts
// are the caller's own view of its member and only serve as a pre-check;
// the verdict comes from every member, checked under the set's lock. On Yes
// the set is invalidated before returning, so exactly one caller sees Yes.
func (cs *CycleSet) CanDelete(observedTotal, observedContribution int) CanDeleteResult {
	if !cs.valid.Load() {
		return AlreadyInvalid
	}
	if observedTotal != observedContribution {
		return No
	}
	return cs.canDeleteAll()
}

func (cs *CycleSet) canDeleteAll() CanDeleteResult {
	cs.mu.Lock()
	if !cs.valid.Load() {
		cs.mu.Unlock()
		return AlreadyInvalid
	}
	if len(cs.members) == 0 {
		cs.mu.Unlock()
		return No
	}
	for _, m := range cs.members {
		if !m.Valid() {
			cs.mu.Unlock()
			return No
		}
		m.mu.Lock()
		garbage := m.cycle == cs && m.total == m.contribution
		m.mu.Unlock()
		if !garbage {
			cs.mu.Unlock()
			return No
		}
	}
	if !cs.valid.CompareAndSwap(true, false) {
		cs.mu.Unlock()
		return AlreadyInvalid
	}
	cs.reclaimed = sortedMembers(cs.members)
	cs.members = nil
	cs.mu.Unlock()

	cs.maybeForget()
	return Yes
}

// invalidate marks the set invalid and lets go of its members. It reports
// whether this call did the invalidation.
func (cs *CycleSet) invalidate() bool {
	if !cs.valid.CompareAndSwap(true, false) {
		return false
	}
	cs.mu.Lock()
	cs.members = nil
	cs.mu.Unlock()

	cs.maybeForget()
	return true
}

// mergeLocked unions other's membership into cs. Both sets belong to the
// calling transaction: cs.mu is held and other is not yet visible or is
// about to be invalidated.
func (cs *CycleSet) mergeLocked(other *CycleSet) {
	if other == cs {
		return
	}
	other.mu.Lock()
	for id, p := range other.members {
		cs.members[id] = p
	}
	other.mu.Unlock()
}

// merge unions two sets, keeping the larger one (the lower ID on a tie).
// The size rule only bounds the cost of repeated merges; membership comes
// out the same either way.
func merge(a, b *CycleSet) (survivor, absorbed *CycleSet) {
	survivor, absorbed = mergeOrder(a, b)
	survivor.mu.Lock()
	survivor.mergeLocked(absorbed)
	survivor.mu.Unlock()
	return survivor, absorbed
}

// mergeOrder picks the surviving set of a merge without touching either
func mergeOrder(a, b *CycleSet) (survivor, absorbed *CycleSet) {
	la, lb := a.Len(), b.Len()
	if la > lb || (la == lb && a.ID < b.ID) {
		return a, b
	}
	return b, a
}

// memberIDs returns current membership, or nil once the set is invalid
func (cs *CycleSet) memberIDs() []ParticipantID {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.members == nil {
		return nil
	}
	ids := make([]ParticipantID, 0, len(cs.members))
	for id := range cs.members {
		ids = append(ids, id)
	}
	return ids
}

// liveMembers returns the members ordered by ID, or nil once the set is
// invalid
func (cs *CycleSet) liveMembers() []*Participant {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.members == nil {
		return nil
	}
	return sortedMembers(cs.members)
}
