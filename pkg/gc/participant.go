package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"cyclegc/pkg/rsection"
)

// Participants - per-object collector state
//
// Every heap value that can hold references to other values carries one
// Participant. It keeps two reference counts:
// - total: every reference, including ones from inside a cycle
// - external: references known not to come from another suspect object
//   (stack slots, scopes, the runtime itself)
//
// When external drops to zero the object becomes a scan root. A committed
// scan assigns the object a CycleSet and a contribution (references coming
// from other members of that set). Once total == contribution for every
// member, the whole set is garbage.

// RefKind distinguishes how a reference is held
type RefKind int

const (
	Strong   RefKind = iota // held by another collectible value
	External                // held from outside the object graph
)

func (k RefKind) String() string {
	if k == External {
		return "external"
	}
	return "strong"
}

// VisitResult is returned by traversal callbacks
type VisitResult int

const (
	Done VisitResult = iota
	Conflict
)

// Capabilities is what the collector needs from the object model
type Capabilities interface {
	// NeedsScan reports whether the value can hold references to other
	// collectible values at all.
	NeedsScan() bool
	// VisitChildren calls visit once per outgoing reference and returns
	// Conflict as soon as visit does.
	VisitChildren(visit func(child *Participant) VisitResult) VisitResult
	IsValid() bool
	DiagnosticName() string
}

// ParticipantID is an arena-style identity for a Participant
type ParticipantID uint64

var nextParticipantID atomic.Uint64

// DerefResult reports what a deref left behind
type DerefResult struct {
	Remaining    int  // total references left
	ShouldScan   bool // external references just reached zero
	ShouldRescan bool // a deferred scan is now due
}

// Participant is the collector's bookkeeping for one heap value
type Participant struct {
	ID  ParticipantID
	obj Capabilities

	// mu guards the counters, the in-flight deref count, the deferred flag,
	// and reads of cycle/contribution/generation. Writes to those three also
	// require the scan lock in exclusive mode.
	mu       sync.Mutex
	idle     *sync.Cond
	total    int
	external int
	inflight int
	deferred bool

	cycle        *CycleSet
	contribution int
	generation   uint64

	valid atomic.Bool
	scan  rsection.Lock
	token chan struct{} // one logical scan per root at a time
}

// NewParticipant creates bookkeeping for obj. The caller holds the first
// reference, which is external.
func NewParticipant(obj Capabilities) *Participant {
	p := &Participant{
		ID:       ParticipantID(nextParticipantID.Add(1)),
		obj:      obj,
		total:    1,
		external: 1,
		token:    make(chan struct{}, 1),
	}
	p.idle = sync.NewCond(&p.mu)
	p.valid.Store(true)
	return p
}

// Object returns the value this Participant tracks
func (p *Participant) Object() Capabilities {
	return p.obj
}

func (p *Participant) String() string {
	if p.obj == nil {
		return fmt.Sprintf("participant#%d", p.ID)
	}
	return fmt.Sprintf("%s#%d", p.obj.DiagnosticName(), p.ID)
}

// Ref adds one reference of the given kind
func (p *Participant) Ref(kind RefKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	if kind == External {
		p.external++
	}
}

// Deref drops one reference. Every Deref must be paired with DerefDone once
// the caller has finished acting on the result.
func (p *Participant) Deref(kind RefKind) DerefResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total <= 0 || (kind == External && p.external <= 0) {
		panic(fmt.Sprintf("gc: %s deref of %s underflows (total %d, external %d)", kind, p, p.total, p.external))
	}

	p.inflight++
	p.total--

	var res DerefResult
	if kind == External {
		p.external--
		if p.external == 0 {
			res.ShouldScan = true
			if p.deferred {
				p.deferred = false
				res.ShouldRescan = true
			}
		}
	}
	res.Remaining = p.total
	return res
}

// DerefDone closes the bracket opened by Deref. With willDelete set it
// blocks until every other in-flight deref on p has finished, so nobody is
// still reading p when destruction starts.
func (p *Participant) DerefDone(willDelete bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inflight--
	if p.inflight < 0 {
		panic(fmt.Sprintf("gc: DerefDone on %s without a matching Deref", p))
	}
	p.idle.Broadcast()
	if willDelete {
		for p.inflight > 0 {
			p.idle.Wait()
		}
	}
}

// RequestDeferrableScan returns true when the caller must not scan now
// because external references reappeared. The scan is remembered and comes
// back as ShouldRescan from the Deref that next exhausts them; meanwhile the
// current cycle is invalidated so nobody acts on stale membership.
func (p *Participant) RequestDeferrableScan() bool {
	p.mu.Lock()
	if p.external == 0 {
		p.deferred = false
		p.mu.Unlock()
		return false
	}
	p.deferred = true
	stale := p.cycle
	p.mu.Unlock()

	if stale != nil {
		stale.invalidate()
	}
	return true
}

// Candidate reports whether p is still referenced, but only by other
// values. A deref that leaves p in that state without reporting ShouldScan
// makes p a candidate root: its cycle may have just lost its last outside
// reference, and the recorded assignment can be missing or stale.
func (p *Participant) Candidate() bool {
	if !p.Valid() || p.obj == nil || !p.obj.NeedsScan() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.external == 0 && p.total > 0
}

// assignCycle replaces the cycle assignment. The caller holds the scan lock
// exclusively. It returns the previous cycle, whose share the caller must
// release once no set lock is held.
func (p *Participant) assignCycle(cs *CycleSet, contribution int) (prev *CycleSet, total int) {
	if cs != nil {
		cs.Ref()
	}
	p.mu.Lock()
	prev = p.cycle
	p.cycle = cs
	p.contribution = contribution
	p.generation++
	total = p.total
	p.mu.Unlock()
	return prev, total
}

// Mutate runs fn with the scan lock held exclusively. Collaborators wrap
// every change to the value's outgoing references in it. The current cycle
// is invalidated first since its contributions may no longer hold.
//
// fn must not release references: a release can start a scan that waits for
// this very lock.
func (p *Participant) Mutate(fn func()) {
	owner := rsection.NewOwner()
	p.scan.LockExclusive(owner)
	defer p.scan.Release(owner)

	p.mu.Lock()
	stale := p.cycle
	p.mu.Unlock()
	if stale != nil {
		stale.invalidate()
	}
	fn()
}

// Extend runs fn with the scan lock held exclusively, for changes that only
// add outgoing references. Added references never break an existing cycle's
// contributions, so the cycle is kept.
func (p *Participant) Extend(fn func()) {
	owner := rsection.NewOwner()
	p.scan.LockExclusive(owner)
	defer p.scan.Release(owner)
	fn()
}

// Invalidate marks p as being destroyed. Traversals skip it from now on and
// it never receives another cycle assignment.
func (p *Participant) Invalidate() {
	owner := rsection.NewOwner()
	p.scan.LockExclusive(owner)

	p.valid.Store(false)
	p.mu.Lock()
	prev := p.cycle
	p.cycle = nil
	p.contribution = 0
	p.generation++
	p.mu.Unlock()

	p.scan.Release(owner)

	if prev != nil {
		prev.invalidate()
		prev.Release()
	}
}

// acquireToken serializes scans rooted at p
func (p *Participant) acquireToken(ctx context.Context) bool {
	select {
	case p.token <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Participant) releaseToken() {
	<-p.token
}

// Valid reports whether p may still take part in scans
func (p *Participant) Valid() bool {
	return p.valid.Load()
}

// Cycle returns the assigned cycle, which may already be invalid
func (p *Participant) Cycle() *CycleSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycle
}

func (p *Participant) Contribution() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contribution
}

func (p *Participant) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Participant) TotalRefs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *Participant) ExternalRefs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.external
}

func (p *Participant) Deferred() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deferred
}

// ScanLockStatus exposes the scan lock state for diagnostics
func (p *Participant) ScanLockStatus() (rsection.State, rsection.Owner) {
	return p.scan.Status()
}

// Snapshot is a consistent copy of the collector-visible state
type Snapshot struct {
	Cycle        *CycleSet
	Contribution int
	Generation   uint64
	Total        int
	External     int
}

// Snapshot copies the collector-visible state under one lock hold
func (p *Participant) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Cycle:        p.cycle,
		Contribution: p.contribution,
		Generation:   p.generation,
		Total:        p.total,
		External:     p.external,
	}
}
