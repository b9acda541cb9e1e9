package gc

import (
	"cyclegc/pkg/rsection"
)

// Scan Transactions
//
// One attempt at (re)computing cycle membership for everything reachable
// from a root. The traversal is a depth-first walk that takes each
// Participant's scan lock on first visit and keeps it until the attempt
// ends. Cycles are closed with Tarjan's low-link rule:
//
//   - an edge to a record still on the stack closes a cycle and pulls the
//     low link of the edge's source down to it
//   - when a record finishes with lowlink == index, it and everything above
//     it on the stack form one finalized group
//
// A visited Participant may belong to a still-valid set whose other members
// the root cannot reach (a downstream cycle spliced into an upstream one).
// Those members are walked as extra roots so the commit sees the whole set
// and can keep it instead of tearing it apart.
//
// A lock conflict aborts the whole attempt. Nothing is written to any
// Participant until commit, so rollback only has to let go of locks.

type recordState int

const (
	stateUnvisited recordState = iota
	stateInCycle
	stateAcyclic
)

func (s recordState) String() string {
	switch s {
	case stateInCycle:
		return "in-cycle"
	case stateAcyclic:
		return "acyclic"
	}
	return "unvisited"
}

type record struct {
	p     *Participant
	state recordState

	cycle        *CycleSet
	contribution int

	index    int
	lowlink  int
	onStack  bool
	selfEdge bool
	comp     int // finalized group index, -1 if acyclic
	edges    []*record

	prevCycle *CycleSet
}

// cycleGroup is one cycle after splicing: the fresh set the traversal
// created for it and the records it covers
type cycleGroup struct {
	fresh   *CycleSet
	records []*record
	target  *CycleSet
}

type scanTransaction struct {
	c     *Collector
	owner rsection.Owner
	root  *Participant

	visited map[ParticipantID]*record
	order   []*record
	stack   []*record
	index   int

	comps   [][]*record
	fresh   []*CycleSet
	groups  []*cycleGroup
	covered map[*CycleSet]bool

	locked            []*Participant
	pendingRelease    []*Participant
	pendingInvalidate []*CycleSet

	blocker     <-chan struct{}
	conflictsOn *Participant
}

func newScanTransaction(c *Collector, root *Participant) *scanTransaction {
	return &scanTransaction{
		c:       c,
		owner:   rsection.NewOwner(),
		root:    root,
		visited: make(map[ParticipantID]*record),
		covered: make(map[*CycleSet]bool),
	}
}

// run walks the graph from the root. On Conflict, tx.blocker holds the
// notifier of the lock that stopped it.
func (tx *scanTransaction) run() VisitResult {
	if _, res := tx.visit(tx.root); res == Conflict {
		return Conflict
	}
	// tx.order grows while extra roots are walked
	for i := 0; i < len(tx.order); i++ {
		prev := tx.order[i].prevCycle
		if prev == nil || tx.covered[prev] {
			continue
		}
		tx.covered[prev] = true
		for _, m := range prev.liveMembers() {
			if _, ok := tx.visited[m.ID]; ok {
				continue
			}
			if _, res := tx.visit(m); res == Conflict {
				return Conflict
			}
		}
	}
	return Done
}

// visit returns the record for p, or nil when p is being destroyed
func (tx *scanTransaction) visit(p *Participant) (*record, VisitResult) {
	res, wait := p.scan.TryShared(tx.owner)
	switch res {
	case rsection.Conflict:
		tx.blocker = wait
		tx.conflictsOn = p
		return nil, Conflict
	case rsection.Owned:
		if !p.Valid() || !p.obj.IsValid() {
			p.scan.Release(tx.owner)
			return nil, Done
		}
		tx.locked = append(tx.locked, p)
	}

	if rec, ok := tx.visited[p.ID]; ok {
		// Acyclic, finalized in-cycle, or still on the stack; the caller
		// records the edge and decides what it means.
		return rec, Done
	}

	rec := &record{
		p:         p,
		index:     tx.index,
		lowlink:   tx.index,
		comp:      -1,
		prevCycle: p.Cycle(),
	}
	tx.index++
	tx.visited[p.ID] = rec
	tx.order = append(tx.order, rec)

	if !p.obj.NeedsScan() {
		rec.state = stateAcyclic
		return rec, Done
	}

	rec.onStack = true
	tx.stack = append(tx.stack, rec)

	if p.obj.VisitChildren(func(child *Participant) VisitResult {
		return tx.edge(rec, child)
	}) == Conflict {
		return nil, Conflict
	}

	if rec.lowlink == rec.index {
		tx.finalize(rec)
	}
	return rec, Done
}

func (tx *scanTransaction) edge(from *record, child *Participant) VisitResult {
	to, res := tx.visit(child)
	if res == Conflict {
		return Conflict
	}
	if to == nil {
		return Done
	}

	from.edges = append(from.edges, to)
	switch {
	case to == from:
		from.selfEdge = true
	case to.onStack:
		// closes a cycle through everything above to on the stack
		if to.lowlink < from.lowlink {
			from.lowlink = to.lowlink
		}
	}
	return Done
}

// finalize pops the group rooted at rec off the stack
func (tx *scanTransaction) finalize(rec *record) {
	var members []*record
	for {
		top := tx.stack[len(tx.stack)-1]
		tx.stack = tx.stack[:len(tx.stack)-1]
		top.onStack = false
		members = append(members, top)
		if top == rec {
			break
		}
	}

	if len(members) == 1 && !rec.selfEdge {
		rec.state = stateAcyclic
		return
	}

	cs := newCycleSet()
	tx.fresh = append(tx.fresh, cs)
	comp := len(tx.comps)
	for _, m := range members {
		m.state = stateInCycle
		m.cycle = cs
		m.comp = comp
		cs.members[m.p.ID] = m.p
	}
	tx.comps = append(tx.comps, members)
}

// splice joins finalized cycles that are only reachable through one other
// cycle and referenced from nowhere else, then recomputes contributions from
// the recorded edges. Groups come out in topological order.
func (tx *scanTransaction) splice() {
	n := len(tx.comps)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	incoming := make(map[*record][]*record)
	for _, r := range tx.order {
		for _, e := range r.edges {
			incoming[e] = append(incoming[e], r)
		}
	}

	// Finalization order is reverse topological: walk it backwards so every
	// upstream cycle has settled before its downstream ones are considered.
	for x := n - 1; x >= 0; x-- {
		upstream := -1
		closed := true
		for _, m := range tx.comps[x] {
			for _, src := range incoming[m] {
				if src.comp == x {
					continue
				}
				if src.comp < 0 {
					closed = false
					break
				}
				g := find(src.comp)
				if upstream >= 0 && g != upstream {
					closed = false
					break
				}
				upstream = g
			}
			if !closed {
				break
			}
		}
		if !closed || upstream < 0 {
			continue
		}
		// every reference into x must come from x or the upstream group
		for _, m := range tx.comps[x] {
			if m.p.TotalRefs() != len(incoming[m]) {
				closed = false
				break
			}
		}
		if closed {
			parent[x] = upstream
		}
	}

	byRoot := make(map[int]*cycleGroup)
	for x := n - 1; x >= 0; x-- {
		root := find(x)
		g, ok := byRoot[root]
		if !ok {
			g = &cycleGroup{}
			byRoot[root] = g
			tx.groups = append(tx.groups, g)
		}
		g.records = append(g.records, tx.comps[x]...)
		if g.fresh == nil {
			g.fresh = tx.comps[x][0].cycle
		} else {
			g.fresh, _ = merge(g.fresh, tx.comps[x][0].cycle)
		}
	}

	for _, g := range tx.groups {
		for _, r := range g.records {
			r.cycle = g.fresh
		}
	}
	for _, r := range tx.order {
		for _, e := range r.edges {
			if e.cycle != nil && e.cycle == r.cycle {
				e.contribution++
			}
		}
		if r.state == stateAcyclic {
			tx.pendingRelease = append(tx.pendingRelease, r.p)
		}
	}
}

// pickTarget chooses which set a group ends up as. A still-valid previous
// set whose members all fall inside the group is kept in preference to the
// fresh one, so an unchanged cycle keeps its identity; among several such
// sets the merge size rule decides.
func (tx *scanTransaction) pickTarget(g *cycleGroup) *CycleSet {
	inGroup := make(map[ParticipantID]bool, len(g.records))
	for _, r := range g.records {
		inGroup[r.p.ID] = true
	}

	var target *CycleSet
	seen := make(map[*CycleSet]bool)
	for _, r := range g.records {
		prev := r.prevCycle
		if prev == nil || seen[prev] || !prev.Valid() {
			continue
		}
		seen[prev] = true

		ids := prev.memberIDs()
		if len(ids) == 0 {
			continue
		}
		subset := true
		for _, id := range ids {
			if !inGroup[id] {
				subset = false
				break
			}
		}
		if !subset {
			continue
		}
		if target == nil {
			target = prev
		} else {
			target, _ = mergeOrder(target, prev)
		}
	}
	if target == nil {
		return g.fresh
	}
	return target
}

// commit publishes the result. Every scan lock is held, and upgraded to
// exclusive, until all assignments are in place.
func (tx *scanTransaction) commit() []*CycleSet {
	for _, p := range tx.locked {
		tx.c.checker.check(p.scan.HeldBy(tx.owner),
			"commit without holding the scan lock of %s", p)
		p.scan.Upgrade(tx.owner)
	}

	tx.splice()

	targets := make(map[*CycleSet]bool)
	for _, g := range tx.groups {
		g.target = tx.pickTarget(g)
		targets[g.target] = true
	}
	queued := make(map[*CycleSet]bool)
	for _, r := range tx.order {
		prev := r.prevCycle
		if prev != nil && !targets[prev] && !queued[prev] {
			queued[prev] = true
			tx.pendingInvalidate = append(tx.pendingInvalidate, prev)
		}
	}
	for _, cs := range tx.pendingInvalidate {
		if cs.invalidate() {
			tx.c.stats.superseded.Add(1)
		}
	}

	// shares holds every previous assignment; stale the ones being replaced
	var shares, stale []*CycleSet
	committed := make([]*CycleSet, 0, len(tx.groups))
	for _, g := range tx.groups {
		target := g.target
		target.mu.Lock()
		if target != g.fresh && !target.valid.Load() {
			// lost a race with CanDelete or a deferral since pickTarget
			target.mu.Unlock()
			target = g.fresh
			target.mu.Lock()
		}
		if target != g.fresh {
			target.mergeLocked(g.fresh)
		}
		// stale members of a reused set are not in the group; drop them
		for id := range target.members {
			if rec, ok := tx.visited[id]; !ok || rec.cycle != g.fresh {
				delete(target.members, id)
			}
		}
		for _, r := range g.records {
			prev, total := r.p.assignCycle(target, r.contribution)
			tx.c.checker.check(r.contribution <= total,
				"%s contribution %d exceeds total refs %d", r.p, r.contribution, total)
			if prev != nil {
				shares = append(shares, prev)
				if prev != target {
					stale = append(stale, prev)
				}
			}
		}
		for _, m := range target.members {
			tx.c.checker.check(m.Cycle() == target,
				"%s member %s does not point back at it", target, m)
		}
		if target == g.fresh {
			tx.c.publish(target)
		}
		target.mu.Unlock()
		committed = append(committed, target)
	}

	for _, p := range tx.pendingRelease {
		prev, _ := p.assignCycle(nil, 0)
		if prev != nil {
			shares = append(shares, prev)
			stale = append(stale, prev)
		}
	}

	for _, p := range tx.locked {
		p.scan.Release(tx.owner)
	}
	tx.locked = nil

	// Every stale set was queued for invalidation above. One that is still
	// valid here was replaced behind the transaction's back.
	for _, prev := range stale {
		if prev.invalidate() {
			tx.c.checker.check(false, "%s displaced while still valid", prev)
		}
	}
	for _, prev := range shares {
		prev.Release()
	}
	return committed
}

// rollback undoes the attempt. Nothing was assigned, so releasing the locks
// and dropping the fresh sets leaves no trace.
func (tx *scanTransaction) rollback() {
	for _, p := range tx.locked {
		p.scan.Release(tx.owner)
	}
	tx.locked = nil
	tx.fresh = nil
	tx.visited = nil
	tx.order = nil
	tx.stack = nil
	tx.comps = nil
	tx.groups = nil
	tx.covered = nil
	tx.pendingRelease = nil
	tx.pendingInvalidate = nil
}
