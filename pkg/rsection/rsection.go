package rsection

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Read Sections - per-object scan locks
//
// A read section coordinates cycle scans with structural mutation of a single
// object. It is a small explicit state machine:
//
//   Free ──TryShared──▶ Shared(owner) ──Upgrade──▶ Exclusive(owner)
//     ▲                      │                           │
//     └──────Release─────────┴───────────Release─────────┘
//
// Shared is held by at most one scanning owner at a time; the same owner may
// re-enter it (AlreadyOwned). Exclusive is taken by mutators that change the
// object's outgoing references, or by a scanner upgrading its own shared hold
// to commit. Scanners never block: a failed TryShared hands back a notifier
// that is closed the next time the lock becomes Free.

// Owner identifies a lock holder. Goroutines have no usable identity, so every
// scan attempt and every mutator draws one from NewOwner.
type Owner uint64

// NoOwner is never returned by NewOwner.
const NoOwner Owner = 0

var nextOwner atomic.Uint64

// NewOwner returns a process-unique owner id
func NewOwner() Owner {
	return Owner(nextOwner.Add(1))
}

// State is the lock mode
type State int

const (
	Free State = iota
	Shared
	Exclusive
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the outcome of a non-blocking acquisition
type Result int

const (
	Conflict Result = iota
	Owned
	AlreadyOwned
)

func (r Result) String() string {
	switch r {
	case Conflict:
		return "conflict"
	case Owned:
		return "owned"
	case AlreadyOwned:
		return "already-owned"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Lock is a read section. The zero value is a free lock.
type Lock struct {
	mu    sync.Mutex
	state State
	owner Owner
	freed chan struct{} // closed on the next transition to Free
}

// notifierLocked returns the channel closed when the lock next becomes Free
func (l *Lock) notifierLocked() chan struct{} {
	if l.freed == nil {
		l.freed = make(chan struct{})
	}
	return l.freed
}

func (l *Lock) freeLocked() {
	l.state = Free
	l.owner = NoOwner
	if l.freed != nil {
		close(l.freed)
		l.freed = nil
	}
}

// TryShared attempts a scanning hold without blocking. On Conflict the
// returned channel is closed once the current holder lets go; the caller
// must drop every other lock it holds before waiting on it.
func (l *Lock) TryShared(owner Owner) (Result, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.state == Free:
		l.state = Shared
		l.owner = owner
		return Owned, nil
	case l.owner == owner:
		return AlreadyOwned, nil
	}
	return Conflict, l.notifierLocked()
}

// Upgrade turns the owner's shared hold into an exclusive one
func (l *Lock) Upgrade(owner Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != owner || l.state == Free {
		panic(fmt.Sprintf("rsection: upgrade by owner %d of lock %s by %d", owner, l.state, l.owner))
	}
	l.state = Exclusive
}

// LockExclusive blocks until the owner holds the lock exclusively. An owner
// that already holds it shared is upgraded in place.
func (l *Lock) LockExclusive(owner Owner) {
	for {
		l.mu.Lock()
		switch {
		case l.state == Free:
			l.state = Exclusive
			l.owner = owner
			l.mu.Unlock()
			return
		case l.owner == owner && l.state == Shared:
			l.state = Exclusive
			l.mu.Unlock()
			return
		case l.owner == owner:
			l.mu.Unlock()
			panic(fmt.Sprintf("rsection: owner %d re-entered its exclusive hold", owner))
		}
		ch := l.notifierLocked()
		l.mu.Unlock()
		<-ch
	}
}

// Release returns the lock to Free and wakes every waiter
func (l *Lock) Release(owner Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Free || l.owner != owner {
		panic(fmt.Sprintf("rsection: release by owner %d of lock %s by %d", owner, l.state, l.owner))
	}
	l.freeLocked()
}

// Status reports the current mode and holder
func (l *Lock) Status() (State, Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.owner
}

// HeldBy reports whether owner holds the lock in any mode
func (l *Lock) HeldBy(owner Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != Free && l.owner == owner
}
