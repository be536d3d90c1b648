// Package txn provides transaction identifiers and snapshot visibility for
// the LSM engine. It is deliberately small: ids come from an atomic clock,
// snapshots capture the set of transactions in flight at acquisition, and
// the visibility predicate answers whether a record stamped with some id
// belongs to a snapshot's view.
package txn

import (
	"sync"
	"sync/atomic"

	"lsmtree/pkg/clock"
	"lsmtree/pkg/types"

	"github.com/zhangyunhao116/skipset"
)

// Registry issues transaction ids and tracks which ones are in flight or
// aborted. One registry serves one process; trees share it.
type Registry struct {
	clock   *clock.AtomicClock
	active  *skipset.Uint64Set
	aborted *skipset.Uint64Set

	// serializes id allocation against snapshot capture, so a snapshot can
	// never observe an issued id that is not yet registered as in-flight
	mu sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		clock:   clock.NewAtomic(0),
		active:  skipset.NewUint64(),
		aborted: skipset.NewUint64(),
	}
}

// Current returns the most recently issued transaction id.
func (r *Registry) Current() types.Txnid {
	return r.clock.Val()
}

// AdvanceTo moves the clock forward to at least txnid. Called when a tree
// is restored, so ids stamped into persisted chunks stay in the committed
// past of every new snapshot.
func (r *Registry) AdvanceTo(txnid types.Txnid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clock.Val() < txnid {
		r.clock.Set(txnid)
	}
}

// Aborted reports whether the id belongs to a rolled-back transaction.
// Records stamped with it linger in chunks until a merge discards them.
func (r *Registry) Aborted(txnid types.Txnid) bool {
	return txnid != 0 && r.aborted.Contains(txnid)
}

// SettledBelow reports whether every transaction at or below txnid has
// finished, one way or the other. A chunk whose switch_txn is settled can
// never receive a visibility change again.
func (r *Registry) SettledBelow(txnid types.Txnid) bool {
	settled := true
	r.active.Range(func(id uint64) bool {
		if id <= txnid {
			settled = false
			return false
		}
		return true
	})
	return settled
}

// Stamp allocates a fresh id without attaching it to a session. The tree
// uses it to seal chunks: the stamp exceeds every id issued before it, so
// switch_txn values stay strictly ordered.
func (r *Registry) Stamp() types.Txnid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.Next()
}

// Begin opens a session. The session's id is allocated lazily on the first
// write, so read-only sessions never consume ids.
func (r *Registry) Begin() *Session {
	return &Session{reg: r}
}

type Session struct {
	reg *Registry
	id  atomic.Uint64
	gen atomic.Uint64
}

// Gen counts the session's completed transactions. Cursors watch it to
// refresh their snapshot after a commit.
func (s *Session) Gen() uint64 {
	return s.gen.Load()
}

// ID returns the session's transaction id, allocating one on first use.
func (s *Session) ID() types.Txnid {
	if id := s.id.Load(); id != 0 {
		return id
	}
	s.reg.mu.Lock()
	id := s.reg.clock.Next()
	s.reg.active.Add(id)
	s.reg.mu.Unlock()
	if !s.id.CompareAndSwap(0, id) {
		// lost the race against a concurrent first write on this session
		s.reg.active.Remove(id)
		return s.id.Load()
	}
	return id
}

// Commit retires the session's id. Records it wrote become visible to
// snapshots taken afterwards.
func (s *Session) Commit() {
	if id := s.id.Swap(0); id != 0 {
		s.reg.active.Remove(id)
		s.gen.Add(1)
	}
}

// Rollback retires the id and marks it aborted, so records it wrote stay
// invisible forever. The records themselves are erased by later merges.
func (s *Session) Rollback() {
	if id := s.id.Swap(0); id != 0 {
		s.reg.aborted.Add(id)
		s.reg.active.Remove(id)
		s.gen.Add(1)
	}
}

// Snapshot captures the visible horizon for a session: everything committed
// at capture time, plus the session's own writes.
func (r *Registry) Snapshot(s *Session) *Snapshot {
	r.mu.Lock()
	sn := &Snapshot{
		reg:        r,
		limit:      r.clock.Val(),
		concurrent: make(map[uint64]struct{}),
	}
	r.active.Range(func(id uint64) bool {
		sn.concurrent[id] = struct{}{}
		return true
	})
	r.mu.Unlock()
	sn.sess = s
	return sn
}

type Snapshot struct {
	reg        *Registry
	limit      types.Txnid
	sess       *Session
	concurrent map[uint64]struct{}
}

// Visible reports whether a record written by txnid belongs to this
// snapshot's view. A nil snapshot sees everything: merge and bulk cursors
// read raw.
func (sn *Snapshot) Visible(txnid types.Txnid) bool {
	if sn == nil || txnid == 0 {
		return true
	}
	// the session's writes are always its own to see, even when the id
	// was allocated after this snapshot was captured
	if sn.sess != nil {
		if own := sn.sess.id.Load(); own != 0 && txnid == own {
			return true
		}
	}
	if txnid > sn.limit {
		return false
	}
	if sn.reg.aborted.Contains(txnid) {
		return false
	}
	_, inflight := sn.concurrent[txnid]
	return !inflight
}

// VisibleAll reports whether every record stamped at or below txnid is
// visible to this snapshot: none of them can belong to a transaction that
// was still in flight at capture. Cursors use it to find the chunks that
// need no per-record checks.
func (sn *Snapshot) VisibleAll(txnid types.Txnid) bool {
	if sn == nil || txnid == 0 {
		return true
	}
	if txnid > sn.limit {
		return false
	}
	for id := range sn.concurrent {
		if id <= txnid {
			return false
		}
	}
	return true
}

// Aborted mirrors the registry check for cursors holding a snapshot.
func (sn *Snapshot) Aborted(txnid types.Txnid) bool {
	if sn == nil {
		return false
	}
	return sn.reg.Aborted(txnid)
}

func (sn *Snapshot) Close() {}
