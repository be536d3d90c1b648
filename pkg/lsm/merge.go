package lsm

import (
	"errors"
	"fmt"
	"io"
	"time"

	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/txn"
	"lsmtree/pkg/types"
)

// shouldMerge is a cheap pre-check before queueing merge work.
func (t *Tree) shouldMerge() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.chunks {
		if c.getState() == stateOnDisk && !c.empty.Load() {
			n++
		}
	}
	return n >= t.cfg.MergeMin
}

type mergePlan struct {
	start  int
	inputs []*chunk
	// tombstones are dropped only when the window touches the oldest
	// chunk: nothing older can resurrect the key
	dropTombstones bool
}

// selectMerge scans the active array (excluding the primary) for the best
// window of merge_min..merge_max contiguous on-disk chunks. The score
// favors uniform generation, wider windows and older chunks. Rising
// aggressiveness widens the generation tolerance, so a tree that falls
// behind merges larger and rarer rather than smaller and more frequent.
// Caller holds the write lock; the chosen window is marked Merging before
// the lock is released.
func (t *Tree) selectMergeLocked() *mergePlan {
	n := len(t.chunks) - 1 // the tail is the primary
	if n < t.cfg.MergeMin {
		return nil
	}

	genTol := types.Generation(1) + types.Generation(t.aggressiveness.Load())
	if t.compacting.Load() {
		genTol = ^types.Generation(0)
	}

	var best *mergePlan
	bestScore := -1 << 30
	for start := 0; start < n; start++ {
		maxK := t.cfg.MergeMax
		if start+maxK > n {
			maxK = n - start
		}
		for k := maxK; k >= t.cfg.MergeMin; k-- {
			window := t.chunks[start : start+k]
			if !mergeable(window, genTol) {
				continue
			}
			spread := genSpread(window)
			score := k*4 - int(spread)*6 + (n - start)
			if score > bestScore {
				bestScore = score
				best = &mergePlan{start: start, inputs: window}
			}
		}
	}
	if best == nil {
		return nil
	}

	inputs := make([]*chunk, len(best.inputs))
	copy(inputs, best.inputs)
	best.inputs = inputs
	for _, c := range best.inputs {
		c.transition(stateOnDisk, stateMerging)
	}

	// tombstones may only be dropped when the window touches the oldest
	// chunk and no transaction that could have written into it is still
	// in flight; otherwise the merge runs in minor mode and keeps them
	if best.start == 0 {
		newest := best.inputs[len(best.inputs)-1].switchTxn.Load()
		best.dropTombstones = t.txns.SettledBelow(newest)
	}
	return best
}

func mergeable(window []*chunk, genTol types.Generation) bool {
	for _, c := range window {
		if c.getState() != stateOnDisk || c.empty.Load() {
			return false
		}
	}
	return genSpread(window) <= genTol
}

func genSpread(window []*chunk) types.Generation {
	lo, hi := window[0].generation, window[0].generation
	for _, c := range window[1:] {
		if c.generation < lo {
			lo = c.generation
		}
		if c.generation > hi {
			hi = c.generation
		}
	}
	return hi - lo
}

// pickMergeID chooses an id strictly between the window's neighbors that
// no live chunk uses, keeping the array id-ordered and every URI unique.
// Caller holds the write lock.
func (t *Tree) pickMergeIDLocked(start, k int) (types.ChunkID, error) {
	var left, right types.ChunkID
	if start > 0 {
		left = t.chunks[start-1].id
	}
	right = t.chunks[start+k].id // at worst the primary

	taken := make(map[types.ChunkID]struct{}, len(t.chunks)+len(t.oldChunks))
	for _, c := range t.chunks {
		taken[c.id] = struct{}{}
	}
	for _, c := range t.oldChunks {
		taken[c.id] = struct{}{}
	}

	mid := left + (right-left)/2
	for off := types.ChunkID(0); off < (right-left)/2; off++ {
		for _, cand := range []types.ChunkID{mid - off, mid + off} {
			if cand <= left || cand >= right {
				continue
			}
			if _, used := taken[cand]; !used {
				return cand, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: no free chunk id between %d and %d", ErrBusy, left, right)
}

// doMerge runs one merge round: select a window, bulk-load its content
// into a new chunk of higher generation, swap it into the array and retire
// the inputs. Returns false when no window qualifies.
func (t *Tree) doMerge() (bool, error) {
	if !t.active.Load() || t.readonly.Load() {
		return false, ErrShutdown
	}

	t.mu.Lock()
	plan := t.selectMergeLocked()
	if plan == nil {
		t.mu.Unlock()
		return false, nil
	}
	outID, err := t.pickMergeIDLocked(plan.start, len(plan.inputs))
	if err != nil {
		for _, c := range plan.inputs {
			c.transition(stateMerging, stateOnDisk)
		}
		t.mu.Unlock()
		return false, err
	}
	t.mu.Unlock()

	outGen := types.Generation(0)
	var lastSwitchTxn types.Txnid
	for _, c := range plan.inputs {
		if c.generation > outGen {
			outGen = c.generation
		}
		if st := c.switchTxn.Load(); st > lastSwitchTxn {
			lastSwitchTxn = st
		}
	}
	outGen++

	out := newChunk(outID, outGen, time.Now())
	stream, err := t.newMergeStream(plan.inputs, plan.dropTombstones)
	if err != nil {
		t.abortMerge(plan, out)
		return false, err
	}
	info, err := t.store.BulkLoad(out.uri(t.name), stream)
	stream.close()
	if err != nil {
		// discard the partial output and leave the window intact
		t.abortMerge(plan, out)
		if errors.Is(err, chunkstore.ErrBusy) {
			return false, ErrBusy
		}
		t.log.Error("merge bulk load failed", "chunk", out.id, "error", err)
		return false, err
	}

	out.count.Store(info.Count)
	out.size.Store(info.Size)
	out.switchTxn.Store(lastSwitchTxn)
	out.setState(stateOnDisk)
	// a bulk load is durable at creation, so the output is born stable
	// and the inputs' drops are not gated on the next checkpoint
	out.stable.Store(true)

	t.mu.Lock()
	idx := t.windowIndexLocked(plan.inputs)
	if idx < 0 {
		// the array changed underneath us in a way that lost the window;
		// cannot happen while the inputs hold the Merging state, but fail
		// safe rather than corrupt the array
		t.mu.Unlock()
		t.abortMerge(plan, out)
		return false, fmt.Errorf("%w: merge window vanished", ErrCorrupt)
	}
	replaced := make([]*chunk, 0, len(t.chunks)-len(plan.inputs)+1)
	replaced = append(replaced, t.chunks[:idx]...)
	replaced = append(replaced, out)
	replaced = append(replaced, t.chunks[idx+len(plan.inputs):]...)
	t.chunks = replaced
	for _, c := range plan.inputs {
		c.setState(stateRetired)
		c.successor.Store(out.id)
		t.oldChunks = append(t.oldChunks, c)
	}
	t.bumpGen()
	if err := t.saveMetaLocked(); err != nil {
		t.log.Error("merge metadata save failed", "error", err)
	}
	t.mu.Unlock()

	t.mergeProgressing.Add(1)
	t.aggressiveness.Store(0)
	t.met.IncCounter("lsm_merges", nil, 1)
	t.log.Info("chunks merged",
		"inputs", len(plan.inputs), "output", out.id, "generation", out.generation, "count", info.Count)

	t.mgr.enqueue(&workUnit{op: opDrop})
	if t.policy == bloomMerged || t.wantBloom(out) {
		t.mgr.enqueue(&workUnit{op: opBloom, chunkID: out.id})
	}
	if t.shouldMerge() {
		t.mgr.enqueue(&workUnit{op: opMerge})
	}
	t.updateThrottles()
	return true, nil
}

func (t *Tree) abortMerge(plan *mergePlan, out *chunk) {
	if err := t.store.Drop(out.uri(t.name)); err != nil {
		t.log.Warn("partial merge output drop failed", "chunk", out.id, "error", err)
	}
	t.mu.Lock()
	for _, c := range plan.inputs {
		c.transition(stateMerging, stateOnDisk)
	}
	t.mu.Unlock()
}

// windowIndexLocked finds the window's position by identity.
func (t *Tree) windowIndexLocked(inputs []*chunk) int {
	for i, c := range t.chunks {
		if c == inputs[0] {
			for j, in := range inputs {
				if i+j >= len(t.chunks) || t.chunks[i+j] != in {
					return -1
				}
			}
			return i
		}
	}
	return -1
}

// mergeStream feeds a bulk load from a read-only sweep over the window's
// sub-cursors, oldest chunk first in the slice, newest wins per key. For
// each key it emits the surviving versions newest-first, which is the
// order the bulk loader expects.
type mergeStream struct {
	subs           []chunkstore.Cursor
	alive          []bool
	started        bool
	dropTombstones bool
	txns           *txn.Registry
	pending        []chunkstore.Record
}

func (t *Tree) newMergeStream(inputs []*chunk, dropTombstones bool) (*mergeStream, error) {
	s := &mergeStream{
		subs:           make([]chunkstore.Cursor, len(inputs)),
		alive:          make([]bool, len(inputs)),
		dropTombstones: dropTombstones,
		txns:           t.txns,
	}
	for i, c := range inputs {
		cur, err := t.store.OpenCursor(c.uri(t.name))
		if err != nil {
			s.close()
			return nil, err
		}
		s.subs[i] = cur
	}
	return s, nil
}

func (s *mergeStream) close() {
	for _, c := range s.subs {
		if c != nil {
			c.Close()
		}
	}
}

func (s *mergeStream) advance(i int) error {
	err := s.subs[i].Next()
	switch {
	case err == nil:
		s.alive[i] = true
	case errors.Is(err, chunkstore.ErrNotFound):
		s.alive[i] = false
	default:
		return err
	}
	return nil
}

func (s *mergeStream) Next() (chunkstore.Record, error) {
	if !s.started {
		s.started = true
		for i := range s.subs {
			if err := s.advance(i); err != nil {
				return chunkstore.Record{}, err
			}
		}
	}

	for {
		if len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			return rec, nil
		}

		// smallest key among live sub-cursors
		minIdx := -1
		for i, alive := range s.alive {
			if !alive {
				continue
			}
			if minIdx < 0 || lessBytes(s.subs[i].Key(), s.subs[minIdx].Key()) {
				minIdx = i
			}
		}
		if minIdx < 0 {
			return chunkstore.Record{}, io.EOF
		}
		key := s.subs[minIdx].Key()

		// collect the key's version chains, newest chunk first
		var dups []int
		for i, alive := range s.alive {
			if alive && equalBytes(s.subs[i].Key(), key) {
				dups = append(dups, i)
			}
		}
		for j := len(dups) - 1; j >= 0; j-- {
			i := dups[j]
			sub := s.subs[i]
			for {
				// rolled-back records can never become visible again;
				// every merge discards them
				if !s.txns.Aborted(sub.Txn()) {
					s.pending = append(s.pending, chunkstore.Record{
						Key:       key,
						Value:     sub.Value(),
						Txn:       sub.Txn(),
						Tombstone: sub.Tombstone(),
					})
				}
				if err := sub.OlderVersion(); err != nil {
					break
				}
			}
		}
		for _, i := range dups {
			if err := s.advance(i); err != nil {
				return chunkstore.Record{}, err
			}
		}

		if len(s.pending) == 0 {
			continue
		}
		if s.dropTombstones {
			// oldest-touching merge: only the newest version survives,
			// and a deleted key disappears entirely
			if s.pending[0].Tombstone {
				s.pending = nil
				continue
			}
			s.pending = s.pending[:1]
		}
	}
}

func lessBytes(a, b []byte) bool  { return string(a) < string(b) }
func equalBytes(a, b []byte) bool { return string(a) == string(b) }
