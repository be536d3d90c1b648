package lsm

import (
	"errors"
	"os"
	"time"

	"lsmtree/pkg/bloom"
	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/types"

	"github.com/zhangyunhao116/fastrand"
)

const workerTick = 100 * time.Millisecond

// runWorker is one pool thread: wait for a unit matching the mask,
// execute it, requeue transient failures with backoff.
func (t *Tree) runWorker(id int, mask uint32) {
	defer t.wg.Done()
	for t.active.Load() {
		u := t.mgr.next(mask, workerTick)
		if u == nil {
			continue
		}
		err := t.execute(u)
		switch {
		case err == nil:
		case errors.Is(err, ErrShutdown):
			return
		case errors.Is(err, ErrBusy) || errors.Is(err, chunkstore.ErrBusy):
			d, ok := u.nextDelay()
			if !ok {
				t.log.Warn("work unit gave up", "op", u.op.String(), "chunk", u.chunkID)
				continue
			}
			jitter := time.Duration(fastrand.Uint32n(uint32(d/4) + 1))
			t.mgr.enqueueAfter(u, d+jitter)
		default:
			t.log.Error("work unit failed", "op", u.op.String(), "chunk", u.chunkID, "error", err)
		}
	}
}

// execute dispatches one unit. Every operation is idempotent: a unit
// whose effect already happened returns nil.
func (t *Tree) execute(u *workUnit) error {
	if !t.active.Load() {
		return ErrShutdown
	}
	switch u.op {
	case opSwitch:
		return t.doSwitch(u.force)
	case opFlush:
		return t.doFlush(u.chunkID)
	case opBloom:
		return t.doBloom(u.chunkID)
	case opMerge:
		_, err := t.doMerge()
		return err
	case opDrop:
		return t.doDrop()
	default:
		return ErrInvalidArgument
	}
}

// doFlush checkpoints a sealed chunk to durable storage and marks it on
// disk.
func (t *Tree) doFlush(id types.ChunkID) error {
	c := t.chunkByID(id)
	if c == nil {
		// already merged away
		return nil
	}
	defer c.refs.Add(-1)

	if c.onDisk() || c.getState() == stateActive {
		return nil
	}
	if !t.active.Load() {
		return ErrShutdown
	}

	info, err := t.store.Checkpoint(c.uri(t.name))
	switch {
	case err == nil:
	case errors.Is(err, chunkstore.ErrBusy):
		return ErrBusy
	default:
		// fatal: the chunk stays in place for diagnosis, reads continue
		// from its in-memory content, merges skip it
		c.empty.Store(true)
		c.setState(stateOnDisk)
		t.thr.setCkpt(clampNS(int64(10 * time.Millisecond)))
		t.persistMeta()
		t.log.Error("chunk flush failed", "chunk", c.id, "error", err)
		return nil
	}

	c.count.Store(info.Count)
	c.size.Store(info.Size)
	c.transition(stateSealing, stateOnDisk)
	t.lastFlushNS.Store(time.Now().UnixNano())
	t.persistMeta()
	t.met.IncCounter("lsm_flushes", nil, 1)
	t.log.Debug("chunk flushed", "chunk", c.id, "count", info.Count, "size", info.Size)

	if t.wantBloom(c) {
		t.mgr.enqueue(&workUnit{op: opBloom, chunkID: c.id})
	}
	if t.shouldMerge() {
		t.mgr.enqueue(&workUnit{op: opMerge})
	}
	t.updateThrottles()
	return nil
}

// wantBloom applies the bloom policy to a chunk that just reached disk.
func (t *Tree) wantBloom(c *chunk) bool {
	if c.empty.Load() || c.hasBloom.Load() {
		return false
	}
	switch t.policy {
	case bloomOff:
		return false
	case bloomMerged:
		return c.generation > 0
	case bloomOldest:
		return true
	default:
		t.mu.RLock()
		oldest := len(t.chunks) > 0 && t.chunks[0] == c
		t.mu.RUnlock()
		return !oldest
	}
}

// doBloom streams every key of an on-disk chunk through a filter builder.
func (t *Tree) doBloom(id types.ChunkID) error {
	c := t.chunkByID(id)
	if c == nil {
		return nil
	}
	defer c.refs.Add(-1)

	if !c.onDisk() {
		// flush still pending; come back later
		return ErrBusy
	}
	if c.hasBloom.Load() || c.empty.Load() || c.getState() != stateOnDisk {
		return nil
	}

	// the busy count keeps the drop worker away while the filter builds
	c.bloomBusy.Add(1)
	defer c.bloomBusy.Add(-1)

	cur, err := t.store.OpenCursor(c.uri(t.name))
	if err != nil {
		return err
	}
	defer cur.Close()

	builder := bloom.NewBuilder(t.bloomPath(c), c.count.Load(), t.cfg.BloomBitCount, t.cfg.BloomHashCount)
	n := 0
	for {
		if err := cur.Next(); err != nil {
			if errors.Is(err, chunkstore.ErrNotFound) {
				break
			}
			return err
		}
		// tombstone keys go in too: a lookup must reach the tombstone to
		// stop descending into older chunks
		builder.Add(cur.Key())
		if n++; n%1024 == 0 && !t.active.Load() {
			return ErrShutdown
		}
	}
	if err := builder.Finish(); err != nil {
		return err
	}

	c.hasBloom.Store(true)
	t.persistMeta()
	t.met.IncCounter("lsm_blooms", nil, 1)
	t.log.Debug("bloom built", "chunk", c.id, "keys", n)
	return nil
}

// doDrop frees retired chunks whose readers are gone and whose successor
// is stable. Failures requeue.
func (t *Tree) doDrop() error {
	t.mu.Lock()
	var victims, keep []*chunk
	for _, c := range t.oldChunks {
		if c.refs.Load() == 0 && c.bloomBusy.Load() == 0 && t.successorStableLocked(c) {
			victims = append(victims, c)
		} else {
			keep = append(keep, c)
		}
	}
	t.oldChunks = keep
	t.mu.Unlock()

	var failed []*chunk
	for _, c := range victims {
		if err := t.store.Drop(c.uri(t.name)); err != nil {
			t.log.Warn("chunk drop failed", "chunk", c.id, "error", err)
			failed = append(failed, c)
			continue
		}
		if err := bloom.Drop(t.bloomPath(c)); err != nil {
			t.log.Warn("bloom drop failed", "chunk", c.id, "error", err)
		}
		t.met.IncCounter("lsm_drops", nil, 1)
		t.log.Debug("chunk dropped", "chunk", c.id)
	}

	if len(failed) > 0 {
		t.mu.Lock()
		t.oldChunks = append(t.oldChunks, failed...)
		t.mu.Unlock()
		return ErrBusy
	}
	if len(keep) > 0 {
		// chunks still pinned by cursors or bloom builds; come back
		return ErrBusy
	}
	return nil
}

// successorStableLocked reports whether the merge output that replaced c
// has been made durable. A missing successor was itself merged further;
// its own replacement carried the data forward durably.
func (t *Tree) successorStableLocked(c *chunk) bool {
	succ := c.successor.Load()
	if succ == 0 {
		return true
	}
	for _, a := range t.chunks {
		if a.id == succ {
			return a.stable.Load()
		}
	}
	return true
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
