// Package lsm implements the log-structured merge tree engine: a mutable
// primary chunk absorbing writes, immutable sealed chunks behind it, and a
// worker pool that switches, flushes, builds Bloom filters, merges and
// drops chunks in the background. Reads run over a snapshot of the chunk
// array through a merging cursor.
package lsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"lsmtree/pkg/bloom"
	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/config"
	"lsmtree/pkg/metrics"
	"lsmtree/pkg/txn"
	"lsmtree/pkg/types"
)

// idStride is the id gap between consecutive switch-allocated chunks.
// Merge outputs take ids from inside the gap between their neighbors, so
// the active array stays strictly id-ordered while every URI remains
// unique.
const idStride = 1 << 16

type bloomPolicy int

const (
	bloomDefault bloomPolicy = iota // every sealed chunk except the oldest
	bloomOff
	bloomOldest // the oldest chunk too
	bloomMerged // merge outputs only
)

func parseBloomPolicy(s string) (bloomPolicy, error) {
	switch s {
	case "", "default":
		return bloomDefault, nil
	case "off":
		return bloomOff, nil
	case "oldest":
		return bloomOldest, nil
	case "merged":
		return bloomMerged, nil
	default:
		return 0, fmt.Errorf("%w: bloom policy %q", ErrInvalidArgument, s)
	}
}

// Deps are the tree's external collaborators.
type Deps struct {
	Store   chunkstore.Store
	Txns    *txn.Registry
	Metrics metrics.Collector
	Logger  *slog.Logger
}

type Tree struct {
	name   string
	dir    string
	cfg    config.TreeConfig
	policy bloomPolicy

	store chunkstore.Store
	txns  *txn.Registry
	met   metrics.Collector
	log   *slog.Logger

	// mu guards the active array, the old-chunks list and the id counter.
	// Only the controller mutates the array, under the write lock; readers
	// hold the read lock just long enough to copy the slice.
	mu        sync.RWMutex
	chunks    []*chunk
	oldChunks []*chunk
	last      types.ChunkID

	// bumped on every structural change; cursors compare it to detect a
	// stale chunk snapshot
	dskGen atomic.Uint64

	needSwitch atomic.Bool
	switchMu   sync.Mutex
	switchCond *sync.Cond

	active   atomic.Bool
	readonly atomic.Bool

	mergeProgressing atomic.Uint64
	aggressiveness   atomic.Uint32
	compacting       atomic.Bool

	// shape tracking for the throttle heuristics
	lastFlushNS   atomic.Int64
	chunkFillNS   atomic.Int64
	lastMergeSeen atomic.Uint64

	thr throttle
	mgr *workManager
	wg  sync.WaitGroup
}

// Open validates the configuration, restores the persisted chunk list and
// starts the worker pool.
func Open(cfg config.TreeConfig, deps Deps) (*Tree, error) {
	if cfg.Name == "" || cfg.Dir == "" {
		return nil, fmt.Errorf("%w: tree name and dir required", ErrInvalidArgument)
	}
	if cfg.ChunkSize == 0 {
		return nil, fmt.Errorf("%w: chunk_size must be positive", ErrInvalidArgument)
	}
	if cfg.ChunkMax < cfg.ChunkSize {
		cfg.ChunkMax = cfg.ChunkSize * 16
	}
	if cfg.MergeMin < 2 || cfg.MergeMin > cfg.MergeMax || cfg.MergeMax > 10 {
		return nil, fmt.Errorf("%w: merge window %d..%d", ErrInvalidArgument, cfg.MergeMin, cfg.MergeMax)
	}
	if cfg.Workers < 1 || cfg.Workers > 10 {
		return nil, fmt.Errorf("%w: workers %d", ErrInvalidArgument, cfg.Workers)
	}
	policy, err := parseBloomPolicy(cfg.Bloom)
	if err != nil {
		return nil, err
	}
	if policy != bloomOff && (cfg.BloomBitCount == 0 || cfg.BloomHashCount == 0) {
		return nil, fmt.Errorf("%w: bloom bit/hash counts required", ErrInvalidArgument)
	}
	if deps.Store == nil || deps.Txns == nil {
		return nil, fmt.Errorf("%w: store and txn registry required", ErrInvalidArgument)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	t := &Tree{
		name:   cfg.Name,
		dir:    cfg.Dir,
		cfg:    cfg,
		policy: policy,
		store:  deps.Store,
		txns:   deps.Txns,
		met:    deps.Metrics,
		log:    deps.Logger.With("tree", cfg.Name),
		mgr:    newWorkManager(),
	}
	t.switchCond = sync.NewCond(&t.switchMu)

	if err := t.restore(); err != nil {
		return nil, err
	}

	t.active.Store(true)
	for i := 0; i < cfg.Workers; i++ {
		mask := maskAll
		if i == 0 && cfg.Workers > 1 {
			// the first worker never takes merges, so a flood of long
			// merges cannot starve switches or flushes
			mask = maskSwitch | maskApp
		}
		t.wg.Add(1)
		go t.runWorker(i, mask)
	}

	t.log.Info("tree open", "chunks", len(t.chunks), "last", t.last)
	return t, nil
}

// restore rebuilds the chunk array from the metadata record and installs a
// primary.
func (t *Tree) restore() error {
	meta, err := t.loadMeta()
	if err != nil {
		return err
	}

	now := time.Now()
	havePrimary := false
	if meta != nil {
		t.last = meta.Last
		t.dskGen.Store(meta.DskGen)
		var maxTxn types.Txnid
		for i, cm := range meta.Chunks {
			if cm.SwitchTxn > maxTxn {
				maxTxn = cm.SwitchTxn
			}
			c := newChunk(cm.ID, cm.Generation, now)
			c.count.Store(cm.Count)
			c.size.Store(cm.Size)
			c.switchTxn.Store(cm.SwitchTxn)
			c.stable.Store(cm.Stable)
			c.hasBloom.Store(cm.Bloom)
			c.empty.Store(cm.Empty)
			if cm.OnDisk {
				c.setState(stateOnDisk)
			} else if i == len(meta.Chunks)-1 {
				// trailing entry without a completed flush becomes the
				// primary again; its unflushed in-memory content is gone,
				// which is the documented durability boundary
				c.setState(stateActive)
				havePrimary = true
			} else {
				c.setState(stateOnDisk)
				c.empty.Store(true)
			}
			t.chunks = append(t.chunks, c)
		}
		// ids stamped into persisted chunks must sit in the committed past
		// of every snapshot taken from here on
		t.txns.AdvanceTo(maxTxn)
	}

	if !havePrimary {
		if err := t.installPrimaryLocked(now); err != nil {
			return err
		}
	} else {
		p := t.chunks[len(t.chunks)-1]
		if err := t.store.Create(p.uri(t.name)); err != nil {
			return err
		}
	}
	return t.saveMetaLocked()
}

// installPrimaryLocked allocates and appends a fresh primary. Caller holds
// the write lock (or has exclusive access during open).
func (t *Tree) installPrimaryLocked(now time.Time) error {
	if t.last > ^types.ChunkID(0)-2*idStride {
		return fmt.Errorf("%w: chunk id space exhausted", ErrCorrupt)
	}
	t.last += idStride
	c := newChunk(t.last, 0, now)
	if err := t.store.Create(c.uri(t.name)); err != nil {
		return err
	}
	t.chunks = append(t.chunks, c)
	return nil
}

func (t *Tree) bumpGen() {
	t.dskGen.Add(1)
}

// primaryLocked returns the tail chunk if it is writable. Caller holds at
// least the read lock.
func (t *Tree) primaryLocked() *chunk {
	if len(t.chunks) == 0 {
		return nil
	}
	p := t.chunks[len(t.chunks)-1]
	if p.getState() != stateActive {
		return nil
	}
	return p
}

// chunkByID finds an active chunk and takes a worker reference on it.
func (t *Tree) chunkByID(id types.ChunkID) *chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.chunks {
		if c.id == id {
			c.refs.Add(1)
			return c
		}
	}
	return nil
}

// requestSwitch sets NEED_SWITCH and enqueues a switch unit. Unforced
// observers race on the flag and only the first enqueues; a forced request
// always enqueues its own unit.
func (t *Tree) requestSwitch(force bool) {
	if force {
		t.needSwitch.Store(true)
		t.mgr.enqueue(&workUnit{op: opSwitch, force: true})
		return
	}
	if t.needSwitch.CompareAndSwap(false, true) {
		t.mgr.enqueue(&workUnit{op: opSwitch})
	}
}

// doSwitch seals the primary and installs a fresh one. Idempotent: if the
// primary was already switched, it only clears the flag.
func (t *Tree) doSwitch(force bool) error {
	if !t.active.Load() {
		return ErrShutdown
	}
	if t.readonly.Load() {
		return nil
	}

	var sealed *chunk
	t.mu.Lock()
	p := t.primaryLocked()
	if p == nil {
		t.needSwitch.Store(false)
		t.mu.Unlock()
		return nil
	}
	if !force && !t.needSwitch.Load() {
		t.mu.Unlock()
		return nil
	}
	if info, err := t.store.Stat(p.uri(t.name)); err == nil {
		if info.Count == 0 {
			// nothing buffered; switching would only create empty chunks
			t.needSwitch.Store(false)
			t.mu.Unlock()
			return nil
		}
		p.count.Store(info.Count)
		p.size.Store(info.Size)
	}

	// a freshly allocated id always exceeds every writer id that could
	// have reached this chunk, so switch_txn values stay strictly
	// increasing along the array
	p.maxSwitchTxn(t.txns.Stamp())
	p.transition(stateActive, stateSealing)
	sealed = p

	now := time.Now()
	if err := t.installPrimaryLocked(now); err != nil {
		// roll the seal back; the tree keeps accepting writes
		p.transition(stateSealing, stateActive)
		t.mu.Unlock()
		return err
	}
	t.bumpGen()
	t.needSwitch.Store(false)
	if err := t.saveMetaLocked(); err != nil {
		t.log.Error("switch metadata save failed", "error", err)
	}
	t.mu.Unlock()

	t.switchMu.Lock()
	t.switchCond.Broadcast()
	t.switchMu.Unlock()

	fill := now.Sub(sealed.createTS).Nanoseconds()
	t.observeChunkFill(fill)
	t.met.IncCounter("lsm_switches", nil, 1)
	t.log.Debug("chunk switched", "chunk", sealed.id, "size", sealed.size.Load())

	t.mgr.enqueue(&workUnit{op: opFlush, chunkID: sealed.id})
	t.updateThrottles()
	return nil
}

// observeChunkFill folds one primary lifetime into the moving estimate.
func (t *Tree) observeChunkFill(ns int64) {
	old := t.chunkFillNS.Load()
	if old == 0 {
		t.chunkFillNS.Store(ns)
		return
	}
	t.chunkFillNS.Store((old*3 + ns) / 4)
}

// updateThrottles recomputes both write throttles from the current tree
// shape.
func (t *Tree) updateThrottles() {
	t.mu.RLock()
	var unstable, ondisk int
	for _, c := range t.chunks {
		if c.onDisk() {
			ondisk++
			if !c.stable.Load() {
				unstable++
			}
		}
	}
	t.mu.RUnlock()

	fill := t.chunkFillNS.Load()
	if fill == 0 {
		fill = int64(time.Second)
	}

	// checkpoint lag: per-write debt grows with the unstable backlog
	if unstable > t.cfg.MergeMax {
		per := fill / int64(t.cfg.ChunkSize/64+1) * int64(unstable-t.cfg.MergeMax)
		t.thr.setCkpt(clampNS(per))
	} else {
		t.thr.decayCkpt()
	}

	// merge lag: chunks accumulating without merge progress
	prog := t.mergeProgressing.Load()
	if ondisk > 2*t.cfg.MergeMax && prog == t.lastMergeSeen.Load() {
		per := fill / int64(t.cfg.ChunkSize/64+1) * int64(ondisk-2*t.cfg.MergeMax)
		t.thr.setMerge(clampNS(per))
		t.aggressiveness.Add(1)
	} else {
		t.thr.decayMerge()
	}
	t.lastMergeSeen.Store(prog)

	t.met.SetGauge("lsm_ckpt_throttle_ns", nil, float64(t.thr.ckptNS.Load()))
	t.met.SetGauge("lsm_merge_throttle_ns", nil, float64(t.thr.mergeNS.Load()))
}

func clampNS(ns int64) int64 {
	const max = int64(10 * time.Millisecond)
	if ns < 0 {
		return 0
	}
	if ns > max {
		return max
	}
	return ns
}

// Flush forces a switch of the current primary and waits for the sealed
// chunk to reach disk.
func (t *Tree) Flush() error {
	t.mu.RLock()
	p := t.primaryLocked()
	t.mu.RUnlock()
	if p == nil {
		return nil
	}
	if err := t.doSwitch(true); err != nil {
		return err
	}
	return t.doFlush(p.id)
}

// Checkpoint makes every sealed chunk durable and stable, then persists
// the metadata record. Stable chunks unblock drops of their predecessors.
func (t *Tree) Checkpoint() error {
	t.mu.RLock()
	snapshot := make([]*chunk, len(t.chunks))
	copy(snapshot, t.chunks)
	t.mu.RUnlock()

	for _, c := range snapshot {
		if !c.onDisk() || c.stable.Load() || c.empty.Load() {
			continue
		}
		if _, err := t.store.Checkpoint(c.uri(t.name)); err != nil {
			return fmt.Errorf("%w: checkpoint chunk %d: %v", ErrIO, c.id, err)
		}
		c.stable.Store(true)
	}
	t.persistMeta()
	t.met.IncCounter("lsm_checkpoints", nil, 1)
	return nil
}

// Compact flushes the primary and drives merges until the tree is down to
// a single sealed chunk or the context ends.
func (t *Tree) Compact(ctx context.Context) error {
	if err := t.Flush(); err != nil {
		return err
	}

	t.compacting.Store(true)
	defer t.compacting.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.active.Load() {
			return ErrShutdown
		}
		t.mu.RLock()
		sealed, merging := 0, 0
		var pending []types.ChunkID
		for _, c := range t.chunks {
			switch {
			case c.getState() == stateSealing:
				pending = append(pending, c.id)
			case c.getState() == stateMerging:
				merging++
			case c.getState() == stateOnDisk && !c.empty.Load():
				sealed++
			}
		}
		t.mu.RUnlock()

		// pull queued flushes forward so the merge sees the whole tree
		for _, id := range pending {
			if err := t.doFlush(id); err != nil && !errors.Is(err, ErrBusy) {
				return err
			}
			sealed++
		}
		if sealed <= 1 {
			if merging > 0 {
				// a background merge still owns part of the tree
				time.Sleep(5 * time.Millisecond)
				continue
			}
			break
		}
		merged, err := t.doMerge()
		if err != nil {
			return err
		}
		if !merged {
			if merging > 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			break
		}
	}

	// rewrite the survivors' backing files
	t.mu.RLock()
	survivors := make([]*chunk, len(t.chunks))
	copy(survivors, t.chunks)
	t.mu.RUnlock()
	for _, c := range survivors {
		if c.getState() != stateOnDisk || c.empty.Load() {
			continue
		}
		if err := t.store.Compact(c.uri(t.name)); err != nil {
			t.log.Warn("chunk compact failed", "chunk", c.id, "error", err)
		}
	}
	return t.Checkpoint()
}

// Drop closes the tree and removes every chunk file, bloom file and the
// metadata record.
func (t *Tree) Drop() error {
	if err := t.Close(context.Background()); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range append(t.chunks, t.oldChunks...) {
		if err := t.store.Drop(c.uri(t.name)); err != nil {
			return err
		}
		if err := bloom.Drop(t.bloomPath(c)); err != nil {
			return err
		}
	}
	t.chunks, t.oldChunks = nil, nil
	return removeIfExists(t.metaPath())
}

// Close stops the workers, drains the queues and persists a final
// metadata record. Queued work is discarded, and Open does not enqueue it
// again: merges are queued anew by later flushes, and a restored chunk
// without a filter gets none unless it is merged.
func (t *Tree) Close(ctx context.Context) error {
	if !t.active.CompareAndSwap(true, false) {
		return nil
	}
	discarded := t.mgr.close()
	t.switchMu.Lock()
	t.switchCond.Broadcast()
	t.switchMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: workers did not drain: %v", ErrShutdown, ctx.Err())
	}

	if discarded > 0 {
		t.log.Debug("discarded queued work", "units", discarded)
	}
	t.persistMeta()
	t.log.Info("tree closed")
	return nil
}

// Stats is the point-in-time shape of the tree for the stats surface.
type Stats struct {
	Name          string `json:"name"`
	Chunks        int    `json:"chunks"`
	OldChunks     int    `json:"old_chunks"`
	DskGen        uint64 `json:"dsk_gen"`
	QueuedWork    int64  `json:"queued_work"`
	MergeProgress uint64 `json:"merge_progress"`
	CkptThrottle  int64  `json:"ckpt_throttle_ns"`
	MergeThrottle int64  `json:"merge_throttle_ns"`
}

func (t *Tree) Stats() Stats {
	t.mu.RLock()
	nchunks := len(t.chunks)
	nold := len(t.oldChunks)
	t.mu.RUnlock()
	return Stats{
		Name:          t.name,
		Chunks:        nchunks,
		OldChunks:     nold,
		DskGen:        t.dskGen.Load(),
		QueuedWork:    t.mgr.queued.Load(),
		MergeProgress: t.mergeProgressing.Load(),
		CkptThrottle:  t.thr.ckptNS.Load(),
		MergeThrottle: t.thr.mergeNS.Load(),
	}
}

func (t *Tree) bloomPath(c *chunk) string {
	return t.storePath(c.bloomURI(t.name))
}

// storePath maps a URI to a path in the tree directory; bloom files live
// beside the chunk files.
func (t *Tree) storePath(uri string) string {
	return filepath.Join(t.dir, uri)
}
