package lsm

import (
	"fmt"
	"sync/atomic"
	"time"

	"lsmtree/pkg/types"
)

// chunkState is the lifecycle of one chunk. Legal transitions:
//
//	Active  -> Sealing   switch stamps switch_txn and seals the primary
//	Sealing -> OnDisk    flush checkpointed the backing file
//	OnDisk  -> Merging   selected as a merge input
//	Merging -> OnDisk    merge failed, window left intact
//	Merging -> Retired   merge committed, chunk moved to the old list
//
// A sealed chunk restored from metadata starts at OnDisk; a trailing entry
// that never finished its flush is restored as the Active primary. Retired
// is terminal;
// the drop worker frees the descriptor from there.
type chunkState uint32

const (
	stateActive chunkState = iota
	stateSealing
	stateOnDisk
	stateMerging
	stateRetired
)

func (s chunkState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateSealing:
		return "sealing"
	case stateOnDisk:
		return "ondisk"
	case stateMerging:
		return "merging"
	case stateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// chunk describes one immutable on-disk table, or the single mutable
// primary at the tail of the active array.
type chunk struct {
	id         types.ChunkID
	generation types.Generation
	createTS   time.Time

	// set at seal; approximate until then
	count atomic.Uint64
	size  atomic.Uint64

	// largest transaction id permitted to write into this chunk; stamped
	// when the chunk stops being primary. Writers max-merge candidates in
	// while it is still primary.
	switchTxn atomic.Uint64

	// worker references; a chunk is never freed while either is nonzero
	refs      atomic.Int32
	bloomBusy atomic.Int32

	state atomic.Uint32

	// orthogonal to the state machine: both can apply to any state from
	// OnDisk onward
	hasBloom atomic.Bool
	stable   atomic.Bool
	empty    atomic.Bool
	evicted  atomic.Bool

	// id of the merge output that replaced this chunk; only meaningful
	// once Retired
	successor atomic.Uint32
}

func newChunk(id types.ChunkID, generation types.Generation, now time.Time) *chunk {
	return &chunk{id: id, generation: generation, createTS: now}
}

func (c *chunk) getState() chunkState {
	return chunkState(c.state.Load())
}

func (c *chunk) transition(from, to chunkState) bool {
	return c.state.CompareAndSwap(uint32(from), uint32(to))
}

func (c *chunk) setState(s chunkState) {
	c.state.Store(uint32(s))
}

// onDisk reports whether the flush completed; Merging and Retired chunks
// are still on disk.
func (c *chunk) onDisk() bool {
	return c.getState() >= stateOnDisk
}

// maxSwitchTxn folds a writer's txn id into the switch_txn candidate.
func (c *chunk) maxSwitchTxn(txnid types.Txnid) {
	for {
		cur := c.switchTxn.Load()
		if txnid <= cur || c.switchTxn.CompareAndSwap(cur, txnid) {
			return
		}
	}
}

func (c *chunk) uri(tree string) string {
	return fmt.Sprintf("%s-%06d.lsm", tree, c.id)
}

func (c *chunk) bloomURI(tree string) string {
	return fmt.Sprintf("%s-%06d.bf", tree, c.id)
}
