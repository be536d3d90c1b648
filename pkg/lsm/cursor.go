package lsm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"lsmtree/pkg/bloom"
	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/txn"
	"lsmtree/pkg/types"
)

// CursorOptions configure an LSM cursor at open time.
type CursorOptions struct {
	// Bulk opens a read-only merging cursor that surfaces raw records,
	// tombstones included, with no visibility checks.
	Bulk bool
	// Overwrite relaxes Insert/Update/Remove existence checks.
	Overwrite bool
	// Raw skips snapshot acquisition; reads see every committed and
	// uncommitted record.
	Raw bool
	// Checkpoint opens read-only over the chunks stable as of the last
	// checkpoint; switching is never triggered. Only the name "last" is
	// retained.
	Checkpoint string
}

// ParseCursorOptions parses a comma-separated option string, e.g.
// "bulk,overwrite" or "checkpoint=last".
func ParseCursorOptions(s string) (CursorOptions, error) {
	var opts CursorOptions
	if s == "" {
		return opts, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "bulk":
			opts.Bulk = true
		case part == "overwrite":
			opts.Overwrite = true
		case part == "raw":
			opts.Raw = true
		case strings.HasPrefix(part, "checkpoint="):
			opts.Checkpoint = strings.TrimPrefix(part, "checkpoint=")
		case part == "":
		default:
			return CursorOptions{}, fmt.Errorf("%w: cursor option %q", ErrInvalidArgument, part)
		}
	}
	return opts, nil
}

const (
	iterNone = 0
	iterNext = 1
	iterPrev = -1
)

// Cursor is a snapshot-consistent merging iterator over the tree's chunk
// array plus the primary. It captures the array at open time and refreshes
// the capture when the tree's generation moves, except while pinned inside
// an iteration.
type Cursor struct {
	tree *Tree
	sess *txn.Session
	snap *txn.Snapshot
	opts CursorOptions

	dskGen uint64
	chunks []*chunk
	subs   []chunkstore.Cursor
	blooms []*bloom.Filter
	// a nil entry in blooms may mean "not tried yet"
	bloomTried []bool
	posOK      []bool

	// trailing chunks needing per-record visibility checks; everything
	// below the boundary is wholly visible to the snapshot
	nupdates int

	sessGen uint64

	iter      int
	curIdx    int
	key       []byte
	value     []byte
	tombstone bool
	multiple  bool

	updateCount int
}

// OpenCursor captures the current chunk array under the read lock and
// acquires a snapshot for the session unless the cursor reads raw.
func (t *Tree) OpenCursor(sess *txn.Session, opts CursorOptions) (*Cursor, error) {
	if !t.active.Load() {
		return nil, ErrShutdown
	}
	if opts.Checkpoint != "" && opts.Checkpoint != "last" {
		return nil, fmt.Errorf("%w: unknown checkpoint %q", ErrInvalidArgument, opts.Checkpoint)
	}
	c := &Cursor{tree: t, sess: sess, opts: opts, curIdx: -1}
	if !c.rawVisibility() {
		c.snap = t.txns.Snapshot(sess)
		if sess != nil {
			c.sessGen = sess.Gen()
		}
	}
	c.captureChunks()
	return c, nil
}

func (c *Cursor) rawVisibility() bool {
	return c.opts.Raw || c.opts.Bulk
}

func (c *Cursor) readonly() bool {
	return c.opts.Bulk || c.opts.Checkpoint != ""
}

// captureChunks snapshots the active array: per-chunk references, the
// generation counter and the visibility boundary.
func (c *Cursor) captureChunks() {
	t := c.tree
	t.mu.RLock()
	var chunks []*chunk
	if c.opts.Checkpoint != "" {
		// non-nil even when nothing is stable yet: enter() treats a nil
		// array as a released cursor
		chunks = make([]*chunk, 0, len(t.chunks))
		for _, ch := range t.chunks {
			if ch.stable.Load() {
				chunks = append(chunks, ch)
			}
		}
	} else {
		chunks = make([]*chunk, len(t.chunks))
		copy(chunks, t.chunks)
	}
	for _, ch := range chunks {
		ch.refs.Add(1)
	}
	c.dskGen = t.dskGen.Load()

	if c.rawVisibility() {
		c.nupdates = len(chunks)
	} else {
		n := 0
		for i := len(chunks) - 1; i >= 0; i-- {
			ch := chunks[i]
			st := ch.switchTxn.Load()
			if ch.getState() == stateActive || st == 0 || !c.snap.VisibleAll(st) {
				n++
				continue
			}
			break
		}
		c.nupdates = n
	}
	t.mu.RUnlock()

	c.chunks = chunks
	c.subs = make([]chunkstore.Cursor, len(chunks))
	c.blooms = make([]*bloom.Filter, len(chunks))
	c.bloomTried = make([]bool, len(chunks))
	c.posOK = make([]bool, len(chunks))
}

func (c *Cursor) releaseChunks() {
	for _, sub := range c.subs {
		if sub != nil {
			sub.Close()
		}
	}
	for _, f := range c.blooms {
		if f != nil {
			f.Close()
		}
	}
	for _, ch := range c.chunks {
		ch.refs.Add(-1)
	}
	c.chunks, c.subs, c.blooms, c.bloomTried, c.posOK = nil, nil, nil, nil, nil
}

// sub opens the chunk's store cursor on first use.
func (c *Cursor) sub(i int) (chunkstore.Cursor, error) {
	if c.subs[i] != nil {
		return c.subs[i], nil
	}
	cur, err := c.tree.store.OpenCursor(c.chunks[i].uri(c.tree.name))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	c.subs[i] = cur
	return cur, nil
}

// bloomFor opens the chunk's filter on first use; a load failure just
// disables the shortcut for this cursor.
func (c *Cursor) bloomFor(i int) *bloom.Filter {
	if c.bloomTried[i] {
		return c.blooms[i]
	}
	c.bloomTried[i] = true
	f, err := bloom.Open(c.tree.bloomPath(c.chunks[i]))
	if err != nil {
		c.tree.log.Warn("bloom open failed", "chunk", c.chunks[i].id, "error", err)
		return nil
	}
	c.blooms[i] = f
	return f
}

// enter runs the per-call staleness check. A cursor pinned inside an
// iteration keeps its captured view; everything else re-snapshots when the
// tree's generation moved.
func (c *Cursor) enter(iterating bool) error {
	if c.tree == nil || c.chunks == nil {
		return ErrShutdown
	}
	if !c.tree.active.Load() {
		return ErrShutdown
	}
	// a session that committed since the snapshot was taken expects later
	// reads to observe its writes; outside an iteration, take a new one
	if c.snap != nil && c.sess != nil && c.sessGen != c.sess.Gen() && c.iter == iterNone {
		c.snap.Close()
		c.snap = c.tree.txns.Snapshot(c.sess)
		c.sessGen = c.sess.Gen()
	}
	if c.dskGen == c.tree.dskGen.Load() {
		return nil
	}
	if iterating && c.iter != iterNone {
		return nil
	}
	c.endIteration()
	c.releaseChunks()
	c.captureChunks()
	return nil
}

func (c *Cursor) endIteration() {
	c.iter = iterNone
	c.multiple = false
	c.curIdx = -1
}

// Search returns the newest visible value for key, walking sub-cursors
// from the newest chunk down and consulting Bloom filters on the sealed
// ones.
func (c *Cursor) Search(key types.Key) (types.Value, error) {
	if err := c.enter(false); err != nil {
		return nil, err
	}
	c.endIteration()
	v, err := c.lookup(key)
	if err == nil {
		c.key = append([]byte(nil), key...)
		c.value = v
	}
	return v, err
}

func (c *Cursor) lookup(key types.Key) (types.Value, error) {
	for i := len(c.chunks) - 1; i >= 0; i-- {
		ch := c.chunks[i]
		if ch.getState() != stateActive && ch.hasBloom.Load() {
			if f := c.bloomFor(i); f != nil && !f.Contains(key) {
				continue
			}
		}
		sub, err := c.sub(i)
		if err != nil {
			return nil, err
		}
		err = sub.Search(key)
		if errors.Is(err, chunkstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, mapStoreErr(err)
		}
		val, tomb, ok := c.visibleRecord(i)
		if !ok {
			// nothing visible here; an older chunk may still hold the key
			continue
		}
		if tomb {
			return nil, ErrNotFound
		}
		return val, nil
	}
	return nil, ErrNotFound
}

// visibleRecord resolves the newest version visible to the cursor's
// snapshot at sub i's current position.
func (c *Cursor) visibleRecord(i int) (val types.Value, tombstone, ok bool) {
	sub := c.subs[i]
	if c.rawVisibility() {
		return sub.Value(), sub.Tombstone(), true
	}
	if i < len(c.chunks)-c.nupdates {
		// wholly visible chunk: only rolled-back leftovers need skipping
		for {
			if !c.snap.Aborted(sub.Txn()) {
				return sub.Value(), sub.Tombstone(), true
			}
			if err := sub.OlderVersion(); err != nil {
				return nil, false, false
			}
		}
	}
	for {
		if c.snap.Visible(sub.Txn()) {
			return sub.Value(), sub.Tombstone(), true
		}
		if err := sub.OlderVersion(); err != nil {
			return nil, false, false
		}
	}
}

// Next advances the iteration and returns the next logical key exactly
// once, even when the key lives in several chunks.
func (c *Cursor) Next() (types.Key, types.Value, error) {
	if err := c.enter(true); err != nil {
		return nil, nil, err
	}
	if c.iter != iterNext {
		if err := c.beginIter(iterNext); err != nil {
			return nil, nil, err
		}
	} else if err := c.advanceCurrent(iterNext); err != nil {
		return nil, nil, err
	}
	return c.resolve(iterNext)
}

// Prev is the mirror of Next.
func (c *Cursor) Prev() (types.Key, types.Value, error) {
	if err := c.enter(true); err != nil {
		return nil, nil, err
	}
	if c.iter != iterPrev {
		if err := c.beginIter(iterPrev); err != nil {
			return nil, nil, err
		}
	} else if err := c.advanceCurrent(iterPrev); err != nil {
		return nil, nil, err
	}
	return c.resolve(iterPrev)
}

// beginIter positions every sub-cursor for a fresh run or a direction
// change. Independently iterating sub-cursors diverge, so a direction
// change repositions each one around the current key with a single
// SearchNear.
func (c *Cursor) beginIter(dir int) error {
	resume := c.key != nil
	for i := range c.subs {
		sub, err := c.sub(i)
		if err != nil {
			return err
		}
		if !resume {
			if err := sub.Reset(); err != nil {
				return mapStoreErr(err)
			}
			c.posOK[i] = true
			if err := c.move(i, dir); err != nil {
				return err
			}
			continue
		}
		if err := c.repositionPast(i, c.key, dir); err != nil {
			return err
		}
	}
	c.iter = dir
	c.multiple = false
	return nil
}

// repositionPast leaves sub i at the first key strictly beyond pivot in
// the iteration direction.
func (c *Cursor) repositionPast(i int, pivot types.Key, dir int) error {
	sub, err := c.sub(i)
	if err != nil {
		return err
	}
	rel, err := sub.SearchNear(pivot)
	if errors.Is(err, chunkstore.ErrNotFound) {
		c.posOK[i] = false
		return nil
	}
	if err != nil {
		return mapStoreErr(err)
	}
	c.posOK[i] = true
	if dir > 0 {
		if rel == chunkstore.Exact || rel == chunkstore.Less {
			return c.move(i, dir)
		}
		return nil
	}
	if rel == chunkstore.Exact || rel == chunkstore.Greater {
		return c.move(i, dir)
	}
	return nil
}

// advanceCurrent steps past the current key: every sub-cursor positioned
// on it moves, which restores the heap property when the key was present
// in several chunks.
func (c *Cursor) advanceCurrent(dir int) error {
	for i := range c.subs {
		if !c.posOK[i] || c.subs[i] == nil {
			continue
		}
		if bytes.Equal(c.subs[i].Key(), c.key) {
			if err := c.move(i, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cursor) move(i, dir int) error {
	var err error
	if dir > 0 {
		err = c.subs[i].Next()
	} else {
		err = c.subs[i].Prev()
	}
	switch {
	case err == nil:
		c.posOK[i] = true
	case errors.Is(err, chunkstore.ErrNotFound):
		c.posOK[i] = false
	default:
		return mapStoreErr(err)
	}
	return nil
}

// resolve finds the winning key across the positioned sub-cursors and
// applies visibility and tombstone rules. When several chunks hold the
// key, the newest chunk wins and the rest are advanced past it.
func (c *Cursor) resolve(dir int) (types.Key, types.Value, error) {
	for {
		best := -1
		for i := range c.subs {
			if !c.posOK[i] {
				continue
			}
			if best < 0 {
				best = i
				continue
			}
			cmp := bytes.Compare(c.subs[i].Key(), c.subs[best].Key())
			if (dir > 0 && cmp < 0) || (dir < 0 && cmp > 0) {
				best = i
			}
		}
		if best < 0 {
			// exhausted: the cursor ends up unpositioned, so the next call
			// starts over from the relevant end
			c.endIteration()
			c.key = nil
			c.value = nil
			return nil, nil, ErrNotFound
		}
		key := c.subs[best].Key()

		var dups []int
		for i := range c.subs {
			if c.posOK[i] && bytes.Equal(c.subs[i].Key(), key) {
				dups = append(dups, i)
			}
		}
		c.multiple = len(dups) > 1

		for j := len(dups) - 1; j >= 0; j-- {
			i := dups[j]
			val, tomb, ok := c.visibleRecord(i)
			if !ok {
				continue
			}
			if tomb && !c.opts.Bulk {
				// visible tombstone: the key is deleted at this snapshot
				break
			}
			c.curIdx = i
			c.key = append(c.key[:0], key...)
			c.value = val
			c.tombstone = tomb
			return c.key, val, nil
		}

		// nothing visible at this key (or it is tombstoned): step every
		// matching sub-cursor past it and try the next key
		c.key = append(c.key[:0], key...)
		for _, i := range dups {
			if err := c.move(i, dir); err != nil {
				return nil, nil, err
			}
		}
	}
}

// SearchNear returns the key's value, or the nearest neighbor when the
// exact key is absent: the next larger key if one exists, otherwise the
// next smaller.
func (c *Cursor) SearchNear(key types.Key) (types.Key, types.Value, chunkstore.Relation, error) {
	if v, err := c.Search(key); err == nil {
		return append([]byte(nil), key...), v, chunkstore.Exact, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, 0, err
	}

	c.endIteration()
	c.key = append(c.key[:0], key...)
	if err := c.beginIter(iterNext); err != nil {
		return nil, nil, 0, err
	}
	if k, v, err := c.resolve(iterNext); err == nil {
		c.iter = iterNext
		return k, v, chunkstore.Greater, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, 0, err
	}

	c.endIteration()
	c.key = append(c.key[:0], key...)
	if err := c.beginIter(iterPrev); err != nil {
		return nil, nil, 0, err
	}
	k, v, err := c.resolve(iterPrev)
	if err != nil {
		return nil, nil, 0, err
	}
	c.iter = iterPrev
	return k, v, chunkstore.Less, nil
}

// Tombstone reports whether the current record is a deletion marker. Reads
// surface one only on bulk cursors; after a Remove, any write cursor
// reports true for the removed key.
func (c *Cursor) Tombstone() bool {
	return c.tombstone
}

// Key returns the cursor's current key.
func (c *Cursor) Key() types.Key {
	return c.key
}

// Value returns the cursor's current value.
func (c *Cursor) Value() types.Value {
	return c.value
}

// Reset drops the iteration state and position so the next call observes
// a fresh chunk snapshot if the tree changed.
func (c *Cursor) Reset() error {
	c.endIteration()
	c.key = nil
	c.value = nil
	c.tombstone = false
	for _, sub := range c.subs {
		if sub != nil {
			if err := sub.Reset(); err != nil {
				return mapStoreErr(err)
			}
		}
	}
	return nil
}

// Close releases the chunk references and the snapshot.
func (c *Cursor) Close() error {
	if c.chunks != nil {
		c.releaseChunks()
	}
	if c.snap != nil {
		c.snap.Close()
		c.snap = nil
	}
	c.tree = nil
	return nil
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chunkstore.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, chunkstore.ErrDuplicate):
		return ErrDuplicateKey
	case errors.Is(err, chunkstore.ErrBusy):
		return ErrBusy
	case errors.Is(err, chunkstore.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}
