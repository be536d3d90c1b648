package lsm

import (
	"errors"

	"lsmtree/pkg/types"
)

// Updates land in the primary chunk only. The write path handles the
// switch dance: it may trigger one (non-blocking) when the primary has
// outgrown chunk_size, and it blocks on one when the primary is sealed or
// has hit chunk_max. Snapshot isolation needs no extra work here: the
// read path applies the visibility predicate.

// Insert stores a new key. Without Overwrite, an existing visible value
// fails with ErrDuplicateKey.
func (c *Cursor) Insert(key types.Key, value types.Value) error {
	if err := c.enterWrite(); err != nil {
		return err
	}
	if !c.opts.Overwrite {
		if _, err := c.lookup(key); err == nil {
			return ErrDuplicateKey
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return c.apply(key, value, false)
}

// Update replaces an existing key's value. Without Overwrite, a missing
// key fails with ErrNotFound.
func (c *Cursor) Update(key types.Key, value types.Value) error {
	if err := c.enterWrite(); err != nil {
		return err
	}
	if !c.opts.Overwrite {
		if _, err := c.lookup(key); err != nil {
			return err
		}
	}
	return c.apply(key, value, false)
}

// Remove deletes a key by writing a tombstone into the primary; the
// tombstone shadows every older chunk until a merge erases both.
func (c *Cursor) Remove(key types.Key) error {
	if err := c.enterWrite(); err != nil {
		return err
	}
	if !c.opts.Overwrite {
		if _, err := c.lookup(key); err != nil {
			return err
		}
	}
	return c.apply(key, nil, true)
}

func (c *Cursor) enterWrite() error {
	if c.readonly() || c.opts.Raw {
		return ErrReadOnly
	}
	if c.sess == nil {
		return ErrInvalidArgument
	}
	c.endIteration()
	return c.enter(false)
}

// apply lands one mutation in the primary, retrying across concurrent
// switches until the record sits inside its chunk's switch_txn horizon.
func (c *Cursor) apply(key types.Key, value types.Value, tombstone bool) error {
	t := c.tree
	for attempt := 0; ; attempt++ {
		if attempt > 16 {
			// the chunk snapshot keeps getting invalidated under us; hand
			// the retry back to the caller
			return ErrRollback
		}
		if !t.active.Load() {
			return ErrShutdown
		}
		if c.dskGen != t.dskGen.Load() {
			c.releaseChunks()
			c.captureChunks()
		}
		if len(c.chunks) == 0 {
			return ErrShutdown
		}
		pi := len(c.chunks) - 1
		p := c.chunks[pi]
		if p.getState() != stateActive {
			// sealed underneath us; push a switch and wait for the fresh
			// primary to appear
			t.requestSwitch(false)
			if !c.waitSwitch() {
				return ErrShutdown
			}
			continue
		}
		if info, err := t.store.Stat(p.uri(t.name)); err == nil && info.Size >= t.cfg.ChunkMax {
			// over the hard cap writers block rather than grow the chunk
			t.requestSwitch(true)
			if !c.waitSwitch() {
				return ErrShutdown
			}
			continue
		}

		txnid := c.sess.ID()
		// candidate for the chunk's switch_txn stamp, merged in before the
		// write so a concurrent switch can never understamp it
		p.maxSwitchTxn(txnid)
		if p.getState() != stateActive {
			continue
		}

		sub, err := c.sub(pi)
		if err != nil {
			return err
		}
		if tombstone {
			err = sub.Remove(key, txnid)
		} else {
			err = sub.Insert(key, value, txnid)
		}
		if err != nil {
			return mapStoreErr(err)
		}

		if st := p.switchTxn.Load(); p.getState() != stateActive && txnid > st {
			// the switch stamped before our candidate landed, so the write
			// sits beyond the sealed chunk's horizon; redo it in the new
			// primary, where it shadows the stale copy
			continue
		}

		c.updateCount++
		c.key = append(c.key[:0], key...)
		c.value = value
		c.tombstone = tombstone

		if info, err := t.store.Stat(p.uri(t.name)); err == nil && info.Size >= t.cfg.ChunkSize {
			t.requestSwitch(false)
		}
		t.thr.charge()
		return nil
	}
}

// waitSwitch blocks until the tree's generation moves or the tree shuts
// down. Returns false on shutdown.
func (c *Cursor) waitSwitch() bool {
	t := c.tree
	gen := t.dskGen.Load()
	t.switchMu.Lock()
	defer t.switchMu.Unlock()
	for t.active.Load() && t.dskGen.Load() == gen {
		t.switchCond.Wait()
	}
	return t.active.Load()
}
