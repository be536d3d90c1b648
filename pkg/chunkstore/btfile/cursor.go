package btfile

import (
	"bytes"
	"sort"

	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/types"
)

const (
	posNone = -1 // not positioned
	posLive = -2 // positioned by an exact Search outside the view
)

type slot struct {
	key []byte
	vs  *versions
}

// cursor walks one table. Ordered iteration runs over a view of the key
// set materialized at the first positioning call; Reset (or any write
// through this cursor) discards the view, so the next positioning sees
// later inserts. Exact Search always reads live.
type cursor struct {
	t    *table
	view []slot
	pos  int
	cur  slot
	ver  *record
}

func (c *cursor) ensureView() {
	if c.view != nil {
		return
	}
	c.view = make([]slot, 0, c.t.entries.Len())
	c.t.entries.Range(func(key []byte, vs *versions) bool {
		c.view = append(c.view, slot{key: key, vs: vs})
		return true
	})
}

func (c *cursor) setSlot(s slot) {
	c.cur = s
	c.ver = s.vs.head.Load()
}

// lowerBound returns the first view index with key >= target.
func (c *cursor) lowerBound(target []byte) int {
	return sort.Search(len(c.view), func(i int) bool {
		return bytes.Compare(c.view[i].key, target) >= 0
	})
}

func (c *cursor) Search(key types.Key) error {
	vs, ok := c.t.entries.Load(key)
	if !ok || vs.head.Load() == nil {
		return chunkstore.ErrNotFound
	}
	c.pos = posLive
	c.setSlot(slot{key: key, vs: vs})
	return nil
}

func (c *cursor) SearchNear(key types.Key) (chunkstore.Relation, error) {
	c.ensureView()
	if len(c.view) == 0 {
		return 0, chunkstore.ErrNotFound
	}
	i := c.lowerBound(key)
	if i < len(c.view) && bytes.Equal(c.view[i].key, key) {
		c.pos = i
		c.setSlot(c.view[i])
		return chunkstore.Exact, nil
	}
	if i < len(c.view) {
		c.pos = i
		c.setSlot(c.view[i])
		return chunkstore.Greater, nil
	}
	c.pos = len(c.view) - 1
	c.setSlot(c.view[c.pos])
	return chunkstore.Less, nil
}

func (c *cursor) Next() error {
	c.ensureView()
	switch c.pos {
	case posNone:
		c.pos = 0
	case posLive:
		// continue past the live-searched key
		c.pos = c.lowerBound(c.cur.key)
		if c.pos < len(c.view) && bytes.Equal(c.view[c.pos].key, c.cur.key) {
			c.pos++
		}
	default:
		c.pos++
	}
	if c.pos >= len(c.view) {
		c.pos = len(c.view)
		return chunkstore.ErrNotFound
	}
	c.setSlot(c.view[c.pos])
	return nil
}

func (c *cursor) Prev() error {
	c.ensureView()
	switch c.pos {
	case posNone:
		c.pos = len(c.view) - 1
	case posLive:
		c.pos = c.lowerBound(c.cur.key) - 1
	default:
		c.pos--
	}
	if c.pos < 0 {
		c.pos = posNone
		return chunkstore.ErrNotFound
	}
	c.setSlot(c.view[c.pos])
	return nil
}

func (c *cursor) Insert(key types.Key, value types.Value, txnid types.Txnid) error {
	c.t.put(key, value, txnid, false)
	c.invalidate()
	return nil
}

func (c *cursor) Update(key types.Key, value types.Value, txnid types.Txnid) error {
	c.t.put(key, value, txnid, false)
	c.invalidate()
	return nil
}

func (c *cursor) Remove(key types.Key, txnid types.Txnid) error {
	c.t.put(key, nil, txnid, true)
	c.invalidate()
	return nil
}

// invalidate discards the iteration view after a write so the next
// positioning call observes it.
func (c *cursor) invalidate() {
	c.view = nil
	c.pos = posNone
}

func (c *cursor) Key() types.Key {
	return c.cur.key
}

func (c *cursor) Value() types.Value {
	if c.ver == nil {
		return nil
	}
	return c.ver.value
}

func (c *cursor) Txn() types.Txnid {
	if c.ver == nil {
		return 0
	}
	return c.ver.txn
}

func (c *cursor) Tombstone() bool {
	return c.ver != nil && c.ver.tombstone
}

func (c *cursor) OlderVersion() error {
	if c.ver == nil || c.ver.next == nil {
		return chunkstore.ErrNotFound
	}
	c.ver = c.ver.next
	return nil
}

func (c *cursor) Reset() error {
	c.view = nil
	c.pos = posNone
	c.cur = slot{}
	c.ver = nil
	return nil
}

func (c *cursor) Close() error {
	return c.Reset()
}
