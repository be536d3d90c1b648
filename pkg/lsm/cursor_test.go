package lsm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/chunkstore/btfile"
	"lsmtree/pkg/config"
	"lsmtree/pkg/metrics"
	"lsmtree/pkg/txn"

	"github.com/stretchr/testify/require"
)

func TestCursorErrors(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	defer cur.Close()

	t.Run("SearchMissing", func(t *testing.T) {
		_, err := cur.Search([]byte("nope"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		put(t, cur, "dup", "1")
		require.ErrorIs(t, cur.Insert([]byte("dup"), []byte("2")), ErrDuplicateKey)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		require.ErrorIs(t, cur.Update([]byte("ghost"), []byte("v")), ErrNotFound)
	})

	t.Run("RemoveMissing", func(t *testing.T) {
		require.ErrorIs(t, cur.Remove([]byte("ghost")), ErrNotFound)
	})

	t.Run("UpdateExisting", func(t *testing.T) {
		require.NoError(t, cur.Update([]byte("dup"), []byte("2")))
		v, err := cur.Search([]byte("dup"))
		require.NoError(t, err)
		require.Equal(t, "2", string(v))
	})
}

func TestReverseIteration(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	defer cur.Close()

	for i := 0; i < 10; i++ {
		put(t, cur, fmt.Sprintf("k%02d", i), "v")
		if i == 4 {
			require.NoError(t, tree.Flush())
		}
	}

	require.NoError(t, cur.Reset())
	for i := 9; i >= 0; i-- {
		k, _, err := cur.Prev()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("k%02d", i), string(k))
	}
	_, _, err = cur.Prev()
	require.ErrorIs(t, err, ErrNotFound)
}

// TestDirectionChange flips iteration direction mid-scan; the sub-cursors
// have diverged and must be repositioned around the current key.
func TestDirectionChange(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	defer cur.Close()

	for i := 0; i < 6; i++ {
		put(t, cur, fmt.Sprintf("k%d", i), "v")
		if i == 2 {
			require.NoError(t, tree.Flush())
		}
	}

	require.NoError(t, cur.Reset())
	for i := 0; i < 3; i++ {
		_, _, err := cur.Next()
		require.NoError(t, err)
	}
	// positioned at k2; prev must return k1
	k, _, err := cur.Prev()
	require.NoError(t, err)
	require.Equal(t, "k1", string(k))

	k, _, err = cur.Next()
	require.NoError(t, err)
	require.Equal(t, "k2", string(k))
}

// TestSnapshotIsolationAcrossMerge: a cursor pinned mid-iteration keeps a
// consistent view while a merge replaces the chunks underneath it.
func TestSnapshotIsolationAcrossMerge(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		put(t, cur, fmt.Sprintf("k%03d", i), "v")
		if i%10 == 9 {
			sess.Commit()
			require.NoError(t, tree.Flush())
		}
	}
	cur.Close()

	reader := reg.Begin()
	rcur, err := tree.OpenCursor(reader, CursorOptions{})
	require.NoError(t, err)
	defer rcur.Close()

	// start iterating, then merge everything underneath the cursor
	k, _, err := rcur.Next()
	require.NoError(t, err)
	require.Equal(t, "k000", string(k))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tree.Compact(ctx))

	// pinned iteration continues over the retired chunks
	for i := 1; i < 40; i++ {
		k, _, err := rcur.Next()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("k%03d", i), string(k))
	}
	_, _, err = rcur.Next()
	require.ErrorIs(t, err, ErrNotFound)
}

// countingStore wraps a chunk store and counts cursor opens.
type countingStore struct {
	chunkstore.Store
	opens atomic.Int64
}

func (s *countingStore) OpenCursor(uri string) (chunkstore.Cursor, error) {
	s.opens.Add(1)
	return s.Store.OpenCursor(uri)
}

// TestBloomNegative: a key that was never inserted is rejected by every
// sealed chunk's filter, so only the primary's sub-cursor is opened
// (scenario E).
func TestBloomNegative(t *testing.T) {
	dir := t.TempDir()
	inner, err := btfile.New(dir, nil)
	require.NoError(t, err)
	store := &countingStore{Store: inner}

	reg := txn.NewRegistry()
	cfg := testConfig(dir)
	cfg.Bloom = "oldest"
	cfg.BloomBitCount = 32
	tree, err := Open(cfg, Deps{Store: store, Txns: reg, Metrics: metrics.NewAtomic()})
	require.NoError(t, err)
	defer tree.Close(context.Background())

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		put(t, cur, fmt.Sprintf("k%03d", i), "v")
		if i%20 == 19 {
			sess.Commit()
			require.NoError(t, tree.Flush())
		}
	}
	cur.Close()

	// wait for the background workers to finish every filter
	require.Eventually(t, func() bool {
		tree.mu.RLock()
		defer tree.mu.RUnlock()
		for _, c := range tree.chunks {
			if c.getState() == stateOnDisk && !c.hasBloom.Load() {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	reader := reg.Begin()
	rcur, err := tree.OpenCursor(reader, CursorOptions{})
	require.NoError(t, err)
	defer rcur.Close()

	before := store.opens.Load()
	_, err = rcur.Search([]byte("never-inserted"))
	require.ErrorIs(t, err, ErrNotFound)
	after := store.opens.Load()

	// all sealed chunks were skipped on bloom negatives; at most the
	// primary's sub-cursor was opened
	require.LessOrEqual(t, after-before, int64(1))
}

func TestCursorOptions(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	t.Run("ParseUnknown", func(t *testing.T) {
		_, err := ParseCursorOptions("bulk,frobnicate")
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("ParseKnown", func(t *testing.T) {
		opts, err := ParseCursorOptions("bulk, overwrite,checkpoint=last")
		require.NoError(t, err)
		require.True(t, opts.Bulk)
		require.True(t, opts.Overwrite)
		require.Equal(t, "last", opts.Checkpoint)
	})

	t.Run("UnknownCheckpointName", func(t *testing.T) {
		_, err := tree.OpenCursor(nil, CursorOptions{Checkpoint: "nightly"})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("BulkIsReadOnly", func(t *testing.T) {
		cur, err := tree.OpenCursor(nil, CursorOptions{Bulk: true})
		require.NoError(t, err)
		defer cur.Close()
		require.ErrorIs(t, cur.Insert([]byte("k"), []byte("v")), ErrReadOnly)
	})

	t.Run("CheckpointCursorReadsStableOnly", func(t *testing.T) {
		sess := reg.Begin()
		cur, err := tree.OpenCursor(sess, CursorOptions{})
		require.NoError(t, err)
		put(t, cur, "stable-key", "1")
		sess.Commit()
		cur.Close()
		require.NoError(t, tree.Flush())
		require.NoError(t, tree.Checkpoint())

		sess2 := reg.Begin()
		cur2, err := tree.OpenCursor(sess2, CursorOptions{})
		require.NoError(t, err)
		put(t, cur2, "fresh-key", "2")
		sess2.Commit()
		cur2.Close()

		ck, err := tree.OpenCursor(reg.Begin(), CursorOptions{Checkpoint: "last"})
		require.NoError(t, err)
		defer ck.Close()

		_, err = ck.Search([]byte("stable-key"))
		require.NoError(t, err)
		_, err = ck.Search([]byte("fresh-key"))
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, ck.Insert([]byte("x"), []byte("y")), ErrReadOnly)
	})
}

// TestBulkCursorSurfacesTombstones: minor-merge style reads keep deletion
// markers visible.
func TestBulkCursorSurfacesTombstones(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	put(t, cur, "gone", "1")
	sess.Commit()
	require.NoError(t, tree.Flush())
	require.NoError(t, cur.Remove([]byte("gone")))
	sess.Commit()
	cur.Close()

	bulk, err := tree.OpenCursor(nil, CursorOptions{Bulk: true})
	require.NoError(t, err)
	defer bulk.Close()

	k, _, err := bulk.Next()
	require.NoError(t, err)
	require.Equal(t, "gone", string(k))
	require.True(t, bulk.Tombstone())
}

func TestRollbackInvisible(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	w := reg.Begin()
	cur, err := tree.OpenCursor(w, CursorOptions{})
	require.NoError(t, err)
	put(t, cur, "aborted", "v")
	w.Rollback()
	cur.Close()

	r := reg.Begin()
	rcur, err := tree.OpenCursor(r, CursorOptions{})
	require.NoError(t, err)
	defer rcur.Close()
	_, err = rcur.Search([]byte("aborted"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchNear(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	defer cur.Close()

	put(t, cur, "b", "1")
	put(t, cur, "d", "2")

	k, _, rel, err := cur.SearchNear([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, chunkstore.Exact, rel)
	require.Equal(t, "b", string(k))

	k, _, rel, err = cur.SearchNear([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, chunkstore.Greater, rel)
	require.Equal(t, "d", string(k))

	k, _, rel, err = cur.SearchNear([]byte("z"))
	require.NoError(t, err)
	require.Equal(t, chunkstore.Less, rel)
	require.Equal(t, "d", string(k))
}

func TestConfigDefaultsRejectNothing(t *testing.T) {
	cfg := config.Default().Tree
	require.GreaterOrEqual(t, cfg.MergeMin, 2)
	require.LessOrEqual(t, cfg.MergeMax, 10)
	require.LessOrEqual(t, cfg.Workers, 10)
}
