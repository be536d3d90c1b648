package btfile

import (
	"fmt"
	"io"
	"testing"

	"lsmtree/pkg/chunkstore"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Create("t-1.lsm"))

	cur, err := s.OpenCursor("t-1.lsm")
	require.NoError(t, err)
	defer cur.Close()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, cur.Insert(key, []byte(fmt.Sprintf("v%02d", i)), uint64(i+1)))
	}

	t.Run("Search", func(t *testing.T) {
		require.NoError(t, cur.Search([]byte("k05")))
		require.Equal(t, []byte("v05"), cur.Value())
		require.Equal(t, uint64(6), cur.Txn())
		require.ErrorIs(t, cur.Search([]byte("zz")), chunkstore.ErrNotFound)
	})

	t.Run("ForwardScan", func(t *testing.T) {
		require.NoError(t, cur.Reset())
		var got []string
		for {
			if err := cur.Next(); err != nil {
				require.ErrorIs(t, err, chunkstore.ErrNotFound)
				break
			}
			got = append(got, string(cur.Key()))
		}
		require.Len(t, got, 10)
		require.Equal(t, "k00", got[0])
		require.Equal(t, "k09", got[9])
	})

	t.Run("BackwardScan", func(t *testing.T) {
		require.NoError(t, cur.Reset())
		require.NoError(t, cur.Prev())
		require.Equal(t, []byte("k09"), cur.Key())
		require.NoError(t, cur.Prev())
		require.Equal(t, []byte("k08"), cur.Key())
	})

	t.Run("SearchNear", func(t *testing.T) {
		require.NoError(t, cur.Reset())
		rel, err := cur.SearchNear([]byte("k05"))
		require.NoError(t, err)
		require.Equal(t, chunkstore.Exact, rel)

		rel, err = cur.SearchNear([]byte("k055"))
		require.NoError(t, err)
		require.Equal(t, chunkstore.Greater, rel)
		require.Equal(t, []byte("k06"), cur.Key())

		rel, err = cur.SearchNear([]byte("zzz"))
		require.NoError(t, err)
		require.Equal(t, chunkstore.Less, rel)
		require.Equal(t, []byte("k09"), cur.Key())
	})
}

func TestVersionChain(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Create("t-1.lsm"))

	cur, err := s.OpenCursor("t-1.lsm")
	require.NoError(t, err)
	defer cur.Close()

	require.NoError(t, cur.Insert([]byte("k"), []byte("v1"), 1))
	require.NoError(t, cur.Update([]byte("k"), []byte("v2"), 2))
	require.NoError(t, cur.Remove([]byte("k"), 3))

	require.NoError(t, cur.Search([]byte("k")))
	require.True(t, cur.Tombstone())
	require.Equal(t, uint64(3), cur.Txn())

	require.NoError(t, cur.OlderVersion())
	require.Equal(t, []byte("v2"), cur.Value())
	require.NoError(t, cur.OlderVersion())
	require.Equal(t, []byte("v1"), cur.Value())
	require.ErrorIs(t, cur.OlderVersion(), chunkstore.ErrNotFound)
}

func TestCheckpointReload(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Create("t-1.lsm"))

	cur, err := s.OpenCursor("t-1.lsm")
	require.NoError(t, err)
	require.NoError(t, cur.Insert([]byte("a"), []byte("1"), 1))
	require.NoError(t, cur.Insert([]byte("b"), []byte("2"), 1))
	require.NoError(t, cur.Remove([]byte("c"), 2))
	cur.Close()

	info, err := s.Checkpoint("t-1.lsm")
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.Count)
	require.NotZero(t, info.Size)

	// cold open through a fresh store
	s2, err := New(dir, nil)
	require.NoError(t, err)
	cur2, err := s2.OpenCursor("t-1.lsm")
	require.NoError(t, err)
	defer cur2.Close()

	require.NoError(t, cur2.Search([]byte("a")))
	require.Equal(t, []byte("1"), cur2.Value())

	// tombstones survive the checkpoint
	require.NoError(t, cur2.Search([]byte("c")))
	require.True(t, cur2.Tombstone())
}

func TestCheckpointIdempotent(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Create("t-1.lsm"))

	cur, _ := s.OpenCursor("t-1.lsm")
	require.NoError(t, cur.Insert([]byte("a"), []byte("1"), 1))
	cur.Close()

	first, err := s.Checkpoint("t-1.lsm")
	require.NoError(t, err)
	second, err := s.Checkpoint("t-1.lsm")
	require.NoError(t, err)
	require.Equal(t, first.Count, second.Count)
}

type sliceEntries struct {
	recs []chunkstore.Record
	i    int
}

func (s *sliceEntries) Next() (chunkstore.Record, error) {
	if s.i >= len(s.recs) {
		return chunkstore.Record{}, io.EOF
	}
	r := s.recs[s.i]
	s.i++
	return r, nil
}

func TestBulkLoad(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	stream := &sliceEntries{recs: []chunkstore.Record{
		{Key: []byte("a"), Value: []byte("1"), Txn: 1},
		{Key: []byte("b"), Txn: 2, Tombstone: true},
		{Key: []byte("c"), Value: []byte("3"), Txn: 3},
	}}
	info, err := s.BulkLoad("t-2.lsm", stream)
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.Count)

	cur, err := s.OpenCursor("t-2.lsm")
	require.NoError(t, err)
	defer cur.Close()
	require.NoError(t, cur.Search([]byte("b")))
	require.True(t, cur.Tombstone())
}

func TestBulkLoadRejectsDisorder(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	stream := &sliceEntries{recs: []chunkstore.Record{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("1")},
	}}
	_, err = s.BulkLoad("t-3.lsm", stream)
	require.ErrorIs(t, err, chunkstore.ErrCorrupt)
}

func TestDropIdempotent(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Create("t-1.lsm"))
	_, err = s.Checkpoint("t-1.lsm")
	require.NoError(t, err)

	require.NoError(t, s.Drop("t-1.lsm"))
	require.NoError(t, s.Drop("t-1.lsm"))

	_, err = s.OpenCursor("t-1.lsm")
	require.ErrorIs(t, err, chunkstore.ErrNotFound)
}
