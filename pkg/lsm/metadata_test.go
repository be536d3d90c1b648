package lsm

import (
	"context"
	"os"
	"strings"
	"testing"

	"lsmtree/pkg/chunkstore/btfile"
	"lsmtree/pkg/txn"

	"github.com/stretchr/testify/require"
)

func TestMetadataRecordShape(t *testing.T) {
	tree, reg := newTestTree(t, nil)

	sess := reg.Begin()
	cur, err := tree.OpenCursor(sess, CursorOptions{})
	require.NoError(t, err)
	put(t, cur, "a", "1")
	sess.Commit()
	cur.Close()
	require.NoError(t, tree.Flush())

	data, err := os.ReadFile(tree.metaPath())
	require.NoError(t, err)
	text := string(data)
	for _, field := range []string{"name:", "last:", "chunks:", "switch_txn:", "generation:", "ondisk:"} {
		require.Contains(t, text, field)
	}
	// the merging state never reaches disk
	require.False(t, strings.Contains(text, "merging"))
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := btfile.New(dir, nil)
	require.NoError(t, err)
	tree, err := Open(testConfig(dir), Deps{Store: store, Txns: txn.NewRegistry()})
	require.NoError(t, err)

	tree.mu.Lock()
	require.NoError(t, tree.saveMetaLocked())
	tree.mu.Unlock()

	meta, err := tree.loadMeta()
	require.NoError(t, err)
	require.Equal(t, "test", meta.Name)
	require.Len(t, meta.Chunks, 1)
	require.False(t, meta.Chunks[0].OnDisk, "the primary is not ondisk")
	require.Equal(t, tree.last, meta.Last)

	require.NoError(t, tree.Close(context.Background()))
}

func TestCorruptMetadataRejected(t *testing.T) {
	dir := t.TempDir()
	store, err := btfile.New(dir, nil)
	require.NoError(t, err)

	cfg := testConfig(dir)
	require.NoError(t, os.WriteFile(dir+"/test.meta", []byte("{not yaml: ["), 0o644))

	_, err = Open(cfg, Deps{Store: store, Txns: txn.NewRegistry()})
	require.ErrorIs(t, err, ErrCorrupt)
}
