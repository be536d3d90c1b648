package bloom

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildOpenContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk-1.bf")

	b := NewBuilder(path, 100, 16, 8)
	for i := 0; i < 100; i++ {
		b.Add([]byte(fmt.Sprintf("key%03d", i)))
	}
	require.NoError(t, b.Finish())

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	// no false negatives, ever
	for i := 0; i < 100; i++ {
		require.True(t, f.Contains([]byte(fmt.Sprintf("key%03d", i))))
	}

	// 16 bits/key keeps spurious hits rare enough to assert on a margin
	misses := 0
	for i := 0; i < 1000; i++ {
		if !f.Contains([]byte(fmt.Sprintf("absent%04d", i))) {
			misses++
		}
	}
	require.Greater(t, misses, 900)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.bf"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestZeroCountClamped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bf")
	b := NewBuilder(path, 0, 16, 8)
	require.NoError(t, b.Finish())

	f, err := Open(path)
	require.NoError(t, err)
	f.Close()
}

func TestDropIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.bf")
	require.NoError(t, Drop(path))
	require.NoError(t, Drop(path))
}
