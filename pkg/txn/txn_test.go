package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotVisibility(t *testing.T) {
	reg := NewRegistry()

	writer := reg.Begin()
	id := writer.ID()
	require.NotZero(t, id)

	t.Run("UncommittedInvisible", func(t *testing.T) {
		reader := reg.Begin()
		snap := reg.Snapshot(reader)
		defer snap.Close()
		require.False(t, snap.Visible(id))
	})

	t.Run("OwnWritesVisible", func(t *testing.T) {
		snap := reg.Snapshot(writer)
		defer snap.Close()
		require.True(t, snap.Visible(id))
	})

	writer.Commit()

	t.Run("CommittedVisible", func(t *testing.T) {
		snap := reg.Snapshot(reg.Begin())
		defer snap.Close()
		require.True(t, snap.Visible(id))
	})

	t.Run("FutureInvisible", func(t *testing.T) {
		snap := reg.Snapshot(reg.Begin())
		defer snap.Close()
		later := reg.Begin()
		require.False(t, snap.Visible(later.ID()))
		later.Commit()
	})
}

func TestRollbackStaysInvisible(t *testing.T) {
	reg := NewRegistry()

	s := reg.Begin()
	id := s.ID()
	s.Rollback()

	snap := reg.Snapshot(reg.Begin())
	defer snap.Close()
	require.False(t, snap.Visible(id))
}

func TestNoTxnAlwaysVisible(t *testing.T) {
	reg := NewRegistry()
	snap := reg.Snapshot(nil)
	defer snap.Close()
	require.True(t, snap.Visible(0))

	var raw *Snapshot
	require.True(t, raw.Visible(42))
}

func TestLazyAllocation(t *testing.T) {
	reg := NewRegistry()
	before := reg.Current()
	_ = reg.Begin() // read-only sessions consume no ids
	require.Equal(t, before, reg.Current())
}
