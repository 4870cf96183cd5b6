package bitmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapSetAllCountZeros(t *testing.T) {
	m := New(11)
	require.False(t, m.All())
	require.EqualValues(t, 11, m.CountZeros())

	for i := uint(0); i < 10; i++ {
		m.Set(i)
	}
	require.False(t, m.All())
	require.EqualValues(t, 1, m.CountZeros())

	m.Set(10)
	require.True(t, m.All())
	require.EqualValues(t, 0, m.CountZeros())
}

func TestMapSnapshotIsCopy(t *testing.T) {
	m := New(4)
	m.Set(1)
	snap := m.Snapshot()
	require.Equal(t, []bool{false, true, false, false}, snap)

	m.Set(2)
	require.Equal(t, []bool{false, true, false, false}, snap, "snapshot must not observe later writes")
}

func TestMapOpenResumesAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bitmap")

	m1, err := Open(path, 20)
	require.NoError(t, err)
	m1.Set(3)
	m1.Set(19)
	require.NoError(t, m1.Close())

	m2, err := Open(path, 20)
	require.NoError(t, err)
	defer m2.Close()
	require.True(t, m2.Get(3))
	require.True(t, m2.Get(19))
	require.False(t, m2.Get(0))
	require.EqualValues(t, 18, m2.CountZeros())
}

func TestMapUnlinkRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bitmap")

	m, err := Open(path, 8)
	require.NoError(t, err)
	require.NoError(t, m.Unlink())

	_, err = Open(path, 8)
	require.NoError(t, err, "Unlink should allow recreating the file fresh")
}
