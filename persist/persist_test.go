package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/scsync/block"
)

func sampleID(seed byte) block.BlockId {
	var id block.BlockId
	for i := range id {
		id[i] = seed
	}
	return id
}

func TestDirSpreadsAcrossPrefix(t *testing.T) {
	id := sampleID(0xab)
	dir := Dir("/base", id)
	require.Equal(t, filepath.Join("/base", id.String()[:2], id.String()), dir)
}

func TestOpenBitmapCreatesDirAndFile(t *testing.T) {
	base := t.TempDir()
	id := sampleID(1)

	m, err := OpenBitmap(base, id, 10)
	require.NoError(t, err)
	defer m.Close()

	_, err = os.Stat(BitmapPath(base, id))
	require.NoError(t, err)
	require.True(t, Resumable(base, id))
}

func TestResumableSurvivesReopenAndClearsOnUnlink(t *testing.T) {
	base := t.TempDir()
	id := sampleID(2)

	m, err := OpenBitmap(base, id, 16)
	require.NoError(t, err)
	m.Set(0)
	m.Set(1)
	require.NoError(t, m.Close())

	require.True(t, Resumable(base, id))

	reopened, err := OpenBitmap(base, id, 16)
	require.NoError(t, err)
	require.True(t, reopened.Get(0))
	require.True(t, reopened.Get(1))
	require.False(t, reopened.Get(2))

	require.NoError(t, reopened.Unlink())
	require.False(t, Resumable(base, id))
}

func TestFilePathUnderDir(t *testing.T) {
	base := t.TempDir()
	id := sampleID(3)
	require.Equal(t, filepath.Join(Dir(base, id), "file"), FilePath(base, id))
}
