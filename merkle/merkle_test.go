package merkle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/tree"
)

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o644))
	return root
}

func TestBuildMaterializeRoundTrip(t *testing.T) {
	src := writeTree(t)
	db, err := BuildFromDirectory(src)
	require.NoError(t, err)

	f, err := NewFrontend(db)
	require.NoError(t, err)
	defer f.Close()

	require.True(t, f.Verify(false))

	out := t.TempDir()
	require.NoError(t, f.Materialize(out))

	got, err := os.ReadFile(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	got, err = os.ReadFile(filepath.Join(out, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestVerifyFalseWhenRootMissing(t *testing.T) {
	src := writeTree(t)
	built, err := BuildFromDirectory(src)
	require.NoError(t, err)

	empty := store.New(built.Root())
	f, err := NewFrontend(empty)
	require.NoError(t, err)
	defer f.Close()

	require.False(t, f.Verify(false))
}

func TestResolveFindsLeafByID(t *testing.T) {
	src := writeTree(t)
	db, err := BuildFromDirectory(src)
	require.NoError(t, err)

	f, err := NewFrontend(db)
	require.NoError(t, err)
	defer f.Close()

	dir, fullBlk, err := f.decodeDirectory(db.Root())
	require.NoError(t, err)
	require.NotNil(t, fullBlk)

	var leafID block.BlockId
	for _, c := range dir.Children {
		if c.Type == tree.KindLeaf {
			leafID = tree.ChildRef(c).Id
			break
		}
	}
	require.NotEqual(t, block.BlockId{}, leafID)

	decoded, err := f.Resolve(leafID, false)
	require.NoError(t, err)
	require.Equal(t, tree.KindLeaf, decoded.Kind)
}
