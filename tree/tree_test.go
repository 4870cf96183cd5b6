package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/scsync/block"
)

func sampleRef(seed byte) block.BlockRef {
	var ref block.BlockRef
	for i := range ref.Id {
		ref.Id[i] = seed
	}
	for i := range ref.Key {
		ref.Key[i] = seed + 1
	}
	return ref
}

func TestBlockRefWireRoundTrip(t *testing.T) {
	ref := sampleRef(7)
	ref.Hints = []block.Hint{{Ref: sampleRef(9), Offset: 3, Length: 11}}

	wire := ToWire(ref)
	got, err := FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, ref, got)
}

func TestFromWireRejectsMalformedLengths(t *testing.T) {
	_, err := FromWire(wireRef{Id: []byte{1, 2, 3}, Key: make([]byte, 16)})
	require.Error(t, err)

	_, err = FromWire(wireRef{Id: make([]byte, 32), Key: []byte{1}})
	require.Error(t, err)
}

func TestDirectoryRoundTrip(t *testing.T) {
	dir := Directory{Children: []Child{
		NewChild("a.txt", KindLeaf, Metadata{Mode: 0o644, ModTime: 100}, sampleRef(1)),
		NewChild("sub", KindDirectory, Metadata{Mode: 0o755, ModTime: 200}, sampleRef(2)),
	}}

	encoded, err := EncodeDirectory(dir)
	require.NoError(t, err)

	decoded, err := DecodeDirectory(encoded)
	require.NoError(t, err)
	require.Equal(t, dir, decoded)
	require.Equal(t, sampleRef(1), ChildRef(decoded.Children[0]))
}

func TestFileMetaRoundTrip(t *testing.T) {
	refs := []block.BlockRef{sampleRef(1), sampleRef(2), sampleRef(3)}
	encoded, err := EncodeFileMeta(refs)
	require.NoError(t, err)

	decoded, err := DecodeFileMeta(encoded)
	require.NoError(t, err)
	require.Equal(t, refs, decoded)
}

func TestLeafRoundTrip(t *testing.T) {
	data := []byte("hello, world")
	encoded, err := EncodeLeaf(data)
	require.NoError(t, err)

	decoded, err := DecodeLeaf(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestLeafRoundTripEmpty(t *testing.T) {
	encoded, err := EncodeLeaf(nil)
	require.NoError(t, err)

	decoded, err := DecodeLeaf(encoded)
	require.NoError(t, err)
	require.Empty(t, decoded)
}

func TestDecodeLeafRejectsFileMetaPayload(t *testing.T) {
	// A FileMeta payload decoded as a Leaf must fail: field 1 is an array
	// of wire refs, not a byte string, so DecodeLeaf's strict field typing
	// must reject it rather than silently returning garbage bytes. This is
	// the low-level signal merkle.Frontend uses to surface
	// tree.ErrNestedFileMeta instead of a generic decode error.
	encoded, err := EncodeFileMeta([]block.BlockRef{sampleRef(1)})
	require.NoError(t, err)

	_, err = DecodeLeaf(encoded)
	require.Error(t, err)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "directory", KindDirectory.String())
	require.Equal(t, "filemeta", KindFileMeta.String())
	require.Equal(t, "leaf", KindLeaf.String())
	require.Equal(t, "unknown", Kind(99).String())
}
