// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/wire"
)

func TestHandleResponseThenPayloadsPromotes(t *testing.T) {
	data := make([]byte, block.ChunkSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	id := block.Sum(data)

	db := store.New(block.BlockRef{})
	in := NewIn(db, "")

	res, err := in.HandleResponse(wire.BlockRequestResponse{BlockId: id, Start: 100, End: 102, Len: uint64(len(data))})
	require.NoError(t, err)
	require.False(t, res.Promoted)
	require.True(t, in.Active())

	res, err = in.HandlePayload(wire.TransferPayload{ChunkId: 100, Data: data[:block.ChunkSize]})
	require.NoError(t, err)
	require.False(t, res.Promoted)

	res, err = in.HandlePayload(wire.TransferPayload{ChunkId: 101, Data: data[block.ChunkSize:]})
	require.NoError(t, err)
	require.True(t, res.Promoted)
	require.False(t, in.Active())

	full, err := db.GetFull(id)
	require.NoError(t, err)
	require.Equal(t, data, full.Data)
}

func TestHandleResponseZeroLengthPromotesImmediately(t *testing.T) {
	id := block.Sum(nil)
	db := store.New(block.BlockRef{})
	in := NewIn(db, "")

	res, err := in.HandleResponse(wire.BlockRequestResponse{BlockId: id, Start: 0, End: 0, Len: 0})
	require.NoError(t, err)
	require.True(t, res.Promoted)
}

func TestHandleResponseIsIdempotent(t *testing.T) {
	data := []byte("hello")
	id := block.Sum(data)
	db := store.New(block.BlockRef{})
	in := NewIn(db, "")

	_, err := in.HandleResponse(wire.BlockRequestResponse{BlockId: id, Start: 5, End: 6, Len: uint64(len(data))})
	require.NoError(t, err)
	_, err = in.HandleResponse(wire.BlockRequestResponse{BlockId: id, Start: 5, End: 6, Len: uint64(len(data))})
	require.NoError(t, err)

	// A duplicate response must not allocate a second transfer record: a
	// chunk for the same id should still resolve to exactly one write.
	_, err = in.HandlePayload(wire.TransferPayload{ChunkId: 5, Data: data})
	require.NoError(t, err)
}

func TestHandlePayloadUnknownChunkID(t *testing.T) {
	db := store.New(block.BlockRef{})
	in := NewIn(db, "")
	_, err := in.HandlePayload(wire.TransferPayload{ChunkId: 42, Data: []byte("x")})
	require.ErrorIs(t, err, ErrUnknownChunkID)
}

func TestHandlePayloadDigestMismatchDiscardsAndReports(t *testing.T) {
	data := []byte("hello world")
	wrongID := block.Sum([]byte("not the same bytes"))

	db := store.New(block.BlockRef{})
	in := NewIn(db, "")
	_, err := in.HandleResponse(wire.BlockRequestResponse{BlockId: wrongID, Start: 0, End: 1, Len: uint64(len(data))})
	require.NoError(t, err)

	res, err := in.HandlePayload(wire.TransferPayload{ChunkId: 0, Data: data})
	require.NoError(t, err)
	require.True(t, res.DigestMismatch)
	require.False(t, db.Contains(wrongID))
	require.False(t, in.Active())
}

func TestStatusReflectsPartialAvailability(t *testing.T) {
	data := make([]byte, 2*block.ChunkSize)
	id := block.Sum(data)
	db := store.New(block.BlockRef{})
	in := NewIn(db, "")

	_, err := in.HandleResponse(wire.BlockRequestResponse{BlockId: id, Start: 10, End: 12, Len: uint64(len(data))})
	require.NoError(t, err)
	_, err = in.HandlePayload(wire.TransferPayload{ChunkId: 10, Data: data[:block.ChunkSize]})
	require.NoError(t, err)

	status, ok := in.Status(wire.MTU)
	require.True(t, ok)
	require.Equal(t, uint64(10), status.Base)

	ranges, err := status.MissingRanges()
	require.NoError(t, err)
	require.Equal(t, []wire.Range{{From: 11, To: 12}}, ranges)
}
