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

func seedDB(t *testing.T, data []byte) (*store.Db, block.BlockId) {
	t.Helper()
	id := block.Sum(data)
	db := store.New(block.BlockRef{Id: id})
	db.Add(&block.Full{Id: id, Data: data})
	return db, id
}

func TestHandleRequestAllocatesAndIsIdempotent(t *testing.T) {
	data := make([]byte, block.ChunkSize*2+1)
	db, id := seedDB(t, data)
	out := NewOut(db, 1000)

	resp1, err := out.HandleRequest(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), resp1.Start)
	require.Equal(t, uint64(1003), resp1.End)
	require.Equal(t, uint64(len(data)), resp1.Len)

	resp2, err := out.HandleRequest(id)
	require.NoError(t, err)
	require.Equal(t, resp1, resp2, "a repeated BlockRequest must yield an identical response")
}

func TestHandleRequestAllocationsMonotonic(t *testing.T) {
	dataA := make([]byte, block.ChunkSize)
	dataB := make([]byte, block.ChunkSize)
	dataB[0] = 1
	idA := block.Sum(dataA)
	idB := block.Sum(dataB)

	db := store.New(block.BlockRef{})
	db.Add(&block.Full{Id: idA, Data: dataA})
	db.Add(&block.Full{Id: idB, Data: dataB})
	out := NewOut(db, 0)

	respA, err := out.HandleRequest(idA)
	require.NoError(t, err)
	respB, err := out.HandleRequest(idB)
	require.NoError(t, err)
	require.True(t, respB.Start >= respA.End)
}

func TestSenderLoopPacesThroughMissingRanges(t *testing.T) {
	data := make([]byte, block.ChunkSize*2+5)
	db, id := seedDB(t, data)
	out := NewOut(db, 0)

	resp, err := out.HandleRequest(id)
	require.NoError(t, err)
	require.Equal(t, uint64(3), resp.End-resp.Start)

	require.NoError(t, out.HandleStatus(wire.NewTransferStatus(0, []bool{false, false, false}, wire.MTU)))
	require.False(t, out.Idle())

	// One pass sends each missing chunk once; after the last one the
	// cursor goes idle until a fresh TransferStatus arrives.
	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		p, ok, err := out.Next()
		require.NoError(t, err)
		require.True(t, ok)
		seen[p.ChunkId] = true
	}
	require.Equal(t, map[uint64]bool{0: true, 1: true, 2: true}, seen)
}

func TestSenderLoopSkipsAcknowledgedChunks(t *testing.T) {
	data := make([]byte, block.ChunkSize*3)
	db, id := seedDB(t, data)
	out := NewOut(db, 0)
	_, err := out.HandleRequest(id)
	require.NoError(t, err)

	// chunk 1 already acknowledged by the receiver: only 0 and 2 remain.
	require.NoError(t, out.HandleStatus(wire.NewTransferStatus(0, []bool{false, true, false}, wire.MTU)))

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		p, ok, err := out.Next()
		require.NoError(t, err)
		require.True(t, ok)
		seen[p.ChunkId] = true
	}
	require.Equal(t, map[uint64]bool{0: true, 2: true}, seen)
}

func TestHandleStatusEmptyGoesIdle(t *testing.T) {
	data := make([]byte, block.ChunkSize)
	db, id := seedDB(t, data)
	out := NewOut(db, 0)
	_, err := out.HandleRequest(id)
	require.NoError(t, err)

	require.NoError(t, out.HandleStatus(wire.NewTransferStatus(0, []bool{true}, wire.MTU)))
	require.True(t, out.Idle())
}
