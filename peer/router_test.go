// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/merkle"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/wire"
)

const addr = "10.0.0.1:9000"

func newRouterPair(t *testing.T, serverRoot block.BlockRef, serverBlocks map[block.BlockId]block.Block) (*Router, *Router) {
	t.Helper()
	serverDB := store.NewWithBlocks(serverRoot, serverBlocks)
	serverFE, err := merkle.NewFrontend(serverDB)
	require.NoError(t, err)

	clientDB := store.New(block.BlockRef{})
	clientFE, err := merkle.NewFrontend(clientDB)
	require.NoError(t, err)

	return NewRouter(serverDB, serverFE, "", "", nil, nil), NewRouter(clientDB, clientFE, "", "", nil, nil)
}

// findSend returns the first EffectSend whose message has the same
// concrete type as want, e.g. findSend(t, effects, wire.BlockRequest{}).
func findSend(t *testing.T, effects []Effect, want wire.Message) Effect {
	t.Helper()
	wantType := fmt.Sprintf("%T", want)
	for _, e := range effects {
		if e.Kind == EffectSend && fmt.Sprintf("%T", e.Msg) == wantType {
			return e
		}
	}
	t.Fatalf("no EffectSend of type %s among %+v", wantType, effects)
	return Effect{}
}

func TestRootUpdateMatchingRootStaysUnknown(t *testing.T) {
	root := block.BlockRef{Id: block.Sum([]byte("same"))}
	server, _ := newRouterPair(t, root, nil)

	p := server.peerFor(addr)
	effects, err := server.handleRootUpdate(p, wire.RootUpdate{To: root})
	require.NoError(t, err)
	require.Equal(t, Unknown, p.State)
	resp := findSend(t, effects, wire.RootUpdateResponse{})
	require.Equal(t, root.Id, resp.Msg.(wire.RootUpdateResponse).To)
}

func TestRootUpdateNewRootStartsSyncing(t *testing.T) {
	leafData := []byte("hello world")
	leafID := block.Sum(leafData)
	newRoot := block.BlockRef{Id: leafID}
	serverBlocks := map[block.BlockId]block.Block{leafID: &block.Full{Id: leafID, Data: leafData}}

	server, _ := newRouterPair(t, newRoot, serverBlocks)
	p := server.peerFor(addr)

	effects, err := server.handleRootUpdate(p, wire.RootUpdate{To: newRoot})
	require.NoError(t, err)
	require.Equal(t, Syncing, p.State)
	require.True(t, p.Pending.Contains(leafID))
	req := findSend(t, effects, wire.BlockRequest{})
	require.Equal(t, leafID, req.Msg.(wire.BlockRequest).BlockId)
}

func TestRootUpdateWhileSyncingIsDropped(t *testing.T) {
	root := block.BlockRef{Id: block.Sum([]byte("a"))}
	otherRoot := block.BlockRef{Id: block.Sum([]byte("b"))}
	server, _ := newRouterPair(t, block.BlockRef{}, nil)
	p := server.peerFor(addr)
	p.State = Syncing

	effects, err := server.handleRootUpdate(p, wire.RootUpdate{To: root})
	require.NoError(t, err)
	require.Nil(t, effects)
	_ = otherRoot
}

func TestConflictingPendingRootIsBusy(t *testing.T) {
	rootA := block.BlockRef{Id: block.Sum([]byte("a"))}
	rootB := block.BlockRef{Id: block.Sum([]byte("b"))}
	server, _ := newRouterPair(t, block.BlockRef{}, nil)

	require.NoError(t, server.DB.SetPendingRoot(rootA))

	p := server.peerFor(addr)
	effects, err := server.handleRootUpdate(p, wire.RootUpdate{To: rootB})
	require.NoError(t, err)
	require.Nil(t, effects)
	require.Equal(t, Unknown, p.State)
}

func TestFullSyncOfSingleFileCommitsAndBroadcasts(t *testing.T) {
	leafData := []byte("the quick brown fox jumps over the lazy dog")
	leafID := block.Sum(leafData)
	newRootRef := block.BlockRef{Id: leafID}
	serverBlocks := map[block.BlockId]block.Block{leafID: &block.Full{Id: leafID, Data: leafData}}

	server, client := newRouterPair(t, newRootRef, serverBlocks)
	// The pair already completed an earlier handshake; only the client's
	// root is stale, which is the scenario this test exercises.
	server.peerFor(addr).State = Idle

	// Client discovers the server's new root and starts syncing.
	effects, err := client.handleRootUpdate(client.peerFor(addr), wire.RootUpdate{To: newRootRef})
	require.NoError(t, err)
	req := findSend(t, effects, wire.BlockRequest{}).Msg.(wire.BlockRequest)
	require.Equal(t, leafID, req.BlockId)

	// Server answers the BlockRequest.
	effects, err = server.handleBlockRequest(server.peerFor(addr), req)
	require.NoError(t, err)
	resp := findSend(t, effects, wire.BlockRequestResponse{}).Msg.(wire.BlockRequestResponse)
	require.Equal(t, uint64(len(leafData)), resp.Len)

	// Client applies the response: single chunk fits in one payload, so
	// the chunk ids span exactly resp.Start..resp.End.
	cp := client.peerFor(addr)
	cp.Pending.Add(leafID)
	effects, err = client.handleBlockRequestResponse(cp, resp)
	require.NoError(t, err)
	require.False(t, cp.Pending.Contains(leafID))

	for id := resp.Start; id < resp.End; id++ {
		offset := int(id-resp.Start) * block.ChunkSize
		end := offset + block.ChunkSize
		if end > len(leafData) {
			end = len(leafData)
		}
		effects, err = client.handleTransferPayload(cp, wire.TransferPayload{ChunkId: id, Data: leafData[offset:end]})
		require.NoError(t, err)
	}

	// Cascade found nothing else missing (the leaf was the whole tree),
	// verified and committed (no OutDir, so nothing is materialized): the
	// client's root now
	// matches the server's, and it broadcasts to every known peer.
	require.Equal(t, Idle, cp.State)
	require.Equal(t, leafID, client.DB.Root().Id)
	broadcast := findSend(t, effects, wire.RootUpdateResponse{}).Msg.(wire.RootUpdateResponse)
	require.Equal(t, leafID, broadcast.To)
}

func TestDigestMismatchReRequestsBlock(t *testing.T) {
	data := make([]byte, block.ChunkSize)
	id := block.Sum(data)
	db := store.New(block.BlockRef{Id: id})
	fe, err := merkle.NewFrontend(db)
	require.NoError(t, err)
	r := NewRouter(db, fe, "", "", nil, nil)

	p := r.peerFor(addr)
	p.State = Syncing
	p.Pending.Add(id)
	resp := wire.BlockRequestResponse{BlockId: id, Start: 0, End: 1, Len: uint64(len(data))}
	effects, err := r.handleBlockRequestResponse(p, resp)
	require.NoError(t, err)

	// Corrupt payload: digest will never match.
	effects, err = r.handleTransferPayload(p, wire.TransferPayload{ChunkId: 0, Data: []byte("not the right bytes at all!!")})
	require.NoError(t, err)
	req := findSend(t, effects, wire.BlockRequest{})
	require.Equal(t, id, req.Msg.(wire.BlockRequest).BlockId)
	require.True(t, p.Pending.Contains(id))
}

func TestDuplicateBlockRequestResponseIsDropped(t *testing.T) {
	data := []byte("small file")
	id := block.Sum(data)
	db := store.New(block.BlockRef{Id: id})
	fe, err := merkle.NewFrontend(db)
	require.NoError(t, err)
	r := NewRouter(db, fe, "", "", nil, nil)

	p := r.peerFor(addr)
	p.State = Syncing
	p.Pending.Add(id)
	resp := wire.BlockRequestResponse{BlockId: id, Start: 5, End: 6, Len: uint64(len(data))}

	effects1, err := r.handleBlockRequestResponse(p, resp)
	require.NoError(t, err)
	require.NotEmpty(t, effects1)

	effects2, err := r.handleBlockRequestResponse(p, resp)
	require.NoError(t, err)
	require.Empty(t, effects2, "a duplicate response with nothing pending must be a no-op")
}

func TestAdvertiseSendsRootUpdateWithRetryKey(t *testing.T) {
	root := block.BlockRef{Id: block.Sum([]byte("advertise-me"))}
	server, _ := newRouterPair(t, root, nil)

	effects, err := server.Advertise(addr)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	require.Equal(t, EffectSend, effects[0].Kind)
	require.Equal(t, retryKeyRootUpdate, effects[0].Key)
	require.Equal(t, root.Id, effects[0].Msg.(wire.RootUpdate).To.Id)
}
