// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transfer implements the inbound (C5) and outbound (C6) transfer
// engines described in spec.md 4.5/4.6: allocating and tracking the
// chunk-id ranges a peer's blocks are split into, writing arriving chunks
// into a block's Partial buffer, and pacing outgoing payload chunks
// against the remote's advertised missing ranges.
package transfer

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/bitmap"
	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/congestion"
	"github.com/luxfi/scsync/persist"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/wire"
)

// ErrUnknownChunkID is returned by HandlePayload for a chunk id outside
// every active inbound transfer range.
var ErrUnknownChunkID = errors.New("scsync: chunk id outside any active transfer")

type inRange struct {
	blockID    block.BlockId
	start, end uint64
}

// Result reports what handling one inbound event did to a block: it
// either made no change (both flags false), digest-verification failed on
// completion (DigestMismatch — the caller should discard and re-request),
// or the block completed and was promoted to Full (Promoted).
type Result struct {
	BlockId        block.BlockId
	Promoted       bool
	DigestMismatch bool
}

// In implements the transfer-in engine (C5) for one peer: it allocates
// chunk-id ranges for blocks the peer is sending us, records arriving
// chunks into each block's Partial buffer, and decides when a fresh
// TransferStatus is due.
//
// In is not safe for concurrent use; it is owned by the peer it tracks,
// consistent with the single-threaded event-loop scheduling model in
// spec.md section 5.
type In struct {
	db          *store.Db
	persistBase string

	ranges      []inRange
	lastEmitted time.Time
}

// NewIn returns an In backed by db. If persistBase is non-empty, every
// Partial block's availability bitmap is opened as a memory-mapped file
// under persistBase (see package persist), making inbound transfers
// resumable across process restarts; an empty persistBase keeps bitmaps
// in memory only.
func NewIn(db *store.Db, persistBase string) *In {
	return &In{db: db, persistBase: persistBase}
}

// Active reports whether any inbound transfer is in progress. The caller
// uses this to decide whether a status-update task should be running at
// all.
func (in *In) Active() bool { return len(in.ranges) > 0 }

// HandleResponse processes a BlockRequestResponse: it allocates a Partial
// block of the declared length and the chunk-id range the response names.
// The Partial is created eagerly, before any chunk has arrived — a
// zero-length block (resp.Len == 0) therefore promotes to Full
// immediately, with no payload chunks ever required.
//
// Idempotent: a second response for a block already tracked is a no-op,
// so a duplicate in flight during a retry round-trip does no harm.
func (in *In) HandleResponse(resp wire.BlockRequestResponse) (Result, error) {
	for _, r := range in.ranges {
		if r.blockID == resp.BlockId {
			return Result{BlockId: resp.BlockId}, nil
		}
	}

	length := int(resp.Len)
	nChunks := block.ChunkCount(length)
	avail, err := in.openBitmap(resp.BlockId, nChunks)
	if err != nil {
		return Result{}, err
	}
	partial := block.NewPartialWithAvailability(resp.BlockId, length, avail)
	in.db.Add(partial)
	in.ranges = append(in.ranges, inRange{blockID: resp.BlockId, start: resp.Start, end: resp.End})

	return in.tryPromote(resp.BlockId)
}

// HandlePayload processes one TransferPayload: it locates the transfer
// whose range contains the chunk id, copies the bytes into the owning
// Partial's buffer (trimming the final chunk to the block's declared
// length), marks the chunk available, and attempts promotion.
func (in *In) HandlePayload(p wire.TransferPayload) (Result, error) {
	r, ok := in.find(p.ChunkId)
	if !ok {
		return Result{}, errors.Wrapf(ErrUnknownChunkID, "%d", p.ChunkId)
	}

	partial, err := in.db.GetPartial(r.blockID)
	if err != nil {
		// Already Full: a duplicate or late chunk arriving after
		// promotion. Not an error, nothing left to do.
		return Result{BlockId: r.blockID}, nil
	}

	idx := p.ChunkId - r.start
	offset := int(idx) * block.ChunkSize
	end := offset + len(p.Data)
	if end > len(partial.Data) {
		end = len(partial.Data)
	}
	copy(partial.Data[offset:end], p.Data)
	partial.Available.Set(uint(idx))

	return in.tryPromote(r.blockID)
}

func (in *In) tryPromote(id block.BlockId) (Result, error) {
	_, promoted, err := in.db.TryPromote(id)
	if err != nil {
		if errors.Is(err, block.ErrDigestMismatch) {
			in.db.Discard(id)
			in.remove(id)
			return Result{BlockId: id, DigestMismatch: true}, nil
		}
		return Result{}, err
	}
	if promoted {
		in.remove(id)
	}
	return Result{BlockId: id, Promoted: promoted}, nil
}

func (in *In) openBitmap(id block.BlockId, nChunks uint) (*bitmap.Map, error) {
	// A zero-chunk bitmap has nothing to persist, and an empty file cannot
	// be memory-mapped.
	if in.persistBase == "" || nChunks == 0 {
		return bitmap.New(nChunks), nil
	}
	return persist.OpenBitmap(in.persistBase, id, nChunks)
}

func (in *In) find(chunkID uint64) (inRange, bool) {
	for _, r := range in.ranges {
		if chunkID >= r.start && chunkID < r.end {
			return r, true
		}
	}
	return inRange{}, false
}

func (in *In) remove(id block.BlockId) {
	for i, r := range in.ranges {
		if r.blockID == id {
			in.ranges = append(in.ranges[:i], in.ranges[i+1:]...)
			return
		}
	}
}

// ShouldEmitStatus reports whether a fresh TransferStatus is due: either
// the expected packet count since the last emission has arrived (derived
// from the peer's IPT estimate), or the RTT/IPT-derived deadline has
// passed.
func (in *In) ShouldEmitStatus(est *congestion.Estimator, packetsSinceLast uint32, now time.Time) bool {
	if !in.Active() {
		return false
	}
	if packetsSinceLast >= est.NumPackets() {
		return true
	}
	if in.lastEmitted.IsZero() {
		return true
	}
	return !now.Before(est.NextStatusDeadline(in.lastEmitted))
}

// Status builds the TransferStatus this peer's inbound state currently
// implies: an RLE-encoded report of every chunk across all active
// transfers, anchored at the lowest in-flight chunk id and truncated to
// budget bytes. Returns false if no transfer is active.
func (in *In) Status(budget int) (wire.TransferStatus, bool) {
	if len(in.ranges) == 0 {
		return wire.TransferStatus{}, false
	}
	base, top := in.ranges[0].start, in.ranges[0].end
	for _, r := range in.ranges[1:] {
		if r.start < base {
			base = r.start
		}
		if r.end > top {
			top = r.end
		}
	}

	bits := make([]bool, top-base)
	for _, r := range in.ranges {
		partial, err := in.db.GetPartial(r.blockID)
		if err != nil {
			for i := r.start; i < r.end; i++ {
				bits[i-base] = true
			}
			continue
		}
		for i := r.start; i < r.end; i++ {
			if partial.Available.Get(uint(i - r.start)) {
				bits[i-base] = true
			}
		}
	}

	in.lastEmitted = time.Now()
	return wire.NewTransferStatus(base, bits, budget), true
}
