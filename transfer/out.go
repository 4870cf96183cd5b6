// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transfer

import (
	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/wire"
)

type outRange struct {
	blockID    block.BlockId
	start, end uint64
}

// Out implements the transfer-out engine (C6) for one peer: it answers
// BlockRequests with an allocated chunk-id range, and paces outgoing
// payload chunks across its active transfers according to the remote's
// most recently advertised missing ranges.
//
// Out is not safe for concurrent use; see In's doc comment.
type Out struct {
	db *store.Db

	transfers []outRange
	todo      []wire.Range
	cursor    *uint64
	nextAlloc uint64
}

// NewOut returns an Out backed by db, whose chunk-id allocator starts at
// seed — a randomly chosen starting point per spec.md's "monotonic
// counter seeded randomly" requirement, so two peers sending the same
// node never collide on chunk ids even without coordination.
func NewOut(db *store.Db, seed uint64) *Out {
	return &Out{db: db, nextAlloc: seed}
}

// HandleRequest answers a BlockRequest for blockID, idempotently: a
// repeated request for a block already allocated a transfer returns the
// identical range (spec.md property 5, idempotence of BlockRequest).
func (o *Out) HandleRequest(blockID block.BlockId) (wire.BlockRequestResponse, error) {
	full, err := o.db.GetFull(blockID)
	if err != nil {
		return wire.BlockRequestResponse{}, err
	}
	for _, t := range o.transfers {
		if t.blockID == blockID {
			return wire.BlockRequestResponse{BlockId: blockID, Start: t.start, End: t.end, Len: uint64(full.Len())}, nil
		}
	}

	n := block.ChunkCount(full.Len())
	start := o.nextAlloc
	end := start + uint64(n)
	o.nextAlloc = end
	o.transfers = append(o.transfers, outRange{blockID: blockID, start: start, end: end})
	return wire.BlockRequestResponse{BlockId: blockID, Start: start, End: end, Len: uint64(full.Len())}, nil
}

// HandleStatus replaces the outstanding missing-range set with the one
// reported by status, and starts the sender cursor at the first missing
// id if it was previously idle.
func (o *Out) HandleStatus(status wire.TransferStatus) error {
	ranges, err := status.MissingRanges()
	if err != nil {
		return err
	}
	o.todo = ranges
	if len(o.todo) == 0 {
		o.cursor = nil
		return nil
	}
	if o.cursor == nil {
		first := o.todo[0].From
		for _, r := range o.todo[1:] {
			if r.From < first {
				first = r.From
			}
		}
		o.cursor = &first
	}
	return nil
}

// Idle reports whether the sender loop has nothing left to send.
func (o *Out) Idle() bool { return o.cursor == nil }

// Next produces the next outgoing TransferPayload from the cursor
// position and advances the cursor to the next missing chunk id,
// wrapping across ranges. It returns ok=false once no missing id remains
// (the sender loop terminates, per spec.md 4.6).
func (o *Out) Next() (payload wire.TransferPayload, ok bool, err error) {
	if o.cursor == nil {
		return wire.TransferPayload{}, false, nil
	}
	cur := *o.cursor
	t, found := o.transferFor(cur)
	if !found {
		// The transfer this id belonged to is gone (block.ID never
		// tracked, or request wasn't re-issued); nothing to send.
		o.cursor = nil
		return wire.TransferPayload{}, false, nil
	}
	full, err := o.db.GetFull(t.blockID)
	if err != nil {
		return wire.TransferPayload{}, false, err
	}

	idx := int(cur - t.start)
	offset := idx * block.ChunkSize
	end := offset + block.ChunkSize
	if end > full.Len() {
		end = full.Len()
	}
	data := append([]byte(nil), full.Data[offset:end]...)
	o.advanceCursor(cur)
	return wire.TransferPayload{ChunkId: cur, Data: data}, true, nil
}

func (o *Out) transferFor(chunkID uint64) (outRange, bool) {
	for _, t := range o.transfers {
		if chunkID >= t.start && chunkID < t.end {
			return t, true
		}
	}
	return outRange{}, false
}

// advanceCursor moves the cursor to the smallest missing id strictly
// greater than sent; if none exists the sender loop is done until the
// next TransferStatus repopulates todo, so the cursor goes idle rather
// than wrapping back to the start.
func (o *Out) advanceCursor(sent uint64) {
	var next *uint64
	for _, r := range o.todo {
		if r.From >= r.To {
			continue
		}
		var candidate uint64
		switch {
		case r.From > sent:
			candidate = r.From
		case sent+1 < r.To:
			candidate = sent + 1
		default:
			continue
		}
		if next == nil || candidate < *next {
			v := candidate
			next = &v
		}
	}
	o.cursor = next
}
