// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store implements the block database: the content-addressed map
// of BlockId → Block plus the current and pending root, single-writer, no
// lock required under the cooperative event-loop scheduling model the
// rest of this module follows.
package store

import (
	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/block"
)

// ErrPendingBusy is returned by SetPendingRoot when a pending root update
// is already in flight: the caller drops the conflicting root update and
// the loser retries later.
var ErrPendingBusy = errors.New("scsync: pending root update already in progress")

// ErrNoPendingRoot is returned by ApplyPending when there is nothing to
// apply.
var ErrNoPendingRoot = errors.New("scsync: no pending root to apply")

// ErrUnknownBlock is returned by Get, GetFull, GetPartial and TryPromote
// for an id not present in the store.
var ErrUnknownBlock = errors.New("scsync: unknown block id")

// Db is the block store.
//
// Db is not safe for concurrent use; the single-threaded event loop owns
// it and accesses it only through short borrows.
type Db struct {
	root        block.BlockRef
	pendingRoot *block.BlockRef
	blocks      map[block.BlockId]block.Block
}

// New returns a Db seeded with the given root and no blocks, as produced
// when a node has no local data yet (e.g. a client before its first
// sync).
func New(root block.BlockRef) *Db {
	return &Db{root: root, blocks: make(map[block.BlockId]block.Block)}
}

// NewWithBlocks returns a Db seeded with root and a pre-built block set,
// as produced by merkle.BuildFromDirectory.
func NewWithBlocks(root block.BlockRef, blocks map[block.BlockId]block.Block) *Db {
	if blocks == nil {
		blocks = make(map[block.BlockId]block.Block)
	}
	return &Db{root: root, blocks: blocks}
}

// Contains reports whether id is present in the store, Partial or Full.
func (d *Db) Contains(id block.BlockId) bool {
	_, ok := d.blocks[id]
	return ok
}

// Get returns the block stored under id.
func (d *Db) Get(id block.BlockId) (block.Block, error) {
	b, ok := d.blocks[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBlock, "%s", id)
	}
	return b, nil
}

// GetFull returns the Full block stored under id, or an error if it is
// absent or still Partial. Most consumers (tree decoding, outbound
// transfer) only ever want the Full form.
func (d *Db) GetFull(id block.BlockId) (*block.Full, error) {
	b, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	f, ok := b.(*block.Full)
	if !ok {
		return nil, errors.Newf("scsync: block %s is not yet full", id)
	}
	return f, nil
}

// GetPartial returns the Partial block stored under id, or an error if it
// is absent or already Full.
func (d *Db) GetPartial(id block.BlockId) (*block.Partial, error) {
	b, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	p, ok := b.(*block.Partial)
	if !ok {
		return nil, errors.Newf("scsync: block %s is already full", id)
	}
	return p, nil
}

// Add inserts block b, first-writer-wins: if a block is already stored
// under b.ID(), Add is a no-op — in particular it never replaces a Full
// block with a Partial one, nor lowers chunk availability.
func (d *Db) Add(b block.Block) {
	if _, exists := d.blocks[b.ID()]; exists {
		return
	}
	d.blocks[b.ID()] = b
}

// TryPromote attempts to promote the Partial block stored under id to
// Full. It returns ErrUnknownBlock if id is absent, the stored Full block
// plus false if it is already Full, nil plus false if it is still missing
// chunks, and the new Full block plus true once promotion succeeds. A digest mismatch is returned as
// block.ErrDigestMismatch; the caller is expected to discard the Partial
// and re-request the block.
func (d *Db) TryPromote(id block.BlockId) (*block.Full, bool, error) {
	b, ok := d.blocks[id]
	if !ok {
		return nil, false, errors.Wrapf(ErrUnknownBlock, "%s", id)
	}
	p, ok := b.(*block.Partial)
	if !ok {
		return b.(*block.Full), false, nil
	}
	full, err := p.TryPromote()
	if err != nil {
		return nil, false, err
	}
	if full == nil {
		return nil, false, nil
	}
	d.blocks[id] = full
	return full, true, nil
}

// Discard removes id from the store entirely. It exists only to recover
// from a DigestMismatch: the completed-but-corrupt Partial is thrown away
// so the caller can issue a fresh BlockRequest and start the transfer
// over. It is never used to remove a Full block otherwise.
func (d *Db) Discard(id block.BlockId) {
	delete(d.blocks, id)
}

// Root returns the store's current, committed root.
func (d *Db) Root() block.BlockRef { return d.root }

// PendingRoot returns the pending root, if any is set.
func (d *Db) PendingRoot() (block.BlockRef, bool) {
	if d.pendingRoot == nil {
		return block.BlockRef{}, false
	}
	return *d.pendingRoot, true
}

// SetPendingRoot records ref as the root this peer intends to adopt once
// its closure of blocks is present and verified. It fails with
// ErrPendingBusy if a pending root is already set: only one root update
// may be in flight at a time.
func (d *Db) SetPendingRoot(ref block.BlockRef) error {
	if d.pendingRoot != nil {
		return ErrPendingBusy
	}
	d.pendingRoot = &ref
	return nil
}

// ApplyPending replaces root with the pending root and clears it,
// returning the old root. It is the only legal mutation of root.
func (d *Db) ApplyPending() (block.BlockRef, error) {
	if d.pendingRoot == nil {
		return block.BlockRef{}, ErrNoPendingRoot
	}
	old := d.root
	d.root = *d.pendingRoot
	d.pendingRoot = nil
	return old, nil
}
