// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package block implements the content-addressed data model of the sync
// tree: BlockId, the per-block symmetric Key, BlockRef edges of the Merkle
// DAG, and the Partial/Full lifecycle of a stored block.
package block

import (
	"crypto/rand"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/luxfi/ids"
	"github.com/zeebo/blake3"

	"github.com/luxfi/scsync/bitmap"
)

// ChunkSize is the payload size of one transfer datagram: MTU (1460) minus
// the tag byte and the largest varint-encoded chunk id (10 bytes for a
// full uint64), rounded down to a number that keeps the chunk-count
// arithmetic simple.
const ChunkSize = 1400

// BlockId is the 256-bit content digest that names a Block. It reuses the
// teacher's 32-byte content-identifier type rather than inventing a
// parallel one: ids.ID is exactly the shape required (a comparable
// 32-byte array), and the rest of this module only ever constructs one
// from a digest or compares it for equality.
type BlockId = ids.ID

// Key is the 128-bit symmetric key that decrypts the block a BlockRef
// points at. Encryption is per-block, and the key travels with the
// parent's reference rather than being derivable from the block itself.
type Key [16]byte

// Sum computes the BlockId of already-encrypted block bytes. Digest
// collision-resistance is what lets a Full block's id double as proof
// that its bytes are untampered: digest(b.bytes) == b.id always holds.
func Sum(data []byte) BlockId {
	h := blake3.Sum256(data)
	return BlockId(h)
}

// NewKey returns a fresh random 128-bit key, used once per block at build
// time.
func NewKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, errors.Wrap(err, "generate block key")
	}
	return k, nil
}

// Hint is a byte window within a referenced block, reserved for
// deduplicated leaf sub-ranges. No builder in this repository populates
// Hint, but materialize honors one if present — see DESIGN.md.
type Hint struct {
	Ref    BlockRef
	Offset uint64
	Length uint64
}

// BlockRef is the edge label of the Merkle DAG: the id of the block it
// points to, the key required to decrypt it, and optional sub-range
// hints.
type BlockRef struct {
	Id    BlockId
	Key   Key
	Hints []Hint
}

// Block is a vertex in the Merkle DAG: either Partial (still receiving
// chunks) or Full (complete and digest-verified). Using an interface over
// two concrete types is the idiomatic-Go rendition of a tagged union.
type Block interface {
	ID() BlockId
	Len() int
	isBlock()
}

// Full is a completely received, digest-verified block.
type Full struct {
	Id   BlockId
	Data []byte
}

func (f *Full) ID() BlockId { return f.Id }
func (f *Full) Len() int    { return len(f.Data) }
func (*Full) isBlock()      {}

// Partial is a block still being received: its final length is known (so
// the buffer is pre-sized) but not every chunk has arrived yet.
// Availability is tracked per chunk, not per byte.
type Partial struct {
	Id        BlockId
	Data      []byte
	Available *bitmap.Map
}

func (p *Partial) ID() BlockId { return p.Id }
func (p *Partial) Len() int    { return len(p.Data) }
func (*Partial) isBlock()      {}

// NewPartial allocates a Partial block of declared length, with a chunk
// availability bitmap sized ceil(len/ChunkSize).
func NewPartial(id BlockId, length int) *Partial {
	return NewPartialWithAvailability(id, length, bitmap.New(ChunkCount(length)))
}

// NewPartialWithAvailability allocates a Partial block of declared length
// backed by an already-constructed availability bitmap (e.g. one opened
// from a persisted, memory-mapped bitmap file so a resumed transfer starts
// with its previously-received chunks already marked).
func NewPartialWithAvailability(id BlockId, length int, avail *bitmap.Map) *Partial {
	return &Partial{
		Id:        id,
		Data:      make([]byte, length),
		Available: avail,
	}
}

// ChunkCount returns ceil(length/ChunkSize), the number of chunks a block
// of this length is split into.
func ChunkCount(length int) uint {
	if length == 0 {
		return 0
	}
	return uint((length + ChunkSize - 1) / ChunkSize)
}

// TryPromote checks whether every chunk of p is available and, if so,
// verifies its digest and returns the resulting Full block. This is the
// atomic Partial→Full transition: a digest mismatch is fatal for the
// transfer (the caller discards the Partial and re-issues a block
// request), not for the process.
func (p *Partial) TryPromote() (*Full, error) {
	if p.Available.Len() > 0 && !p.Available.All() {
		return nil, nil
	}
	got := Sum(p.Data)
	if got != p.Id {
		return nil, errors.Wrapf(ErrDigestMismatch, "block %s: computed %s", p.Id, got)
	}
	return &Full{Id: p.Id, Data: p.Data}, nil
}

// ErrDigestMismatch is returned when a completed Partial's digest does not
// match its declared id.
var ErrDigestMismatch = errors.New("scsync: digest mismatch")
