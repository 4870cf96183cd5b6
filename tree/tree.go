// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tree implements the decrypted payload kinds of the Merkle DAG:
// Directory, FileMeta and Leaf, plus the Child edge record that links a
// Directory to its entries. Each kind is CBOR-encoded (mirroring the
// predecessor implementation's serde_cbor framing) before being
// AEAD-sealed by package crypt.
package tree

import (
	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/luxfi/scsync/block"
)

// Kind identifies which of the three tree block payloads a Child refers
// to. The numbering mirrors the predecessor's BlockType enum.
type Kind uint8

const (
	KindDirectory Kind = 1
	KindFileMeta  Kind = 2
	KindLeaf      Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFileMeta:
		return "filemeta"
	case KindLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// Metadata carries the filesystem attributes materialize restores on a
// Child. Round-tripping at least the file mode is table stakes for a
// directory-sync tool; the predecessor implementation's Child.metadata
// field was always unit (unused), leaving this open.
type Metadata struct {
	Mode    uint32 `cbor:"1,keyasint"`
	ModTime int64  `cbor:"2,keyasint"` // unix seconds
}

// Child is one entry of a Directory: its name, kind, filesystem metadata
// and the BlockRef of the block it names.
type Child struct {
	Name     string   `cbor:"1,keyasint"`
	Type     Kind     `cbor:"2,keyasint"`
	Metadata Metadata `cbor:"3,keyasint"`
	Ref      wireRef  `cbor:"4,keyasint"`
}

// Directory is the decoded payload of a directory block: an ordered list
// of immediate children.
type Directory struct {
	Children []Child `cbor:"1,keyasint"`
}

// FileMeta is the decoded payload of a file whose content spans more than
// one Leaf: an ordered, concatenated list of Leaf references. This
// package treats FileMeta.Blocks as a flat list of leaf references only —
// a FileMeta referencing another FileMeta is rejected (ErrNestedFileMeta)
// rather than silently mishandled.
type FileMeta struct {
	Blocks []wireRef `cbor:"1,keyasint"`
}

// Leaf is the decoded payload of a single file content block.
type Leaf struct {
	Data []byte `cbor:"1,keyasint"`
}

// ErrNestedFileMeta is returned by decoders that reject a FileMeta whose
// Blocks contain another FileMeta: deep nesting (meta-of-meta) is
// rejected rather than silently mishandled.
var ErrNestedFileMeta = errors.New("scsync: nested FileMeta is not supported")

// wireRef and wireHint mirror block.BlockRef/block.Hint with plain byte
// slices in place of the fixed-size BlockId/Key arrays, so CBOR encodes
// them as compact byte strings instead of per-element integer arrays
// regardless of how the opaque, externally-defined block.BlockId type
// happens to be laid out.
type wireRef struct {
	Id    []byte     `cbor:"1,keyasint"`
	Key   []byte     `cbor:"2,keyasint"`
	Hints []wireHint `cbor:"3,keyasint"`
}

type wireHint struct {
	Ref    wireRef `cbor:"1,keyasint"`
	Offset uint64  `cbor:"2,keyasint"`
	Length uint64  `cbor:"3,keyasint"`
}

// ToWire converts a block.BlockRef to its CBOR-friendly form.
func ToWire(ref block.BlockRef) wireRef {
	hints := make([]wireHint, len(ref.Hints))
	for i, h := range ref.Hints {
		hints[i] = wireHint{Ref: ToWire(h.Ref), Offset: h.Offset, Length: h.Length}
	}
	id := ref.Id
	key := ref.Key
	return wireRef{Id: append([]byte(nil), id[:]...), Key: append([]byte(nil), key[:]...), Hints: hints}
}

// FromWire converts a wire-form reference back to block.BlockRef.
func FromWire(w wireRef) (block.BlockRef, error) {
	var ref block.BlockRef
	if len(w.Id) != len(ref.Id) {
		return ref, errors.Newf("scsync: malformed block id length %d", len(w.Id))
	}
	if len(w.Key) != len(ref.Key) {
		return ref, errors.Newf("scsync: malformed block key length %d", len(w.Key))
	}
	copy(ref.Id[:], w.Id)
	copy(ref.Key[:], w.Key)
	if len(w.Hints) > 0 {
		ref.Hints = make([]block.Hint, len(w.Hints))
		for i, h := range w.Hints {
			inner, err := FromWire(h.Ref)
			if err != nil {
				return block.BlockRef{}, err
			}
			ref.Hints[i] = block.Hint{Ref: inner, Offset: h.Offset, Length: h.Length}
		}
	}
	return ref, nil
}

func childRef(c Child) block.BlockRef {
	ref, _ := FromWire(c.Ref)
	return ref
}

// ChildRef returns the BlockRef a Child points to.
func ChildRef(c Child) block.BlockRef { return childRef(c) }

// NewChild builds a Child from a name, kind, metadata and target ref.
func NewChild(name string, kind Kind, md Metadata, ref block.BlockRef) Child {
	return Child{Name: name, Type: kind, Metadata: md, Ref: ToWire(ref)}
}

// EncodeDirectory CBOR-encodes a Directory payload.
func EncodeDirectory(d Directory) ([]byte, error) {
	data, err := cbor.Marshal(d)
	return data, errors.Wrap(err, "encode directory")
}

// DecodeDirectory decodes a Directory payload.
func DecodeDirectory(data []byte) (Directory, error) {
	var d Directory
	err := cbor.Unmarshal(data, &d)
	return d, errors.Wrap(err, "decode directory")
}

// EncodeFileMeta CBOR-encodes a FileMeta payload built from refs. It does
// not check what kind of block each ref names.
func EncodeFileMeta(refs []block.BlockRef) ([]byte, error) {
	wire := make([]wireRef, len(refs))
	for i, r := range refs {
		wire[i] = ToWire(r)
	}
	data, err := cbor.Marshal(FileMeta{Blocks: wire})
	return data, errors.Wrap(err, "encode filemeta")
}

// DecodeFileMeta decodes a FileMeta payload into plain BlockRefs.
func DecodeFileMeta(data []byte) ([]block.BlockRef, error) {
	var m FileMeta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode filemeta")
	}
	refs := make([]block.BlockRef, len(m.Blocks))
	for i, w := range m.Blocks {
		ref, err := FromWire(w)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	return refs, nil
}

// EncodeLeaf CBOR-encodes a Leaf payload.
func EncodeLeaf(data []byte) ([]byte, error) {
	out, err := cbor.Marshal(Leaf{Data: data})
	return out, errors.Wrap(err, "encode leaf")
}

// DecodeLeaf decodes a Leaf payload.
func DecodeLeaf(data []byte) ([]byte, error) {
	var l Leaf
	if err := cbor.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(err, "decode leaf")
	}
	return l.Data, nil
}
