// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the six-message datagram codec (tagged framing
// bounded by the link MTU) and the run-length missing-range encoder used
// by TransferStatus.
package wire

import (
	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/block"
)

// MTU is the largest datagram this codec will ever produce.
const MTU = 1460

// ErrOversize is returned by Encode when a message would not fit in MTU
// bytes.
var ErrOversize = errors.New("scsync: message exceeds MTU")

// ErrUnknownTag is returned by Decode when the leading byte names no
// known message kind.
var ErrUnknownTag = errors.New("scsync: unknown message tag")

// Tag identifies the kind of a datagram by its leading byte.
type Tag byte

const (
	TagTransferPayload      Tag = 0
	TagTransferStatus       Tag = 1
	TagRootUpdate           Tag = 2
	TagRootUpdateResponse   Tag = 3
	TagBlockRequest         Tag = 4
	TagBlockRequestResponse Tag = 5
)

// Message is implemented by every decodable datagram payload.
type Message interface {
	tag() Tag
}

// TransferPayload carries raw bytes of one chunk of a block.
type TransferPayload struct {
	ChunkId uint64
	Data    []byte
}

func (TransferPayload) tag() Tag { return TagTransferPayload }

// TransferStatus carries an RLE-encoded missing-range report relative to
// Base, the lowest chunk id the bit sequence describes. Encoded is the
// raw RLE wire bytes, produced by EncodeMissingRanges so that truncation
// is applied before the outer datagram size is checked.
type TransferStatus struct {
	Base    uint64
	Encoded []byte
}

func (TransferStatus) tag() Tag { return TagTransferStatus }

// MissingRanges decodes the ranges this status describes, offset by Base
// so callers get absolute chunk ids back.
func (s TransferStatus) MissingRanges() ([]Range, error) {
	ranges, err := DecodeMissingRanges(s.Encoded)
	if err != nil {
		return nil, err
	}
	for i := range ranges {
		ranges[i].From += s.Base
		ranges[i].To += s.Base
	}
	return ranges, nil
}

// NewTransferStatus builds a TransferStatus from a chunk availability
// sequence anchored at base, truncating at budget bytes if necessary.
// budget bounds the RLE payload only; the leading base varint is not
// subject to truncation.
func NewTransferStatus(base uint64, bits []bool, budget int) TransferStatus {
	return TransferStatus{Base: base, Encoded: EncodeMissingRanges(bits, budget)}
}

// RootUpdate announces a candidate new root to a peer.
type RootUpdate struct {
	Nonce [12]byte
	From  block.BlockId
	To    block.BlockRef
}

func (RootUpdate) tag() Tag { return TagRootUpdate }

// RootUpdateResponse answers a RootUpdate, or is broadcast once a pending
// root has been fully adopted.
type RootUpdateResponse struct {
	From  block.BlockId
	To    block.BlockId
	ToKey block.Key
}

func (RootUpdateResponse) tag() Tag { return TagRootUpdateResponse }

// BlockRequest asks the peer to begin (or resume) transferring a block.
type BlockRequest struct {
	BlockId block.BlockId
}

func (BlockRequest) tag() Tag { return TagBlockRequest }

// BlockRequestResponse answers a BlockRequest with the chunk-id range the
// block has been allocated and its total length.
type BlockRequestResponse struct {
	BlockId block.BlockId
	Start   uint64
	End     uint64
	Len     uint64
}

func (BlockRequestResponse) tag() Tag { return TagBlockRequestResponse }

// field tags used inside the self-describing structured records of
// RootUpdate, RootUpdateResponse, BlockRequest and BlockRequestResponse.
const (
	fieldNonce   = 1
	fieldFrom    = 2
	fieldTo      = 3
	fieldBlockId = 4
	fieldKey     = 5
	fieldHints   = 6
	fieldStart   = 7
	fieldEnd     = 8
	fieldLen     = 9
	fieldToKey   = 10
	fieldOffset  = 11
	fieldLength  = 12
)

func appendTLV(buf []byte, fieldTag byte, value []byte) []byte {
	buf = append(buf, fieldTag)
	buf = appendVarint(buf, uint64(len(value)))
	return append(buf, value...)
}

func readTLV(data []byte) (fieldTag byte, value []byte, rest []byte, err error) {
	if len(data) < 1 {
		return 0, nil, nil, ErrTruncatedVarint
	}
	fieldTag = data[0]
	length, after, err := readVarint(data[1:])
	if err != nil {
		return 0, nil, nil, err
	}
	if uint64(len(after)) < length {
		return 0, nil, nil, errors.New("scsync: truncated field value")
	}
	return fieldTag, after[:length], after[length:], nil
}

func appendBlockRef(buf []byte, ref block.BlockRef) []byte {
	buf = appendTLV(buf, fieldBlockId, ref.Id[:])
	buf = appendTLV(buf, fieldKey, ref.Key[:])
	for _, h := range ref.Hints {
		var refBuf []byte
		refBuf = appendBlockRef(refBuf, h.Ref)
		var hbuf []byte
		hbuf = appendTLV(hbuf, fieldTo, refBuf)
		hbuf = appendTLV(hbuf, fieldOffset, appendVarint(nil, h.Offset))
		hbuf = appendTLV(hbuf, fieldLength, appendVarint(nil, h.Length))
		buf = appendTLV(buf, fieldHints, hbuf)
	}
	return buf
}

func readBlockRef(data []byte) (block.BlockRef, error) {
	var ref block.BlockRef
	for len(data) > 0 {
		tag, value, rest, err := readTLV(data)
		if err != nil {
			return ref, err
		}
		data = rest
		switch tag {
		case fieldBlockId:
			if len(value) != len(ref.Id) {
				return ref, errors.Newf("scsync: malformed block id field (%d bytes)", len(value))
			}
			copy(ref.Id[:], value)
		case fieldKey:
			if len(value) != len(ref.Key) {
				return ref, errors.Newf("scsync: malformed key field (%d bytes)", len(value))
			}
			copy(ref.Key[:], value)
		case fieldHints:
			hint, err := readHint(value)
			if err != nil {
				return ref, err
			}
			ref.Hints = append(ref.Hints, hint)
		}
	}
	return ref, nil
}

func readHint(data []byte) (block.Hint, error) {
	var h block.Hint
	for len(data) > 0 {
		tag, value, rest, err := readTLV(data)
		if err != nil {
			return h, err
		}
		data = rest
		switch tag {
		case fieldTo:
			ref, err := readBlockRef(value)
			if err != nil {
				return h, err
			}
			h.Ref = ref
		case fieldOffset:
			v, _, err := readVarint(value)
			if err != nil {
				return h, err
			}
			h.Offset = v
		case fieldLength:
			v, _, err := readVarint(value)
			if err != nil {
				return h, err
			}
			h.Length = v
		}
	}
	return h, nil
}

// Encode serializes msg into a single datagram, returning ErrOversize if
// the result would exceed MTU.
func Encode(msg Message) ([]byte, error) {
	var payload []byte
	switch m := msg.(type) {
	case TransferPayload:
		payload = appendVarint(payload, m.ChunkId)
		payload = append(payload, m.Data...)
	case TransferStatus:
		payload = appendVarint(payload, m.Base)
		payload = append(payload, m.Encoded...)
	case RootUpdate:
		payload = appendTLV(payload, fieldNonce, m.Nonce[:])
		payload = appendTLV(payload, fieldFrom, m.From[:])
		var toBuf []byte
		toBuf = appendBlockRef(toBuf, m.To)
		payload = appendTLV(payload, fieldTo, toBuf)
	case RootUpdateResponse:
		payload = appendTLV(payload, fieldFrom, m.From[:])
		payload = appendTLV(payload, fieldTo, m.To[:])
		payload = appendTLV(payload, fieldToKey, m.ToKey[:])
	case BlockRequest:
		payload = appendTLV(payload, fieldBlockId, m.BlockId[:])
	case BlockRequestResponse:
		payload = appendTLV(payload, fieldBlockId, m.BlockId[:])
		payload = appendTLV(payload, fieldStart, appendVarint(nil, m.Start))
		payload = appendTLV(payload, fieldEnd, appendVarint(nil, m.End))
		payload = appendTLV(payload, fieldLen, appendVarint(nil, m.Len))
	default:
		return nil, errors.Newf("scsync: unencodable message type %T", msg)
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(msg.tag()))
	out = append(out, payload...)
	if len(out) > MTU {
		return nil, errors.Wrapf(ErrOversize, "tag %d: %d bytes", msg.tag(), len(out))
	}
	return out, nil
}

// Decode parses a received datagram into its Message.
func Decode(datagram []byte) (Message, error) {
	if len(datagram) == 0 {
		return nil, errors.New("scsync: empty datagram")
	}
	tag := Tag(datagram[0])
	payload := datagram[1:]
	switch tag {
	case TagTransferPayload:
		chunkID, data, err := readVarint(payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode TransferPayload")
		}
		return TransferPayload{ChunkId: chunkID, Data: append([]byte(nil), data...)}, nil
	case TagTransferStatus:
		base, rest, err := readVarint(payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode TransferStatus")
		}
		return TransferStatus{Base: base, Encoded: append([]byte(nil), rest...)}, nil
	case TagRootUpdate:
		return decodeRootUpdate(payload)
	case TagRootUpdateResponse:
		return decodeRootUpdateResponse(payload)
	case TagBlockRequest:
		return decodeBlockRequest(payload)
	case TagBlockRequestResponse:
		return decodeBlockRequestResponse(payload)
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "%d", datagram[0])
	}
}

func decodeRootUpdate(payload []byte) (Message, error) {
	var m RootUpdate
	for len(payload) > 0 {
		tag, value, rest, err := readTLV(payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode RootUpdate")
		}
		payload = rest
		switch tag {
		case fieldNonce:
			if len(value) != len(m.Nonce) {
				return nil, errors.New("scsync: malformed RootUpdate nonce")
			}
			copy(m.Nonce[:], value)
		case fieldFrom:
			if len(value) != len(m.From) {
				return nil, errors.New("scsync: malformed RootUpdate from")
			}
			copy(m.From[:], value)
		case fieldTo:
			ref, err := readBlockRef(value)
			if err != nil {
				return nil, errors.Wrap(err, "decode RootUpdate.to")
			}
			m.To = ref
		}
	}
	return m, nil
}

func decodeRootUpdateResponse(payload []byte) (Message, error) {
	var m RootUpdateResponse
	for len(payload) > 0 {
		tag, value, rest, err := readTLV(payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode RootUpdateResponse")
		}
		payload = rest
		switch tag {
		case fieldFrom:
			if len(value) != len(m.From) {
				return nil, errors.New("scsync: malformed RootUpdateResponse from")
			}
			copy(m.From[:], value)
		case fieldTo:
			if len(value) != len(m.To) {
				return nil, errors.New("scsync: malformed RootUpdateResponse to")
			}
			copy(m.To[:], value)
		case fieldToKey:
			if len(value) != len(m.ToKey) {
				return nil, errors.New("scsync: malformed RootUpdateResponse key")
			}
			copy(m.ToKey[:], value)
		}
	}
	return m, nil
}

func decodeBlockRequest(payload []byte) (Message, error) {
	var m BlockRequest
	for len(payload) > 0 {
		tag, value, rest, err := readTLV(payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode BlockRequest")
		}
		payload = rest
		if tag == fieldBlockId {
			if len(value) != len(m.BlockId) {
				return nil, errors.New("scsync: malformed BlockRequest id")
			}
			copy(m.BlockId[:], value)
		}
	}
	return m, nil
}

func decodeBlockRequestResponse(payload []byte) (Message, error) {
	var m BlockRequestResponse
	for len(payload) > 0 {
		tag, value, rest, err := readTLV(payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode BlockRequestResponse")
		}
		payload = rest
		switch tag {
		case fieldBlockId:
			if len(value) != len(m.BlockId) {
				return nil, errors.New("scsync: malformed BlockRequestResponse id")
			}
			copy(m.BlockId[:], value)
		case fieldStart:
			v, _, err := readVarint(value)
			if err != nil {
				return nil, err
			}
			m.Start = v
		case fieldEnd:
			v, _, err := readVarint(value)
			if err != nil {
				return nil, err
			}
			m.End = v
		case fieldLen:
			v, _, err := readVarint(value)
			if err != nil {
				return nil, err
			}
			m.Len = v
		}
	}
	return m, nil
}
