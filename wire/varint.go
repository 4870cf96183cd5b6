// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import "github.com/cockroachdb/errors"

// ErrTruncatedVarint is returned when a varint is cut off mid-encoding.
var ErrTruncatedVarint = errors.New("scsync: truncated varint")

// appendVarint appends the unsigned LEB128 encoding of v to buf.
func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// varintLen returns the number of bytes appendVarint would emit for v.
func varintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}

// readVarint decodes one unsigned LEB128 varint from the front of data,
// returning the value and the unconsumed remainder.
func readVarint(data []byte) (uint64, []byte, error) {
	var v uint64
	var shift uint
	for i, b := range data {
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, data[i+1:], nil
		}
		shift += 7
		if shift >= 64 {
			return 0, nil, errors.New("scsync: varint overflow")
		}
	}
	return 0, nil, ErrTruncatedVarint
}
