// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bitmap implements the per-block chunk-availability bitmap used by
// a Partial block: one bit per chunk, little-endian byte order, optionally
// backed by a memory-mapped file so an inbound transfer can resume across
// process restarts.
package bitmap

import (
	"os"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Map tracks which of a block's chunks have been received.
//
// Only the event loop that owns the block ever writes to a Map; RLE
// emission takes a snapshot copy rather than reading live bits, so a
// single writer is all that's ever required.
type Map struct {
	bits  *bitset.BitSet
	n     uint
	mmap  []byte
	file  *os.File
	dirty bool
}

// New returns an in-memory bitmap for n chunks, all initially unset.
func New(n uint) *Map {
	return &Map{bits: bitset.New(n), n: n}
}

// Open memory-maps path, creating it zero-filled for n chunks if it does
// not yet exist. Presence of this file on disk is what makes a transfer
// resumable: the bitmap is read back on the next connection to the same
// content-addressed path and only the remaining missing ranges are
// requested.
func Open(path string, n uint) (*Map, error) {
	size := int64(byteLen(n))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open bitmap file %q", path)
	}
	if info, statErr := f.Stat(); statErr != nil {
		f.Close()
		return nil, errors.Wrapf(statErr, "stat bitmap file %q", path)
	} else if info.Size() != size {
		if truncErr := f.Truncate(size); truncErr != nil {
			f.Close()
			return nil, errors.Wrapf(truncErr, "truncate bitmap file %q", path)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap bitmap file %q", path)
	}
	bits := bitset.New(n)
	for i := uint(0); i < n; i++ {
		byteIdx, bitIdx := i/8, i%8
		if data[byteIdx]&(1<<bitIdx) != 0 {
			bits.Set(i)
		}
	}
	return &Map{bits: bits, n: n, mmap: data, file: f}, nil
}

// Close unmaps and closes the backing file, if any.
func (m *Map) Close() error {
	if m.mmap == nil {
		return nil
	}
	err := unix.Munmap(m.mmap)
	m.mmap = nil
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Unlink removes the backing bitmap file. Called once a full verify pass
// succeeds: the bitmap's job is done and its presence would otherwise
// wrongly signal a resumable upload on the next run.
func (m *Map) Unlink() error {
	if m.file == nil {
		return nil
	}
	path := m.file.Name()
	if err := m.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Len returns the number of chunks this bitmap tracks.
func (m *Map) Len() uint { return m.n }

// Set marks chunk i as available.
func (m *Map) Set(i uint) {
	m.bits.Set(i)
	m.syncBit(i)
}

// Get reports whether chunk i is available.
func (m *Map) Get(i uint) bool {
	return m.bits.Test(i)
}

// All reports whether every tracked chunk is available — the condition
// under which a Partial block is promoted to Full.
func (m *Map) All() bool {
	return m.bits.All()
}

// CountZeros returns the number of chunks still missing.
func (m *Map) CountZeros() uint {
	return m.n - m.bits.Count()
}

// Snapshot returns a plain bool slice copy of the bitmap, base chunk id 0.
// RLE emission (wire.EncodeMissingRanges) takes a snapshot rather than
// reading live bits so a concurrent Set during encoding cannot produce a
// torn run-length sequence.
func (m *Map) Snapshot() []bool {
	out := make([]bool, m.n)
	for i := uint(0); i < m.n; i++ {
		out[i] = m.bits.Test(i)
	}
	return out
}

func (m *Map) syncBit(i uint) {
	if m.mmap == nil {
		return
	}
	byteIdx, bitIdx := i/8, i%8
	if int(byteIdx) < len(m.mmap) {
		m.mmap[byteIdx] |= 1 << bitIdx
	}
}

func byteLen(nChunks uint) uint {
	return (nChunks + 7) / 8
}
