// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package persist maps a block's resumable inbound-transfer state to disk,
// as named in spec.md section 6: a per-content-addressed-path directory
// holding a `bitmap` file (chunk availability, memory-mapped) and a `file`
// (the block's decrypted bytes once complete). The exact directory layout
// is a default, not an invariant; callers outside this module only ever
// rely on the presence of `bitmap` signalling a resumable transfer and its
// removal once a transfer verifies.
package persist

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/bitmap"
	"github.com/luxfi/scsync/block"
)

// Dir returns the state directory for block id under base. Ids are spread
// across a two-character prefix directory so a large transfer set does not
// produce a single directory with tens of thousands of entries.
func Dir(base string, id block.BlockId) string {
	hex := id.String()
	if len(hex) < 2 {
		return filepath.Join(base, hex)
	}
	return filepath.Join(base, hex[:2], hex)
}

// FilePath returns the path `file` is persisted at for block id under base.
func FilePath(base string, id block.BlockId) string {
	return filepath.Join(Dir(base, id), "file")
}

// BitmapPath returns the path `bitmap` is persisted at for block id under
// base.
func BitmapPath(base string, id block.BlockId) string {
	return filepath.Join(Dir(base, id), "bitmap")
}

// OpenBitmap ensures Dir(base, id) exists and opens (creating if absent)
// the memory-mapped availability bitmap for a block split into nChunks
// chunks. The file's mere presence on disk is what signals a resumable
// inbound transfer on the next connection to the same peer.
func OpenBitmap(base string, id block.BlockId, nChunks uint) (*bitmap.Map, error) {
	dir := Dir(base, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create persist dir %q", dir)
	}
	return bitmap.Open(BitmapPath(base, id), nChunks)
}

// Resumable reports whether a bitmap file already exists for id under base,
// i.e. whether a previous session left a partial transfer in progress.
func Resumable(base string, id block.BlockId) bool {
	_, err := os.Stat(BitmapPath(base, id))
	return err == nil
}
