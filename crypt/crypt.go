// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypt provides per-block confidentiality and integrity. The
// BlockRef Key is fixed at 128 bits and the AEAD primitive is otherwise
// unconstrained; none of the pack's AEAD constructions accept a 128-bit
// key (chacha20poly1305 and nacl/secretbox both require 256 bits), so this
// package uses the standard library's AES-128-GCM, the one construction
// that actually matches the required key size. See DESIGN.md.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/block"
)

// Seal encrypts plaintext under key, returning nonce||ciphertext||tag. The
// nonce is freshly random per call: every block is encrypted exactly once
// at build time with a freshly generated key, so nonce reuse under a
// single key never occurs.
func Seal(key block.Key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generate block nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal under key.
func Open(key block.Key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("scsync: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt block")
	}
	return plaintext, nil
}

func newGCM(key block.Key) (cipher.AEAD, error) {
	blockCipher, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "init AES-128 cipher")
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, errors.Wrap(err, "init GCM mode")
	}
	return gcm, nil
}
