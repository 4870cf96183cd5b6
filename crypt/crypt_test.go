package crypt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/scsync/block"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := block.NewKey()
	require.NoError(t, err)

	plaintext := []byte("the directory tree, encoded")
	ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := Open(key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, err := block.NewKey()
	require.NoError(t, err)
	other, err := block.NewKey()
	require.NoError(t, err)

	ciphertext, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(other, ciphertext)
	require.Error(t, err)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := block.NewKey()
	require.NoError(t, err)
	ciphertext, err := Seal(key, []byte("secret payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = Open(key, ciphertext)
	require.Error(t, err)
}

func TestEmptyPlaintextRoundTrips(t *testing.T) {
	key, err := block.NewKey()
	require.NoError(t, err)
	ciphertext, err := Seal(key, nil)
	require.NoError(t, err)
	got, err := Open(key, ciphertext)
	require.NoError(t, err)
	require.Empty(t, got)
}
