// Package crypt provides the symmetric block cipher used to protect frame bodies.
//
// Key agreement happens elsewhere; this package only turns an agreed 128-bit key
// into an XTEA cipher and runs it over 8-byte blocks.
package crypt

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/xtea"
)

const (
	// KeySize is the XTEA key length in bytes
	KeySize = 16

	// BlockSize is the XTEA block length in bytes
	BlockSize = xtea.BlockSize
)

var (
	ErrInvalidKey       = errors.New("invalid xtea key")
	ErrInvalidBlockSize = errors.New("data is not a multiple of the block size")
)

// Key is a 128-bit XTEA key
type Key [KeySize]byte

// RandomKey generates a random key
func RandomKey() Key {
	var key Key
	rand.Read(key[:])
	return key
}

// KeyFromHex parses a hex encoded key
func KeyFromHex(s string) (Key, error) {
	var key Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// String returns the hex encoding of the key
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// XTEA encrypts and decrypts data in place, block by block
type XTEA struct {
	block *xtea.Cipher
}

// NewXTEA creates a cipher for the given key
func NewXTEA(key Key) (*XTEA, error) {
	block, err := xtea.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &XTEA{block: block}, nil
}

// EncryptInPlace encrypts data, which must be a multiple of BlockSize long
func (x *XTEA) EncryptInPlace(data []byte) error {
	if len(data)%BlockSize != 0 {
		return ErrInvalidBlockSize
	}
	for i := 0; i < len(data); i += BlockSize {
		x.block.Encrypt(data[i:i+BlockSize], data[i:i+BlockSize])
	}
	return nil
}

// DecryptInPlace decrypts data, which must be a multiple of BlockSize long
func (x *XTEA) DecryptInPlace(data []byte) error {
	if len(data)%BlockSize != 0 {
		return ErrInvalidBlockSize
	}
	for i := 0; i < len(data); i += BlockSize {
		x.block.Decrypt(data[i:i+BlockSize], data[i:i+BlockSize])
	}
	return nil
}

// PaddedLen returns n rounded up to the next multiple of BlockSize
func PaddedLen(n int) int {
	if rem := n % BlockSize; rem != 0 {
		return n + BlockSize - rem
	}
	return n
}

// Encrypt zero-pads data to a block multiple and returns the ciphertext
func (x *XTEA) Encrypt(data []byte) []byte {
	out := make([]byte, PaddedLen(len(data)))
	copy(out, data)
	// length is a block multiple by construction
	_ = x.EncryptInPlace(out)
	return out
}

// Decrypt returns the plaintext of data, padding included
func (x *XTEA) Decrypt(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	if err := x.DecryptInPlace(out); err != nil {
		return nil, err
	}
	return out, nil
}
