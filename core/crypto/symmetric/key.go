// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package symmetric provides the symmetric keys used throughout superlogin,
// authenticated encryption under a single key, and the multi-key container
// that backs access control objects.
package symmetric

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of a symmetric key in bytes.
const KeySize = chacha20poly1305.KeySize

const idSize = 16

var (
	// ErrKeySize is the error returned when a key has the wrong length.
	ErrKeySize = errors.New("symmetric: invalid key size")

	// ErrDecrypt is the error returned when a ciphertext does not
	// authenticate under the given key.
	ErrDecrypt = errors.New("symmetric: message authentication failed")

	// ErrCiphertextTooShort is the error returned when a ciphertext
	// is shorter than the nonce and tag overhead.
	ErrCiphertextTooShort = errors.New("symmetric: ciphertext too short")
)

// Key is a 256 bit XChaCha20-Poly1305 key.
type Key [KeySize]byte

// NewKey reads a fresh key from r, or from the system entropy source
// if r is nil.
func NewKey(r io.Reader) (Key, error) {
	var k Key
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, ErrKeySize
	}
	copy(k[:], b)
	return k, nil
}

// Bytes returns a copy of the raw key material.
func (k *Key) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k[:])
	return b
}

// ID returns a short public fingerprint of the key.  It reveals nothing
// about the key material and is safe to log.
func (k *Key) ID() []byte {
	h, err := blake2b.New256([]byte("superlogin/key-id"))
	if err != nil {
		panic(err)
	}
	h.Write(k[:])
	return h.Sum(nil)[:idSize]
}

// String returns the fingerprint, never the key.
func (k Key) String() string {
	return fmt.Sprintf("Key(%s)", hex.EncodeToString(k.ID()))
}

// Equal compares two keys in constant time.
func (k *Key) Equal(other *Key) bool {
	if other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// IsZero returns true for the all-zero key.
func (k *Key) IsZero() bool {
	var zero Key
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// Reset overwrites the key material with zeros.
func (k *Key) Reset() {
	for i := range k {
		k[i] = 0
	}
}

// Seal encrypts and authenticates plaintext and additionalData, returning
// nonce || ciphertext.
func (k *Key) Seal(plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, additionalData), nil
}

// Open reverses Seal.  A ciphertext produced under any other key, or
// tampered with in any way, yields ErrDecrypt.
func (k *Key) Open(ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
