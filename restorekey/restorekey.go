// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package restorekey implements the human transcribable restore secret.
//
// A secret is 17 random bytes followed by a CRC-32 of those bytes,
// encoded in the bitcoin base58 alphabet and split into dash separated
// groups of five characters.  The checksum lets typos be rejected before
// any key derivation or network traffic happens.
package restorekey

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"strings"
	"unicode"

	"github.com/btcsuite/btcutil/base58"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/sha3"

	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/derivation"
)

const (
	// EntropySize is the number of random bytes in a secret.
	EntropySize = 17

	// Rounds is the PBKDF2 iteration count used for restore secrets.
	Rounds = 1000

	groupSize    = 5
	checksumSize = 4
	saltSuffix   = "RestoreKeySecret"
)

// ErrInvalidSecret is the error returned for a secret whose checksum does
// not verify.
var ErrInvalidSecret = errors.New("restorekey: secret is not valid")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// RestoreKey is a freshly generated restore secret and its derived values.
type RestoreKey struct {
	// RestoreID is the public lookup handle of the access control object.
	RestoreID []byte

	// Key is the restore unlock key of the access control object.
	Key symmetric.Key

	// Secret is the grouped secret shown to the user exactly once.
	Secret string
}

// Generate creates a new restore key.  Entropy is read from r, or from
// the system entropy source if r is nil.
func Generate(r io.Reader) (*RestoreKey, error) {
	if r == nil {
		r = rand.Reader
	}
	raw := make([]byte, EntropySize, EntropySize+checksumSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	raw = binary.BigEndian.AppendUint32(raw, crc32.Checksum(raw, castagnoli))
	secret := base58.Encode(raw)

	id, key, err := Parse(secret)
	if err != nil {
		return nil, err
	}
	return &RestoreKey{
		RestoreID: id,
		Key:       key,
		Secret:    group(secret),
	}, nil
}

// CheckIntegrity returns true if the secret's checksum verifies.  It does
// no key derivation and is cheap enough to call on every keystroke.
func CheckIntegrity(secret string) bool {
	raw := base58.Decode(normalize(secret))
	if len(raw) != EntropySize+checksumSize {
		return false
	}
	sum := binary.BigEndian.Uint32(raw[EntropySize:])
	return crc32.Checksum(raw[:EntropySize], castagnoli) == sum
}

// Parse validates secret and derives its restore id and key.  Dashes and
// whitespace are ignored.
func Parse(secret string) ([]byte, symmetric.Key, error) {
	s := normalize(secret)
	if !CheckIntegrity(s) {
		return nil, symmetric.Key{}, ErrInvalidSecret
	}
	salt := sha3.Sum256([]byte(s + saltSuffix))
	p := &derivation.Params{
		Rounds:    Rounds,
		Algorithm: derivation.PBKDF2SHA3_256,
		Salt:      salt[:],
	}
	keys, err := derivation.Derive(s, p, 2)
	if err != nil {
		return nil, symmetric.Key{}, err
	}
	return keys[0].Bytes(), keys[1], nil
}

func normalize(secret string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, secret)
}

func group(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += groupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + groupSize
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}
