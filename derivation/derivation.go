// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package derivation turns a password and a set of public derivation
// parameters into independent symmetric keys.
//
// The password is first stretched into a master secret with the
// configured algorithm, then HKDF expands one key per index so that
// learning one derived key reveals nothing about another.
package derivation

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"

	"github.com/katzenpost/superlogin/core/crypto/symmetric"
)

// Algorithm names a password stretching function.
type Algorithm string

const (
	// PBKDF2SHA3_256 is PBKDF2 over HMAC-SHA3-256.
	PBKDF2SHA3_256 Algorithm = "PBKDF2-SHA3-256"

	// Argon2id is Argon2id, Rounds being the time cost.
	Argon2id Algorithm = "Argon2id"
)

const (
	// DefaultRounds is the default PBKDF2 iteration count.
	DefaultRounds = 15000

	// DefaultArgon2Rounds is the default Argon2id time cost.
	DefaultArgon2Rounds = 3

	// MaxPBKDF2Rounds is the largest accepted PBKDF2 iteration count.
	MaxPBKDF2Rounds = 10_000_000

	// MaxArgon2Rounds is the largest accepted Argon2id time cost.
	MaxArgon2Rounds = 64

	// SaltSize is the size of a freshly generated salt.
	SaltSize = 32

	// LoginIDSize is the size of the derived login identifier.
	LoginIDSize = symmetric.KeySize

	argon2Memory  = 64 * 1024
	argon2Threads = 4
	masterSize    = 32
	maxKeys       = 255
)

var (
	// ErrInvalidParams is the error returned for unusable parameters.
	ErrInvalidParams = errors.New("derivation: invalid parameters")
)

// Params are the public, per-user derivation parameters.  They are stored
// by the server and handed to anyone asking for a login name.
type Params struct {
	Rounds    int
	Algorithm Algorithm
	Salt      []byte
}

// NewParams returns PBKDF2 parameters with a fresh random salt.
func NewParams(rounds int) (*Params, error) {
	return NewParamsWithAlgorithm(PBKDF2SHA3_256, rounds)
}

// NewParamsWithAlgorithm returns parameters for alg with a fresh random salt.
func NewParamsWithAlgorithm(alg Algorithm, rounds int) (*Params, error) {
	p := &Params{
		Rounds:    rounds,
		Algorithm: alg,
	}
	if err := p.randomizeSalt(); err != nil {
		return nil, err
	}
	return p, p.Validate()
}

// WithNewSalt returns a copy of p with a freshly randomized salt.
func (p *Params) WithNewSalt() (*Params, error) {
	np := &Params{
		Rounds:    p.Rounds,
		Algorithm: p.Algorithm,
	}
	if err := np.randomizeSalt(); err != nil {
		return nil, err
	}
	return np, nil
}

func (p *Params) randomizeSalt() error {
	p.Salt = make([]byte, SaltSize)
	_, err := io.ReadFull(rand.Reader, p.Salt)
	return err
}

// Validate returns an error if the parameters can not be used.
func (p *Params) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalidParams)
	}
	if p.Rounds <= 0 {
		return fmt.Errorf("%w: rounds must be positive", ErrInvalidParams)
	}
	if len(p.Salt) == 0 {
		return fmt.Errorf("%w: empty salt", ErrInvalidParams)
	}
	maxRounds, err := MaxRounds(p.Algorithm)
	if err != nil {
		return err
	}
	if p.Rounds > maxRounds {
		return fmt.Errorf("%w: %d rounds exceeds %d for %s", ErrInvalidParams, p.Rounds, maxRounds, p.Algorithm)
	}
	return nil
}

// MaxRounds returns the largest cost accepted for alg.
func MaxRounds(alg Algorithm) (int, error) {
	switch alg {
	case PBKDF2SHA3_256:
		return MaxPBKDF2Rounds, nil
	case Argon2id:
		return MaxArgon2Rounds, nil
	default:
		return 0, fmt.Errorf("%w: unknown algorithm '%s'", ErrInvalidParams, alg)
	}
}

// Equal compares parameters by value.
func (p *Params) Equal(other *Params) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Rounds == other.Rounds &&
		p.Algorithm == other.Algorithm &&
		bytes.Equal(p.Salt, other.Salt)
}

func (p *Params) String() string {
	return fmt.Sprintf("%s/%d", p.Algorithm, p.Rounds)
}

func (p *Params) master(password string) []byte {
	switch p.Algorithm {
	case Argon2id:
		return argon2.IDKey([]byte(password), p.Salt, uint32(p.Rounds), argon2Memory, argon2Threads, masterSize)
	default:
		return pbkdf2.Key([]byte(password), p.Salt, p.Rounds, masterSize, sha3.New256)
	}
}

// Derive returns count independent keys for password under p.  The result
// is a deterministic function of (password, p, count).
func Derive(password string, p *Params, count int) ([]symmetric.Key, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if count <= 0 || count > maxKeys {
		return nil, fmt.Errorf("%w: key count %d", ErrInvalidParams, count)
	}
	master := p.master(password)
	defer wipe(master)

	keys := make([]symmetric.Key, count)
	for i := range keys {
		info := fmt.Sprintf("superlogin/key/%d", i)
		r := hkdf.Expand(sha3.New256, master, []byte(info))
		if _, err := io.ReadFull(r, keys[i][:]); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// DerivedKeys is the per-password key triple.  It is never serialized.
type DerivedKeys struct {
	// LoginID identifies the password at the server without revealing it.
	LoginID []byte `cbor:"-"`

	// LoginAccessKey unlocks the access control object.
	LoginAccessKey symmetric.Key `cbor:"-"`

	// ExtraKey is reserved for the host application.
	ExtraKey symmetric.Key `cbor:"-"`
}

// DeriveKeys derives the key triple for password under p.
func DeriveKeys(password string, p *Params) (*DerivedKeys, error) {
	keys, err := Derive(password, p, 3)
	if err != nil {
		return nil, err
	}
	return &DerivedKeys{
		LoginID:        keys[0].Bytes(),
		LoginAccessKey: keys[1],
		ExtraKey:       keys[2],
	}, nil
}

// Equal compares two key triples in constant time.
func (k *DerivedKeys) Equal(other *DerivedKeys) bool {
	if k == nil || other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(k.LoginID, other.LoginID) == 1 &&
		k.LoginAccessKey.Equal(&other.LoginAccessKey) &&
		k.ExtraKey.Equal(&other.ExtraKey)
}

// Deriver derives a key triple.  DeriveKeys is the production Deriver,
// callers may substitute an instrumented one.
type Deriver func(password string, p *Params) (*DerivedKeys, error)

// PasswordHash is a fast fingerprint of a password, used only to detect
// that a cached derivation belongs to the same password.
func PasswordHash(password string) [blake2b.Size256]byte {
	h, err := blake2b.New256([]byte("superlogin/password-cache"))
	if err != nil {
		panic(err)
	}
	h.Write([]byte(password))
	var out [blake2b.Size256]byte
	copy(out[:], h.Sum(nil))
	return out
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
