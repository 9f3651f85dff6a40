// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package signing wraps the hpqc signature schemes used for superlogin
// login keys.  Keys carry their scheme name so that a server can verify
// records signed with any supported scheme.
package signing

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
)

// Strength selects the signature scheme of a login key pair.
type Strength string

const (
	// Default is the default login key strength.
	Default Strength = "Ed25519"

	// Strong is a classical scheme with a larger security margin.
	Strong Strength = "Ed448"

	// PostQuantum is a hybrid classical and post quantum scheme.
	PostQuantum Strength = "Ed25519-Dilithium2"
)

var (
	// ErrUnknownScheme is the error returned for an unsupported scheme name.
	ErrUnknownScheme = errors.New("signing: unknown signature scheme")

	// ErrEmptyKey is the error returned when using an uninitialized key.
	ErrEmptyKey = errors.New("signing: empty key")
)

// Scheme returns the hpqc scheme for s.
func (s Strength) Scheme() (sign.Scheme, error) {
	scheme := signSchemes.ByName(string(s))
	if scheme == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownScheme, s)
	}
	return scheme, nil
}

func (s Strength) String() string {
	return string(s)
}

type keyRecord struct {
	Scheme  string
	Public  []byte
	Private []byte `cbor:",omitempty"`
}

// PublicKey is a login public key.
type PublicKey struct {
	key sign.PublicKey
	raw []byte
}

// PrivateKey is a login private key together with its public half.
type PrivateKey struct {
	key    sign.PrivateKey
	public *PublicKey
}

// Generate creates a new key pair of the given strength.
func Generate(s Strength) (*PrivateKey, error) {
	scheme, err := s.Scheme()
	if err != nil {
		return nil, err
	}
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	return newPrivateKey(priv, pub)
}

func newPublicKey(pub sign.PublicKey) (*PublicKey, error) {
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &PublicKey{key: pub, raw: raw}, nil
}

func newPrivateKey(priv sign.PrivateKey, pub sign.PublicKey) (*PrivateKey, error) {
	p, err := newPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: priv, public: p}, nil
}

// Strength returns the scheme name of the key.
func (k *PrivateKey) Strength() Strength {
	return Strength(k.key.Scheme().Name())
}

// PublicKey returns the public half of the key pair.
func (k *PrivateKey) PublicKey() *PublicKey {
	return k.public
}

// Sign signs msg.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	if k == nil || k.key == nil {
		return nil, ErrEmptyKey
	}
	return k.key.Scheme().Sign(k.key, msg, nil), nil
}

// Equal returns true if both keys hold the same private key.
func (k *PrivateKey) Equal(other *PrivateKey) bool {
	if k == nil || other == nil || k.key == nil || other.key == nil {
		return false
	}
	return k.key.Equal(other.key)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (k *PrivateKey) MarshalBinary() ([]byte, error) {
	if k == nil || k.key == nil {
		return nil, ErrEmptyKey
	}
	priv, err := k.key.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&keyRecord{
		Scheme:  k.key.Scheme().Name(),
		Public:  k.public.raw,
		Private: priv,
	})
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (k *PrivateKey) UnmarshalBinary(b []byte) error {
	rec, scheme, err := decodeRecord(b)
	if err != nil {
		return err
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(rec.Private)
	if err != nil {
		return err
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(rec.Public)
	if err != nil {
		return err
	}
	nk, err := newPrivateKey(priv, pub)
	if err != nil {
		return err
	}
	*k = *nk
	return nil
}

// Strength returns the scheme name of the key.
func (p *PublicKey) Strength() Strength {
	return Strength(p.key.Scheme().Name())
}

// Verify returns true if sig is a valid signature of msg under p.
func (p *PublicKey) Verify(msg, sig []byte) bool {
	if p == nil || p.key == nil {
		return false
	}
	return p.key.Scheme().Verify(p.key, msg, sig, nil)
}

// Bytes returns the scheme tagged encoding of the key.
func (p *PublicKey) Bytes() []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

// Equal compares two public keys, including their scheme, in constant time.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return false
	}
	a, b := p.Bytes(), other.Bytes()
	if a == nil || b == nil {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *PublicKey) MarshalBinary() ([]byte, error) {
	if p == nil || p.key == nil {
		return nil, ErrEmptyKey
	}
	return cbor.Marshal(&keyRecord{
		Scheme: p.key.Scheme().Name(),
		Public: p.raw,
	})
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *PublicKey) UnmarshalBinary(b []byte) error {
	rec, scheme, err := decodeRecord(b)
	if err != nil {
		return err
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(rec.Public)
	if err != nil {
		return err
	}
	np, err := newPublicKey(pub)
	if err != nil {
		return err
	}
	*p = *np
	return nil
}

// UnmarshalPublicKey decodes a key produced by PublicKey.MarshalBinary.
func UnmarshalPublicKey(b []byte) (*PublicKey, error) {
	p := new(PublicKey)
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeRecord(b []byte) (*keyRecord, sign.Scheme, error) {
	rec := new(keyRecord)
	if err := cbor.Unmarshal(b, rec); err != nil {
		return nil, nil, err
	}
	scheme, err := Strength(rec.Scheme).Scheme()
	if err != nil {
		return nil, nil, err
	}
	return rec, scheme, nil
}
