// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/derivation"
)

const (
	decoyKeySize = 32

	// decoySlots matches the password and restore key slots of a real
	// access control object.
	decoySlots = 2
)

// decoys answers lookups for login names that do not exist, so that the
// replies can not be told apart from those for registered users.
type decoys struct {
	key    []byte
	params derivation.Params

	// acoSize tracks the size of the most recent real access control
	// object served.
	acoSize atomic.Int64
}

func loadOrCreateDecoyKey(f string) ([]byte, error) {
	b, err := os.ReadFile(f)
	switch {
	case err == nil:
		if len(b) != decoyKeySize {
			return nil, fmt.Errorf("server: decoy key file '%v' is corrupt", f)
		}
		return b, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	b = make([]byte, decoyKeySize)
	if _, err = io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	if err = os.WriteFile(f, b, 0600); err != nil {
		return nil, err
	}
	return b, nil
}

func newDecoys(keyFile string, params *derivation.Params, acoSize int) (*decoys, error) {
	key, err := loadOrCreateDecoyKey(keyFile)
	if err != nil {
		return nil, err
	}
	d := &decoys{
		key:    key,
		params: *params,
	}
	d.params.Salt = nil
	d.acoSize.Store(int64(acoSize))
	return d, nil
}

// derivationParams returns the parameters served for loginName.  The salt
// is a keyed hash of the name, so repeated requests see the same value.
func (d *decoys) derivationParams(loginName string) (*derivation.Params, error) {
	h, err := blake2b.New(derivation.SaltSize, d.key)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(loginName))
	p := d.params
	p.Salt = h.Sum(nil)
	return &p, nil
}

// aco returns a container that no key opens, sized like the last real
// object served.  Below the size of an empty container the empty container
// is returned.
func (d *decoys) aco() ([]byte, error) {
	size := int(d.acoSize.Load())
	keys := make([]symmetric.Key, decoySlots)
	for i := range keys {
		k, err := symmetric.NewKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}

	// CBOR length prefixes grow with the body, so converge on the size
	// in a few rounds.
	var packed []byte
	n := 0
	for i := 0; i < 4; i++ {
		pt := make([]byte, n)
		if _, err := io.ReadFull(rand.Reader, pt); err != nil {
			return nil, err
		}
		var err error
		if packed, err = symmetric.SealContainer(pt, keys...); err != nil {
			return nil, err
		}
		diff := size - len(packed)
		if diff == 0 || (diff < 0 && n == 0) {
			break
		}
		if n += diff; n < 0 {
			n = 0
		}
	}
	return packed, nil
}

func (d *decoys) observeACO(packed []byte) {
	if len(packed) > 0 {
		d.acoSize.Store(int64(len(packed)))
	}
}
