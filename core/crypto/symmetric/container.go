// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package symmetric

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const containerVersion = 1

var (
	slotAD = []byte("superlogin/container/slot/v1")
	bodyAD = []byte("superlogin/container/body/v1")

	// ErrNoMatchingKey is the error returned by OpenContainer when the
	// supplied key unlocks none of the container's slots.
	ErrNoMatchingKey = errors.New("symmetric: no matching key")

	// ErrMalformedContainer is the error returned when the packed bytes
	// are not a container at all.
	ErrMalformedContainer = errors.New("symmetric: malformed container")
)

// container is the serialized form.  The body is encrypted under a random
// content key, and every slot holds that content key encrypted under one
// of the unlock keys.
type container struct {
	Version uint8
	Slots   [][]byte
	Body    []byte
}

// SealContainer encrypts plaintext so that any one of keys can decrypt it.
func SealContainer(plaintext []byte, keys ...Key) ([]byte, error) {
	if len(keys) == 0 {
		return nil, errors.New("symmetric: container needs at least one key")
	}
	contentKey, err := NewKey(nil)
	if err != nil {
		return nil, err
	}
	defer contentKey.Reset()

	c := &container{
		Version: containerVersion,
		Slots:   make([][]byte, 0, len(keys)),
	}
	for i := range keys {
		slot, err := keys[i].Seal(contentKey[:], slotAD)
		if err != nil {
			return nil, err
		}
		c.Slots = append(c.Slots, slot)
	}
	if c.Body, err = contentKey.Seal(plaintext, bodyAD); err != nil {
		return nil, err
	}
	return cbor.Marshal(c)
}

// OpenContainer decrypts a container with key.  It returns
// ErrNoMatchingKey if key is not one of the keys the container was sealed
// with, and never returns partial plaintext.
func OpenContainer(packed []byte, key Key) ([]byte, error) {
	c := new(container)
	if err := cbor.Unmarshal(packed, c); err != nil {
		return nil, ErrMalformedContainer
	}
	if c.Version != containerVersion {
		return nil, fmt.Errorf("symmetric: unsupported container version %d", c.Version)
	}
	for _, slot := range c.Slots {
		raw, err := key.Open(slot, slotAD)
		if err != nil {
			continue
		}
		contentKey, err := KeyFromBytes(raw)
		if err != nil {
			return nil, ErrMalformedContainer
		}
		pt, err := contentKey.Open(c.Body, bodyAD)
		contentKey.Reset()
		if err != nil {
			return nil, ErrNoMatchingKey
		}
		return pt, nil
	}
	return nil, ErrNoMatchingKey
}
