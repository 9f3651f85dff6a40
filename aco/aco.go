// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package aco implements the access control object: an encrypted payload
// that opens under either the password derived access key or the key
// derived from the restore secret, and under nothing else.
package aco

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/restorekey"
)

// Data is the plaintext of an access control object.
type Data[T any] struct {
	RestoreID         []byte
	DerivedRestoreKey symmetric.Key
	Payload           T
}

type dataRecord struct {
	RestoreID         []byte
	DerivedRestoreKey symmetric.Key
	Payload           []byte
}

// ACO is an unpacked access control object.  Values are immutable, the
// Update methods return a new object.
type ACO[T any] struct {
	packed      []byte
	passwordKey symmetric.Key
	data        Data[T]
	codec       Codec[T]
}

// Packed returns the encrypted form, as stored by the server.
func (a *ACO[T]) Packed() []byte {
	return a.packed
}

// Payload returns the decrypted payload.
func (a *ACO[T]) Payload() T {
	return a.data.Payload
}

// RestoreID returns the restore id the object is indexed by.
func (a *ACO[T]) RestoreID() []byte {
	return a.data.RestoreID
}

// PasswordKey returns the key this object was opened or packed with.
func (a *ACO[T]) PasswordKey() symmetric.Key {
	return a.passwordKey
}

// Data returns the full plaintext record.
func (a *ACO[T]) Data() Data[T] {
	return a.data
}

// Pack creates a new access control object holding payload.  A fresh
// restore key is generated from r (the system entropy source if nil), and
// returned alongside the packed bytes; its Secret is the only copy the
// caller will ever see.
func Pack[T any](passwordKey symmetric.Key, payload T, codec Codec[T], r io.Reader) (*restorekey.RestoreKey, []byte, error) {
	rk, err := restorekey.Generate(r)
	if err != nil {
		return nil, nil, err
	}
	data := Data[T]{
		RestoreID:         rk.RestoreID,
		DerivedRestoreKey: rk.Key,
		Payload:           payload,
	}
	packed, err := seal(data, codec, passwordKey)
	if err != nil {
		return nil, nil, err
	}
	return rk, packed, nil
}

// UnpackWithKey opens packed with key.  A key that does not open the
// object, or bytes that are not an access control object at all, yield
// (nil, nil).  An error means the object opened but its plaintext could
// not be decoded.
func UnpackWithKey[T any](packed []byte, key symmetric.Key, codec Codec[T]) (*ACO[T], error) {
	pt, err := symmetric.OpenContainer(packed, key)
	if err != nil {
		return nil, nil
	}
	rec := new(dataRecord)
	if err := cbor.Unmarshal(pt, rec); err != nil {
		return nil, fmt.Errorf("aco: malformed plaintext: %v", err)
	}
	payload, err := codec.Unmarshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("aco: malformed payload: %v", err)
	}
	return &ACO[T]{
		packed:      packed,
		passwordKey: key,
		data: Data[T]{
			RestoreID:         rec.RestoreID,
			DerivedRestoreKey: rec.DerivedRestoreKey,
			Payload:           payload,
		},
		codec: codec,
	}, nil
}

// UnpackWithSecret opens packed with the restore secret.  A secret with a
// bad checksum yields (nil, nil) without any key derivation.
func UnpackWithSecret[T any](packed []byte, secret string, codec Codec[T]) (*ACO[T], error) {
	_, key, err := restorekey.Parse(secret)
	if err != nil {
		if errors.Is(err, restorekey.ErrInvalidSecret) {
			return nil, nil
		}
		return nil, err
	}
	return UnpackWithKey(packed, key, codec)
}

// UpdatePayload returns a new object with the same restore id, restore key
// and password key, holding newPayload.
func (a *ACO[T]) UpdatePayload(newPayload T) (*ACO[T], error) {
	data := a.data
	data.Payload = newPayload
	return a.repack(data, a.passwordKey)
}

// UpdatePasswordKey returns a new object that opens under newKey and the
// unchanged restore key, and no longer under the previous password key.
func (a *ACO[T]) UpdatePasswordKey(newKey symmetric.Key) (*ACO[T], error) {
	return a.repack(a.data, newKey)
}

func (a *ACO[T]) repack(data Data[T], passwordKey symmetric.Key) (*ACO[T], error) {
	packed, err := seal(data, a.codec, passwordKey)
	if err != nil {
		return nil, err
	}
	return &ACO[T]{
		packed:      packed,
		passwordKey: passwordKey,
		data:        data,
		codec:       a.codec,
	}, nil
}

func seal[T any](data Data[T], codec Codec[T], passwordKey symmetric.Key) ([]byte, error) {
	payload, err := codec.Marshal(data.Payload)
	if err != nil {
		return nil, err
	}
	pt, err := cbor.Marshal(&dataRecord{
		RestoreID:         data.RestoreID,
		DerivedRestoreKey: data.DerivedRestoreKey,
		Payload:           payload,
	})
	if err != nil {
		return nil, err
	}
	return symmetric.SealContainer(pt, passwordKey, data.DerivedRestoreKey)
}
