// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package aco

import "github.com/fxamacker/cbor/v2"

// Codec serializes an access control object payload.
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(b []byte) (T, error)
}

// CBORCodec encodes payloads with CBOR.
type CBORCodec[T any] struct{}

// Marshal implements Codec.
func (CBORCodec[T]) Marshal(v T) ([]byte, error) {
	return cbor.Marshal(v)
}

// Unmarshal implements Codec.
func (CBORCodec[T]) Unmarshal(b []byte) (T, error) {
	var v T
	err := cbor.Unmarshal(b, &v)
	return v, err
}
