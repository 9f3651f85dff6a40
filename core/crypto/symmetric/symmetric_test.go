// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package symmetric

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeySealOpen(t *testing.T) {
	require := require.New(t)

	k, err := NewKey(nil)
	require.NoError(err)
	require.False(k.IsZero())

	ct, err := k.Seal([]byte("hello"), []byte("ad"))
	require.NoError(err)

	pt, err := k.Open(ct, []byte("ad"))
	require.NoError(err)
	require.Equal([]byte("hello"), pt)

	_, err = k.Open(ct, []byte("other ad"))
	require.ErrorIs(err, ErrDecrypt)

	other, err := NewKey(nil)
	require.NoError(err)
	_, err = other.Open(ct, []byte("ad"))
	require.ErrorIs(err, ErrDecrypt)

	_, err = k.Open(ct[:10], nil)
	require.ErrorIs(err, ErrCiphertextTooShort)
}

func TestKeyHelpers(t *testing.T) {
	require := require.New(t)

	k, err := NewKey(bytes.NewReader(bytes.Repeat([]byte{7}, KeySize)))
	require.NoError(err)
	k2, err := KeyFromBytes(k.Bytes())
	require.NoError(err)
	require.True(k.Equal(&k2))
	require.Equal(k.ID(), k2.ID())
	require.NotContains(k.String(), "0707")

	_, err = KeyFromBytes([]byte{1, 2, 3})
	require.ErrorIs(err, ErrKeySize)

	k2.Reset()
	require.True(k2.IsZero())
	require.False(k.Equal(&k2))
	require.False(k.Equal(nil))
}

func TestContainer(t *testing.T) {
	require := require.New(t)

	k1, err := NewKey(nil)
	require.NoError(err)
	k2, err := NewKey(nil)
	require.NoError(err)
	k3, err := NewKey(nil)
	require.NoError(err)

	msg := []byte("the quick brown fox")
	packed, err := SealContainer(msg, k1, k2)
	require.NoError(err)

	for _, k := range []Key{k1, k2} {
		pt, err := OpenContainer(packed, k)
		require.NoError(err)
		require.Equal(msg, pt)
	}

	_, err = OpenContainer(packed, k3)
	require.ErrorIs(err, ErrNoMatchingKey)

	_, err = OpenContainer([]byte("garbage"), k1)
	require.ErrorIs(err, ErrMalformedContainer)

	_, err = SealContainer(msg)
	require.Error(err)
}
